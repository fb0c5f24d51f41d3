// Package bigmath provides the decimal-string <-> big.Int interop and the
// integer-scaled proportional sizing spec.md's "BigInt interop" design
// note calls for: position amounts, liquidity and gas are unbounded
// integers that must round-trip through storage and the wire as decimal
// strings, and balance*pct sizing must avoid floating-point drift.
package bigmath

import (
	"fmt"
	"math/big"
)

// sizeScale is the integer scale used to keep sub-basis-point precision
// when multiplying a big.Int balance by a float64 fraction.
const sizeScale = 1_000_000_000 // 1e9

// ToDecimalString renders n as a base-10 string, or "0" for nil.
func ToDecimalString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// FromDecimalString parses a base-10 big integer string.
func FromDecimalString(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bigmath: invalid integer string %q", s)
	}
	return n, nil
}

// ScaleByFraction computes floor(balance * pct) using an integer scale of
// 1e9 so that fractional weights (themselves derived from float64 APRs)
// don't introduce floating-point drift into bigint balances. pct must be
// in [0, 1].
func ScaleByFraction(balance *big.Int, pct float64) *big.Int {
	if balance == nil || balance.Sign() == 0 || pct <= 0 {
		return big.NewInt(0)
	}
	if pct > 1 {
		pct = 1
	}
	scaledPct := new(big.Int).SetInt64(int64(pct * sizeScale))
	num := new(big.Int).Mul(balance, scaledPct)
	return num.Div(num, big.NewInt(sizeScale))
}

// Sum adds a list of big.Int, treating nils as zero.
func Sum(values ...*big.Int) *big.Int {
	total := big.NewInt(0)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Sub returns a-b, treating nils as zero.
func Sub(a, b *big.Int) *big.Int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return new(big.Int).Sub(a, b)
}

// IsPositive reports whether n is non-nil and strictly positive.
func IsPositive(n *big.Int) bool {
	return n != nil && n.Sign() > 0
}
