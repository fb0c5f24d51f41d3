// Package allocator implements the water-fill concave capital allocator
// from spec.md §4.4: equalize marginal APR across the top pools by
// bisecting a Lagrange multiplier lambda.
package allocator

import (
	"math"
	"sort"

	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	lambdaLo       = 1e-4
	maxIterations  = 64
	convergenceTol = 1e-10
	minWeight      = 1e-3
)

// poolInput is the minimal per-pool figures the allocator needs,
// projected out of PoolAnalysis/PoolSnapshot by the caller.
type poolInput struct {
	PoolID string
	Chain  types.Chain
	DexTag string
	Apr    float64
	Tvl    float64
}

// WaterFill computes a target allocation across the pools in analyses,
// sorted by APR descending, keeping only the top maxPositions pools with
// apr>0, and equalizing marginal APR at a common lambda.
func WaterFill(analyses []types.PoolAnalysis, tvlByPool map[string]float64, maxPositions int) []types.AllocationEntry {
	pools := make([]poolInput, 0, len(analyses))
	for _, a := range analyses {
		if a.AnnualizedApr <= 0 {
			continue
		}
		pools = append(pools, poolInput{
			PoolID: a.PoolID,
			Chain:  a.Chain,
			DexTag: a.DexTag,
			Apr:    a.AnnualizedApr,
			Tvl:    tvlByPool[a.PoolID],
		})
	}
	if len(pools) == 0 {
		return nil
	}

	sort.Slice(pools, func(i, j int) bool { return pools[i].Apr > pools[j].Apr })
	if len(pools) > maxPositions {
		pools = pools[:maxPositions]
	}

	if len(pools) == 1 {
		p := pools[0]
		return []types.AllocationEntry{{
			PoolID:      p.PoolID,
			Chain:       p.Chain,
			DexTag:      p.DexTag,
			Fraction:    1.0,
			ExpectedApr: p.Apr,
		}}
	}

	aprMax := pools[0].Apr
	lambda := bisectLambda(pools, aprMax)

	fractions := make([]float64, len(pools))
	sumX := 0.0
	for i, p := range pools {
		x := marginalShare(p, lambda)
		fractions[i] = x
		sumX += x
	}

	entries := make([]types.AllocationEntry, 0, len(pools))
	keptSum := 0.0
	for i, p := range pools {
		x := fractions[i]
		if sumX > 0 {
			x = x / sumX
		}
		if x < minWeight {
			continue
		}
		keptSum += x
		entries = append(entries, types.AllocationEntry{
			PoolID:   p.PoolID,
			Chain:    p.Chain,
			DexTag:   p.DexTag,
			Fraction: x,
		})
	}
	if len(entries) == 0 {
		// Degenerate case: fall back to the single best pool.
		p := pools[0]
		return []types.AllocationEntry{{
			PoolID:      p.PoolID,
			Chain:       p.Chain,
			DexTag:      p.DexTag,
			Fraction:    1.0,
			ExpectedApr: p.Apr,
		}}
	}

	for i := range entries {
		entries[i].Fraction /= keptSum
		for _, p := range pools {
			if p.PoolID == entries[i].PoolID {
				x := entries[i].Fraction
				entries[i].ExpectedApr = p.Apr * p.Tvl / (p.Tvl + x*totalCapitalUnit)
				break
			}
		}
	}
	return entries
}

// totalCapitalUnit normalizes capital U to 1 so fractions and dollar
// sizing are computed the same way regardless of actual deployed size;
// the executor applies the real USD amount when sizing mints.
const totalCapitalUnit = 1.0

func marginalShare(p poolInput, lambda float64) float64 {
	if lambda <= 0 || p.Tvl <= 0 {
		return 0
	}
	x := (p.Apr/lambda - 1) * p.Tvl / totalCapitalUnit
	if x < 0 {
		return 0
	}
	return x
}

func bisectLambda(pools []poolInput, aprMax float64) float64 {
	lo, hi := lambdaLo, aprMax
	lambda := hi
	for i := 0; i < maxIterations; i++ {
		lambda = (lo + hi) / 2
		sum := 0.0
		for _, p := range pools {
			sum += marginalShare(p, lambda)
		}
		diff := sum - 1
		if math.Abs(diff) < convergenceTol {
			break
		}
		if diff > 0 {
			// Too much capital allocated; raise lambda to shrink shares.
			lo = lambda
		} else {
			hi = lambda
		}
	}
	return lambda
}
