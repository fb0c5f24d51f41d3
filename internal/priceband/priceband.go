// Package priceband implements spec.md §4.3: mapping Forces and the
// current price to a price Interval, the interval-divergence metric RS
// decisions gate on, and tick-space conversion at the canonical Uniswap
// V3 base of 1.0001.
package priceband

import (
	"math"

	"github.com/atlas-desktop/clm-worker/pkg/types"
)

// Tuning constants for the confidence/bias decay curves. These are not
// among the five optimized RangeParams; they are fixed shape constants
// of the range-computation model itself.
const (
	criticalForce = 70.0
	confidenceExp = -0.05
	bearishFrom   = 40.0
	bullishFrom   = 60.0
	overbought    = 70.0
	oversold      = 30.0
	mDivider      = 2.0
	biasExp       = 0.02
	divider       = 2.0

	tickBase = 1.0001
)

// ComputeRange derives a price Interval from the current price, the
// composite Forces, and the active RangeParams.
func ComputeRange(price float64, f types.Forces, params types.RangeParams) types.Interval {
	confidence := 100.0
	bias := 0.0
	kind := types.RangeNeutral

	confidence *= math.Exp(confidenceExp * (f.V.Force - criticalForce))

	if f.T.Force > bearishFrom && f.T.Force < bullishFrom {
		kind = types.RangeNeutral
		if f.M.Force > overbought || f.M.Force < oversold {
			confidence /= math.Abs(f.M.Force-50) * mDivider
		}
	} else {
		if f.T.Force >= bullishFrom {
			kind = types.RangeBullish
		} else {
			kind = types.RangeBearish
		}
		bias = (f.T.Force - 50) / 100

		trendUp := kind == types.RangeBullish
		momentumUp := f.M.Force > 50
		agrees := trendUp == momentumUp

		if agrees {
			bias *= math.Exp(biasExp * math.Abs(f.M.Force-50))
		} else {
			mAbs := math.Abs(f.M.Force - 50)
			if mAbs > 0 {
				bias /= mAbs * divider
				confidence /= mAbs * divider
			}
		}
	}

	confidence = clamp(confidence, 0, 100)

	halfWidthFrac := params.BaseMin + (params.BaseMax-params.BaseMin)*math.Exp(params.VforceExp*f.V.Force/params.VforceDivider)
	if halfWidthFrac < params.BaseMin {
		halfWidthFrac = params.BaseMin
	}
	halfWidth := price * halfWidthFrac

	upperHalf := halfWidth
	lowerHalf := halfWidth
	stretch := 1 + math.Abs(bias)
	if bias > 0 {
		upperHalf *= stretch
		lowerHalf /= stretch
	} else if bias < 0 {
		lowerHalf *= stretch
		upperHalf /= stretch
	}

	min := price - lowerHalf
	max := price + upperHalf

	return types.Interval{
		Min:        min,
		Max:        max,
		Base:       price,
		Breadth:    max - min,
		Confidence: confidence,
		TrendBias:  bias,
		Kind:       kind,
	}
}

// RangeDivergence combines a size-difference term and a centre-difference
// term, each clamped to [0,1] and relative to the current interval's
// width, into a single [0,1] divergence score.
func RangeDivergence(current, target types.Interval) float64 {
	rc := current.Max - current.Min
	if rc <= 0 {
		if target.Max-target.Min > 0 {
			return 1
		}
		return 0
	}
	rt := target.Max - target.Min

	sizeTerm := clamp(math.Abs(rt-rc)/rc, 0, 1)

	cc := (current.Max + current.Min) / 2
	ct := (target.Max + target.Min) / 2
	centreTerm := clamp(math.Abs(ct-cc)/rc, 0, 1)

	return clamp(sizeTerm+centreTerm, 0, 1)
}

// PriceToTick converts a price to its tick index at the canonical base
// of 1.0001.
func PriceToTick(price float64) float64 {
	return math.Log(price) / math.Log(tickBase)
}

// AlignTicks snaps the lower bound down and the upper bound up to the
// venue's tick spacing.
func AlignTicks(lower, upper float64, tickSpacing int64) (int64, int64) {
	if tickSpacing <= 0 {
		tickSpacing = 1
	}
	lo := int64(math.Floor(lower/float64(tickSpacing))) * tickSpacing
	hi := int64(math.Ceil(upper/float64(tickSpacing))) * tickSpacing
	return lo, hi
}

// IntervalToTicks converts an Interval's bounds to aligned tick indices.
func IntervalToTicks(iv types.Interval, tickSpacing int64) (lower, upper int64) {
	lowerTick := PriceToTick(iv.Min)
	upperTick := PriceToTick(iv.Max)
	return AlignTicks(lowerTick, upperTick, tickSpacing)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
