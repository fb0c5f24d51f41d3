package optimizer

import (
	"math"

	"github.com/atlas-desktop/clm-worker/internal/indicators"
	"github.com/atlas-desktop/clm-worker/internal/priceband"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	secondsPerYear      = 365.0 * 24 * 3600
	rsMinBarsSinceLast  = 4
	rsBridgeBps         = 0.001
	overfitRatio        = 0.8
	sigmaWindowBars     = 20
	minFitnessCandles   = 20
	trainFraction       = 0.8
)

// FitnessInputs bundles the figures the fitness simulator needs: a
// contiguous M15 candle series, the pool's fee fraction, a base APR
// estimate to accrue while the simulated position is in range, the gas
// cost of one rebalance in USD, and the notional position value in USD.
type FitnessInputs struct {
	Candles          []types.Candle
	PoolFeeFrac      float64
	BaseAprEstimate  float64
	GasUsdPerRebal   float64
	PositionValueUsd float64
	EpochSeconds     float64
}

// Fitness evaluates params against FitnessInputs per spec.md §4.5: split
// the candles into a train window (first 80%) and a validation window
// (last 20%), simulate each independently, and reject overfitting when
// validation underperforms 0.8x the train score.
func Fitness(params types.RangeParams, in FitnessInputs) float64 {
	if len(in.Candles) < minFitnessCandles {
		return math.Inf(-1)
	}

	splitAt := int(float64(len(in.Candles)) * trainFraction)
	train := in.Candles[:splitAt]
	validation := in.Candles[splitAt:]

	trainScore := simulateWindow(params, train, in)
	validationScore := simulateWindow(params, validation, in)

	if trainScore > 0 && validationScore < overfitRatio*trainScore {
		return math.Inf(-1)
	}

	return validationScore
}

// simulateWindow walks a candle window bar by bar, accruing fee APR
// while the simulated position is in-range, continuous LVR per Milionis
// et al. while in-range, and discrete rebalance cost whenever divergence
// from the target triggers a reposition.
func simulateWindow(params types.RangeParams, candles []types.Candle, in FitnessInputs) float64 {
	if len(candles) == 0 {
		return 0
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		cl, _ := c.Close.Float64()
		h, _ := c.High.Float64()
		l, _ := c.Low.Float64()
		closes[i], highs[i], lows[i] = cl, h, l
	}

	dt := in.EpochSeconds
	if dt <= 0 {
		dt = 900
	}
	dtYears := dt / secondsPerYear

	price0 := closes[0]
	lower, upper := targetBounds(price0, 0, params)
	lastRebalBar := 0

	feeAccum := 0.0
	lvrAccum := 0.0
	rebalCostAccum := 0.0

	for i, price := range closes {
		inRange := price >= lower && price <= upper

		windowStart := i - sigmaWindowBars
		if windowStart < 0 {
			windowStart = 0
		}
		sigma := indicators.ParkinsonSigma(highs[windowStart:i+1], lows[windowStart:i+1])
		vforce := indicators.VforceSigmoid(sigma)

		if inRange {
			feeAccum += in.BaseAprEstimate * dtYears

			sqrtP := math.Sqrt(price)
			sqrtPH := math.Sqrt(upper)
			sqrtPL := math.Sqrt(lower)
			if sqrtPH != sqrtPL {
				lvrAccum += (sigma * sigma / 2) * sqrtP / (sqrtPH - sqrtPL) * dtYears
			}
		}

		targetLower, targetUpper := targetBounds(price, vforce, params)
		curInterval := boundsToInterval(lower, upper, price)
		targetInterval := boundsToInterval(targetLower, targetUpper, price)
		divergence := priceband.RangeDivergence(curInterval, targetInterval)

		if divergence > params.RsThreshold && i-lastRebalBar >= rsMinBarsSinceLast {
			rebalCostAccum += (in.GasUsdPerRebal + (2*in.PoolFeeFrac+rsBridgeBps)*(1+vforce/100)*in.PositionValueUsd)
			lower, upper = targetLower, targetUpper
			lastRebalBar = i
		}
	}

	totalYears := float64(len(candles)) * dt / secondsPerYear
	if totalYears <= 0 {
		return 0
	}

	feeApr := feeAccum / totalYears
	lvrApr := lvrAccum / totalYears
	rebalCostApr := 0.0
	if in.PositionValueUsd > 0 {
		rebalCostApr = (rebalCostAccum / in.PositionValueUsd) / totalYears
	}

	return feeApr - lvrApr - rebalCostApr
}

func targetBounds(price, vforce float64, params types.RangeParams) (lower, upper float64) {
	halfWidthFrac := params.BaseMin + (params.BaseMax-params.BaseMin)*math.Exp(params.VforceExp*vforce/params.VforceDivider)
	if halfWidthFrac < params.BaseMin {
		halfWidthFrac = params.BaseMin
	}
	halfWidth := price * halfWidthFrac
	return price - halfWidth, price + halfWidth
}

func boundsToInterval(lower, upper, price float64) types.Interval {
	return types.Interval{Min: lower, Max: upper, Base: price, Breadth: upper - lower}
}
