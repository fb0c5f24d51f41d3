// Package regime implements spec.md §4.6: threshold-based regime
// detection over a trailing hour of M1 candles compared against 30 days
// of hourly samples. This replaces the teacher's HMM-based classifier
// (internal/regime/detector.go's HMMRegimeDetector) with the simpler
// threshold rules the spec requires.
package regime

import (
	"math"

	"github.com/atlas-desktop/clm-worker/internal/indicators"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	trailingHourBars   = 60
	minHourlySamples   = 10
	volSpikeStdMult    = 3.0
	suppressEpochs     = 4
	stablePairDisplace = 0.02
	volatilePairDisplace = 0.10
	volumeAnomalyMult  = 5.0
	widenFactor        = 1.5
)

// Evaluate runs the three regime checks. stablePair indicates a pair
// whose tokens are both low-volatility (e.g. stablecoin/stablecoin),
// which uses the tighter 2% displacement threshold instead of 10%.
func Evaluate(
	lastHourM1 []types.Candle,
	hourlySigmaSamples []float64,
	priceNow, price1hAgo float64,
	lastEpochVolume float64,
	meanEpochVolume float64,
	stablePair bool,
	currentEpoch int64,
) types.RegimeVerdict {
	var verdict types.RegimeVerdict

	window := lastHourM1
	if len(window) > trailingHourBars {
		window = window[len(window)-trailingHourBars:]
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		h, _ := c.High.Float64()
		l, _ := c.Low.Float64()
		highs[i], lows[i] = h, l
	}
	sigma1h := indicators.ParkinsonSigma(highs, lows)

	if len(hourlySigmaSamples) >= minHourlySamples {
		mean, std := meanStd(hourlySigmaSamples)
		if sigma1h > mean+volSpikeStdMult*std {
			verdict.VolSpike = true
		}
	}

	if price1hAgo != 0 {
		threshold := volatilePairDisplace
		if stablePair {
			threshold = stablePairDisplace
		}
		displacement := math.Abs(priceNow-price1hAgo) / price1hAgo
		if displacement > threshold {
			verdict.PriceDisplaced = true
		}
	}

	if meanEpochVolume > 0 && lastEpochVolume > volumeAnomalyMult*meanEpochVolume {
		verdict.VolumeAnomaly = true
		verdict.WidenFactor = widenFactor
	}

	if verdict.VolSpike || verdict.PriceDisplaced {
		verdict.SuppressUntilEpoch = currentEpoch + suppressEpochs
	}

	return verdict
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	if len(values) > 1 {
		std = math.Sqrt(sumSq / float64(len(values)-1))
	}
	return mean, std
}
