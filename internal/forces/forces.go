// Package forces computes the composite {v, m, t} signal from a worker's
// candle buffer: volatility via Parkinson (falling back to coefficient of
// variation), momentum via Wilder RSI plus up/down tick counts, and trend
// via an SMA crossover. A weighted blend across M15/H1/H4 timeframes
// produces the Forces the range and optimizer packages consume.
package forces

import (
	"math"

	"github.com/atlas-desktop/clm-worker/internal/indicators"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

// weight and lookback per timeframe in the composite blend (spec.md §4.2).
// M1 and M5 are deliberately omitted as microstructure noise.
var compositeWeights = map[types.Timeframe]float64{
	types.TimeframeM15: 0.30,
	types.TimeframeH1:  0.40,
	types.TimeframeH4:  0.30,
}

var compositeLookback = map[types.Timeframe]int{
	types.TimeframeM15: 96,
	types.TimeframeH1:  168,
	types.TimeframeH4:  180,
}

// Vforce computes the volatility component. It uses Parkinson whenever
// any bar has H>L and L>0; otherwise it falls back to the coefficient of
// variation (std/mean)*100, clamped to [0,100].
func Vforce(candles []types.Candle) types.VolForce {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	hasRange := false
	for i, c := range candles {
		h, _ := c.High.Float64()
		l, _ := c.Low.Float64()
		cl, _ := c.Close.Float64()
		highs[i], lows[i], closes[i] = h, l, cl
		if h > l && l > 0 {
			hasRange = true
		}
	}

	if hasRange {
		sigma := indicators.ParkinsonSigma(highs, lows)
		return types.VolForce{
			Force: indicators.VforceSigmoid(sigma),
			Mean:  mean(closes),
			Std:   stddev(closes),
		}
	}

	m := mean(closes)
	s := stddev(closes)
	force := 0.0
	if m != 0 {
		force = clamp((s/m)*100, 0, 100)
	}
	return types.VolForce{Force: force, Mean: m, Std: s}
}

// Mforce computes the momentum component from Wilder RSI plus up/down
// tick counts over the last min(lookback, len-1) close differences.
func Mforce(candles []types.Candle, lookback int) types.MomForce {
	closes := closesOf(candles)
	rsi := clamp(indicators.WilderRSI(closes, indicators.RSIPeriod), 0, 100)

	n := lookback
	if n > len(closes)-1 {
		n = len(closes) - 1
	}
	up, down := 0, 0
	if n > 0 {
		for i := len(closes) - n; i < len(closes); i++ {
			if closes[i] > closes[i-1] {
				up++
			} else if closes[i] < closes[i-1] {
				down++
			}
		}
	}
	return types.MomForce{Force: rsi, Up: up, Down: down}
}

// Tforce computes the trend component from an SMA crossover with short
// period floor(L/3) and long period floor(2L/3). Reduces to 50 with
// insufficient data.
func Tforce(candles []types.Candle) types.TrendForce {
	closes := closesOf(candles)
	l := len(closes)
	shortP := l / 3
	longP := (2 * l) / 3
	if shortP < 1 || longP < 1 || longP > l {
		return types.TrendForce{Force: 50}
	}

	maShort := indicators.SMA(closes, shortP)
	maLong := indicators.SMA(closes, longP)
	if len(maShort) == 0 || len(maLong) == 0 {
		return types.TrendForce{Force: 50}
	}

	ms := maShort[len(maShort)-1]
	ml := maLong[len(maLong)-1]
	if ml == 0 {
		return types.TrendForce{Force: 50, MAShort: ms, MALong: ml}
	}

	force := clamp(50+((ms-ml)/ml)*1000, 0, 100)
	return types.TrendForce{Force: force, MAShort: ms, MALong: ml}
}

// Composite blends timeframe-specific forces using the fixed weights and
// lookbacks from spec.md §4.2. candlesByTf must provide, for each
// timeframe in compositeWeights, the trailing candles for that timeframe
// (already aggregated by indicators.AggregateCandles).
func Composite(candlesByTf map[types.Timeframe][]types.Candle) types.Forces {
	var out types.Forces
	for tf, weight := range compositeWeights {
		candles := candlesByTf[tf]
		lookback := compositeLookback[tf]
		window := trailing(candles, lookback)

		v := Vforce(window)
		m := Mforce(window, lookback)
		t := Tforce(window)

		out.V.Force += weight * v.Force
		out.V.Mean += weight * v.Mean
		out.V.Std += weight * v.Std

		out.M.Force += weight * m.Force
		out.M.Up += int(weight * float64(m.Up))
		out.M.Down += int(weight * float64(m.Down))

		out.T.Force += weight * t.Force
		out.T.MAShort += weight * t.MAShort
		out.T.MALong += weight * t.MALong
	}
	out.V.Force = clamp(out.V.Force, 0, 100)
	out.M.Force = clamp(out.M.Force, 0, 100)
	out.T.Force = clamp(out.T.Force, 0, 100)
	return out
}

// NeutralForces returns the all-50 forces used when fewer than 10 candles
// are available for the cycle (spec.md §4.10 compute phase).
func NeutralForces() types.Forces {
	return types.Forces{
		V: types.VolForce{Force: 50},
		M: types.MomForce{Force: 50},
		T: types.TrendForce{Force: 50},
	}
}

func trailing(candles []types.Candle, n int) []types.Candle {
	if n >= len(candles) {
		return candles
	}
	return candles[len(candles)-n:]
}

func closesOf(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		f, _ := c.Close.Float64()
		out[i] = f
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
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
