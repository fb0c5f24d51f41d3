// Package indicators implements the three numeric primitives the signal
// engine builds on: Parkinson volatility, Wilder's RSI, and a rolling
// SMA, plus absolute-boundary candle aggregation. Every function here is
// deterministic and side-effect-free, operating on plain float64 series
// so the forces package can compose them without decimal overhead.
package indicators

import (
	"math"

	"github.com/atlas-desktop/clm-worker/pkg/types"
)

// RSIPeriod is Wilder's canonical smoothing period.
const RSIPeriod = 14

// ParkinsonSigma estimates per-bar volatility from the trailing window of
// high/low pairs. Bars with L<=0 or H<=0 are skipped; fewer than two
// valid bars returns 0.
func ParkinsonSigma(highs, lows []float64) float64 {
	n := len(highs)
	if n > len(lows) {
		n = len(lows)
	}
	sumSq := 0.0
	valid := 0
	for i := 0; i < n; i++ {
		h, l := highs[i], lows[i]
		if h <= 0 || l <= 0 {
			continue
		}
		ln := math.Log(h / l)
		sumSq += ln * ln
		valid++
	}
	if valid < 2 {
		return 0
	}
	return math.Sqrt(sumSq / (4 * float64(valid) * math.Ln2))
}

// VforceSigmoid maps a Parkinson sigma to a 0-100 scale via
// 100*(1-exp(-60*sigma)), clamped.
func VforceSigmoid(sigma float64) float64 {
	v := 100 * (1 - math.Exp(-60*sigma))
	return clamp(v, 0, 100)
}

// WilderRSI computes Wilder's RSI over the trailing `period` bars of the
// close sequence, walking a warm-up window of up to 4*period prior bars
// so successive calls on a growing series agree within floating-point
// tolerance. Returns 50 (neutral) when there is insufficient data, and
// 100 when total loss across the window is zero.
func WilderRSI(closes []float64, period int) float64 {
	if period <= 0 {
		period = RSIPeriod
	}
	if len(closes) < period+1 {
		return 50
	}

	warmup := 4 * period
	start := len(closes) - period - 1 - warmup
	if start < 0 {
		start = 0
	}

	avgGain, avgLoss := 0.0, 0.0
	// Seed the averages from the first `period` diffs in the warm-up window.
	seedEnd := start + period
	if seedEnd >= len(closes) {
		seedEnd = len(closes) - 1
	}
	count := 0
	for i := start + 1; i <= seedEnd; i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			avgGain += diff
		} else {
			avgLoss += -diff
		}
		count++
	}
	if count > 0 {
		avgGain /= float64(count)
		avgLoss /= float64(count)
	}

	for i := seedEnd + 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// SMA computes a rolling simple moving average, O(n) total via a running
// sum, returning an empty slice when the window exceeds the input.
func SMA(values []float64, window int) []float64 {
	if window <= 0 || window > len(values) {
		return nil
	}
	out := make([]float64, len(values)-window+1)
	sum := 0.0
	for i := 0; i < window; i++ {
		sum += values[i]
	}
	out[0] = sum / float64(window)
	for i := window; i < len(values); i++ {
		sum += values[i] - values[i-window]
		out[i-window+1] = sum / float64(window)
	}
	return out
}

// AggregateCandles groups M1 candles into fixed-period buckets using
// absolute period boundaries (ts = floor(ts/period)*period), avoiding the
// drift that compounding rounding would introduce.
func AggregateCandles(m1 []types.Candle, periodMs int64) []types.Candle {
	if len(m1) == 0 || periodMs <= 0 {
		return nil
	}
	var out []types.Candle
	var cur *types.Candle
	var bucketTs int64 = -1

	for _, c := range m1 {
		b := (c.TsMs / periodMs) * periodMs
		if b != bucketTs {
			if cur != nil {
				out = append(out, *cur)
			}
			nc := c
			nc.TsMs = b
			cur = &nc
			bucketTs = b
			continue
		}
		if c.High.GreaterThan(cur.High) {
			cur.High = c.High
		}
		if c.Low.LessThan(cur.Low) {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume = cur.Volume.Add(c.Volume)
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
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
