package optimizer_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/optimizer"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func syntheticCandles(n int) []types.Candle {
	rng := rand.New(rand.NewSource(42))
	out := make([]types.Candle, 0, n)
	price := 1.0
	for i := 0; i < n; i++ {
		price *= 1 + (rng.Float64()-0.5)*0.01
		high := price * 1.002
		low := price * 0.998
		out = append(out, types.Candle{
			TsMs:  int64(i) * 900_000,
			Open:  decimal.NewFromFloat(price),
			High:  decimal.NewFromFloat(high),
			Low:   decimal.NewFromFloat(low),
			Close: decimal.NewFromFloat(price),
		})
	}
	return out
}

func TestOptimizerStaysWithinBounds(t *testing.T) {
	opt := optimizer.NewOptimizer(zap.NewNop(), optimizer.DefaultConfig())
	inputs := optimizer.FitnessInputs{
		Candles:          syntheticCandles(120),
		PoolFeeFrac:      0.003,
		BaseAprEstimate:  0.15,
		GasUsdPerRebal:   5,
		PositionValueUsd: 10000,
	}

	result := opt.Run(nil, inputs)

	vec := result.Output.Vec
	if vec.BaseMin < 1e-4 || vec.BaseMin > 5e-3 {
		t.Errorf("baseMin out of bounds: %v", vec.BaseMin)
	}
	if vec.BaseMax < 5e-3 || vec.BaseMax > 1e-1 {
		t.Errorf("baseMax out of bounds: %v", vec.BaseMax)
	}
	if vec.VforceExp < -1.0 || vec.VforceExp > -0.05 {
		t.Errorf("vforceExp out of bounds: %v", vec.VforceExp)
	}
	if vec.VforceDivider < 50 || vec.VforceDivider > 1000 {
		t.Errorf("vforceDivider out of bounds: %v", vec.VforceDivider)
	}
	if vec.RsThreshold < 0.1 || vec.RsThreshold > 0.35 {
		t.Errorf("rsThreshold out of bounds: %v", vec.RsThreshold)
	}
	if result.Evaluations > 300 {
		t.Errorf("expected at most 300 evaluations, got %d", result.Evaluations)
	}
}

func TestFitnessRejectsTooFewCandles(t *testing.T) {
	score := optimizer.Fitness(types.DefaultRangeParams(), optimizer.FitnessInputs{
		Candles:      syntheticCandles(5),
		EpochSeconds: 900,
	})
	if !math.IsInf(score, -1) {
		t.Fatalf("expected -Inf fitness with too few candles, got %v", score)
	}
}
