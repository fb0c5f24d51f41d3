// Package optimizer implements spec.md §4.5: a Nelder-Mead simplex
// search over the five RangeParams dimensions against a net-yield
// fitness function, with a fallback guard and a warm-start vector
// carried across cycles. It generalizes the vertex/bounds-clamping and
// structured-result conventions of the teacher's
// internal/optimization/optimizer.go, replacing its genetic/grid search
// with the simplex method the spec requires.
package optimizer

import (
	"time"

	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

// Config configures a per-pair Optimizer instance.
type Config struct {
	EpochSeconds time.Duration
}

// DefaultConfig returns the spec's canonical 900s epoch.
func DefaultConfig() Config {
	return Config{EpochSeconds: 15 * time.Minute}
}

// Optimizer runs one Nelder-Mead search per invocation of Run, evaluating
// the given fitness inputs against the warm-started (or default) seed.
type Optimizer struct {
	logger *zap.Logger
	config Config
}

// NewOptimizer constructs an Optimizer.
func NewOptimizer(logger *zap.Logger, config Config) *Optimizer {
	return &Optimizer{logger: logger.Named("optimizer"), config: config}
}

// Result is what one optimization cycle returns: the chosen RangeParams
// (optimized, or defaults if the fallback guard fired), its fitness, and
// whether the optimizer's own result was used.
type Result struct {
	Output       types.OptimizerOutput
	UsedDefaults bool
	Evaluations  int
}

// Run evaluates the fitness function via Nelder-Mead starting from
// warmStart (nil means cold-start from DefaultRangeParams), then applies
// the fallback guard: if the optimized fitness does not exceed the
// default seed's fitness, defaults are returned and stored as the next
// warm start instead.
func (o *Optimizer) Run(warmStart *types.OptimizerOutput, inputs FitnessInputs) Result {
	seed := types.DefaultRangeParams()
	if warmStart != nil {
		seed = warmStart.Vec
	}

	obj := func(p types.RangeParams) float64 {
		return Fitness(clampToBounds(p), FitnessInputs{
			Candles:          inputs.Candles,
			PoolFeeFrac:      inputs.PoolFeeFrac,
			BaseAprEstimate:  inputs.BaseAprEstimate,
			GasUsdPerRebal:   inputs.GasUsdPerRebal,
			PositionValueUsd: inputs.PositionValueUsd,
			EpochSeconds:     o.config.EpochSeconds.Seconds(),
		})
	}

	best, fitness, evals := NelderMead(seed, obj)

	defaultFitness := obj(types.DefaultRangeParams())

	if fitness <= defaultFitness {
		o.logger.Debug("optimizer fallback guard reverted to defaults",
			zap.Float64("optimizedFitness", fitness),
			zap.Float64("defaultFitness", defaultFitness))
		return Result{
			Output:       types.OptimizerOutput{Vec: types.DefaultRangeParams(), Fitness: defaultFitness},
			UsedDefaults: true,
			Evaluations:  evals,
		}
	}

	return Result{
		Output:       types.OptimizerOutput{Vec: best, Fitness: fitness},
		UsedDefaults: false,
		Evaluations:  evals,
	}
}

func clampToBounds(p types.RangeParams) types.RangeParams {
	return toVec(clampPoint(toPoint(p)))
}
