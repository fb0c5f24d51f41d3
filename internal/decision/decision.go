// Package decision implements spec.md §4.8: the pure PRA/RS/HOLD
// function. It takes no coordination-store or executor dependency and
// performs no I/O; the scheduler calls it with a frozen view of the
// cycle's allocations, positions and forces and acts on the result.
package decision

import (
	"math"

	"github.com/atlas-desktop/clm-worker/internal/priceband"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	minHoldMs         = 12 * 60 * 60 * 1000
	praAmortizeDays   = 7.0
	praGasMultiplier  = 1.5
	rsGasMultiplier   = 2.0
	improvementFloor  = 0.005
	daysPerYear       = 365.0
)

// Evaluate implements the pure decision function of spec.md §4.8.
// targetIntervalByPool supplies each target pool's current-cycle Interval
// (as computed by the compute phase alongside its PoolAnalysis), used to
// measure divergence against each open position's tick-derived interval.
func Evaluate(
	targets []types.AllocationEntry,
	positions []types.Position,
	targetIntervalByPool map[string]types.Interval,
	price float64,
	thresholds types.Thresholds,
	lastRebalanceTsMs *int64,
	nowMs int64,
	gas *types.GasContext,
) types.Decision {
	optimalApr := 0.0
	for _, t := range targets {
		optimalApr += t.Fraction * t.ExpectedApr
	}

	currentApr := valueWeightedApr(positions)

	aprGain := optimalApr - currentApr
	improvement := 0.0
	if currentApr > 0 {
		improvement = aprGain / currentApr
	} else if aprGain > improvementFloor {
		improvement = 1
	}

	dec := types.Decision{
		Kind:              types.DecisionHold,
		TsMs:              nowMs,
		CurrentApr:        currentApr,
		OptimalApr:        optimalApr,
		Improvement:       improvement,
		TargetAllocations: targets,
	}

	if lastRebalanceTsMs != nil && nowMs-*lastRebalanceTsMs < minHoldMs {
		return dec
	}

	if improvement > thresholds.Pra {
		gasGateOk := gas == nil
		if gas != nil {
			expectedGainUsd := aprGain * gas.PositionValueUsd * praAmortizeDays / daysPerYear
			gasGateOk = expectedGainUsd >= praGasMultiplier*gas.GasUsd
		}
		if gasGateOk {
			dec.Kind = types.DecisionPRA
			return dec
		}
	}

	var shifts []types.RangeShift
	targetByPool := map[string]types.AllocationEntry{}
	for _, t := range targets {
		targetByPool[t.PoolID] = t
	}

	for _, p := range positions {
		if p.IsBinBased {
			continue // bin-based LB positions are skipped, see spec.md Design Notes.
		}
		if _, ok := targetByPool[p.PoolID]; !ok {
			continue
		}
		targetInterval, ok := targetIntervalByPool[p.PoolID]
		if !ok {
			continue
		}
		curInterval := intervalFromTicks(p, price)

		div := priceband.RangeDivergence(curInterval, targetInterval)
		if div <= thresholds.Rs {
			continue
		}
		if gas != nil {
			positionValue, _ := p.EntryValueUsd.Float64()
			expectedGainUsd := positionValue * div * p.EntryApr * praAmortizeDays / daysPerYear
			if expectedGainUsd < rsGasMultiplier*gas.GasUsd {
				continue
			}
		}
		shifts = append(shifts, types.RangeShift{
			PoolID: p.PoolID,
			Chain:  p.Chain,
			Old:    curInterval,
			New:    targetInterval,
		})
	}

	if len(shifts) > 0 {
		dec.Kind = types.DecisionRS
		dec.RangeShifts = shifts
	}
	return dec
}

// valueWeightedApr averages entryApr across positions weighted by
// entryValueUsd; with zero total value it falls back to a simple
// average, and with no positions it returns zero.
func valueWeightedApr(positions []types.Position) float64 {
	if len(positions) == 0 {
		return 0
	}
	totalValue := 0.0
	weighted := 0.0
	for _, p := range positions {
		v, _ := p.EntryValueUsd.Float64()
		totalValue += v
		weighted += v * p.EntryApr
	}
	if totalValue > 0 {
		return weighted / totalValue
	}
	sum := 0.0
	for _, p := range positions {
		sum += p.EntryApr
	}
	return sum / float64(len(positions))
}

// intervalFromTicks reconstructs a price Interval from a tick-based
// position's bounds for divergence comparison against the target.
func intervalFromTicks(p types.Position, currentPrice float64) types.Interval {
	min := tickToPrice(p.LowerBound)
	max := tickToPrice(p.UpperBound)
	return types.Interval{
		Min:     min,
		Max:     max,
		Base:    currentPrice,
		Breadth: max - min,
	}
}

func tickToPrice(tick int64) float64 {
	return math.Pow(1.0001, float64(tick))
}
