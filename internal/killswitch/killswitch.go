// Package killswitch implements spec.md §4.7: the protective checks run
// every cycle after optimization that revert to default RangeParams when
// trailing health looks bad.
package killswitch

import (
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

const (
	trailingYieldEpochs  = 24 // ~6h at 900s epochs
	rsWindowMs           = 4 * 60 * 60 * 1000
	maxRsInWindow        = 8
	minRangeWidth        = 1e-3
	gasBudgetFracOfValue = 0.05
)

// Evaluate checks the four kill-switch conditions in spec.md §4.7 order
// and returns the first that fires, or KillSwitchNone if the optimized
// params should stand.
func Evaluate(state types.KillSwitchState, optimized types.RangeParams, positionValueUsd float64, nowMs int64) types.KillSwitchReason {
	if meanTrailingYield(state.TrailingYields) < 0 {
		return types.KillSwitchNegativeTrailingYield
	}

	if countRecentRS(state.RsTimestamps, nowMs) > maxRsInWindow {
		return types.KillSwitchExcessiveRS
	}

	if optimized.BaseMax-optimized.BaseMin < minRangeWidth {
		return types.KillSwitchPathologicalRange
	}

	if positionValueUsd > 0 && state.Trailing24hGasUsd > gasBudgetFracOfValue*positionValueUsd {
		return types.KillSwitchGasBudgetExceeded
	}

	return types.KillSwitchNone
}

func meanTrailingYield(yields []float64) float64 {
	window := yields
	if len(window) > trailingYieldEpochs {
		window = window[len(window)-trailingYieldEpochs:]
	}
	if len(window) == 0 {
		return 0
	}
	sum := 0.0
	for _, y := range window {
		sum += y
	}
	return sum / float64(len(window))
}

func countRecentRS(timestamps []int64, nowMs int64) int {
	count := 0
	cutoff := nowMs - rsWindowMs
	for _, ts := range timestamps {
		if ts >= cutoff {
			count++
		}
	}
	return count
}

// RecordYield appends an epoch's trailing yield sample, keeping only what
// meanTrailingYield needs.
func RecordYield(state *types.KillSwitchState, yield float64) {
	state.TrailingYields = append(state.TrailingYields, yield)
	if len(state.TrailingYields) > trailingYieldEpochs {
		state.TrailingYields = state.TrailingYields[len(state.TrailingYields)-trailingYieldEpochs:]
	}
}

// RecordRS appends an RS event's timestamp, trimming entries older than
// the lookback window.
func RecordRS(state *types.KillSwitchState, tsMs int64) {
	state.RsTimestamps = append(state.RsTimestamps, tsMs)
	cutoff := tsMs - rsWindowMs
	kept := state.RsTimestamps[:0]
	for _, ts := range state.RsTimestamps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	state.RsTimestamps = kept
}
