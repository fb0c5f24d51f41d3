package killswitch_test

import (
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/killswitch"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

func TestPathologicalRangeFires(t *testing.T) {
	params := types.RangeParams{BaseMin: 0.001, BaseMax: 0.0015, RsThreshold: 0.25}
	reason := killswitch.Evaluate(types.KillSwitchState{}, params, 10000, 1_700_000_000_000)
	if reason != types.KillSwitchPathologicalRange {
		t.Fatalf("expected pathological_range, got %v", reason)
	}
}

func TestNegativeTrailingYieldFires(t *testing.T) {
	state := types.KillSwitchState{TrailingYields: []float64{-0.01, -0.02, -0.015}}
	reason := killswitch.Evaluate(state, types.DefaultRangeParams(), 10000, 1_700_000_000_000)
	if reason != types.KillSwitchNegativeTrailingYield {
		t.Fatalf("expected negative_trailing_yield, got %v", reason)
	}
}

func TestExcessiveRSFires(t *testing.T) {
	now := int64(1_700_000_000_000)
	var timestamps []int64
	for i := 0; i < 9; i++ {
		timestamps = append(timestamps, now-int64(i)*60_000)
	}
	state := types.KillSwitchState{RsTimestamps: timestamps}
	reason := killswitch.Evaluate(state, types.DefaultRangeParams(), 10000, now)
	if reason != types.KillSwitchExcessiveRS {
		t.Fatalf("expected excessive_rs, got %v", reason)
	}
}

func TestGasBudgetExceededFires(t *testing.T) {
	state := types.KillSwitchState{Trailing24hGasUsd: 600}
	reason := killswitch.Evaluate(state, types.DefaultRangeParams(), 10000, 1_700_000_000_000)
	if reason != types.KillSwitchGasBudgetExceeded {
		t.Fatalf("expected gas_budget_exceeded, got %v", reason)
	}
}

func TestNoneFiresWhenHealthy(t *testing.T) {
	state := types.KillSwitchState{TrailingYields: []float64{0.1, 0.12}}
	reason := killswitch.Evaluate(state, types.DefaultRangeParams(), 10000, 1_700_000_000_000)
	if reason != types.KillSwitchNone {
		t.Fatalf("expected no kill-switch, got %v", reason)
	}
}
