package decision_test

import (
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/decision"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"github.com/shopspring/decimal"
)

func thresholds() types.Thresholds {
	return types.Thresholds{Pra: 0.05, Rs: 0.25}
}

func TestHoldOnFreshStartWithMatchingAPRs(t *testing.T) {
	targets := []types.AllocationEntry{{PoolID: "P", Fraction: 1.0, ExpectedApr: 0.10}}
	positions := []types.Position{{
		PoolID: "P", EntryApr: 0.10, EntryValueUsd: decimal.NewFromInt(5000),
		LowerBound: -280, UpperBound: 280, EntryTsMs: now() - 24*3600*1000,
	}}
	lastRebal := positions[0].EntryTsMs

	dec := decision.Evaluate(targets, positions, nil, 1.0, thresholds(), &lastRebal, now(), nil)

	if dec.Kind != types.DecisionHold {
		t.Fatalf("expected HOLD, got %v", dec.Kind)
	}
	if dec.CurrentApr != 0.10 || dec.OptimalApr != 0.10 || dec.Improvement != 0 {
		t.Fatalf("unexpected figures: %+v", dec)
	}
}

func TestPRATriggersByAPRGap(t *testing.T) {
	targets := []types.AllocationEntry{{PoolID: "P", Fraction: 1.0, ExpectedApr: 0.20}}
	positions := []types.Position{{
		PoolID: "P", EntryApr: 0.10, EntryValueUsd: decimal.NewFromInt(5000),
		EntryTsMs: now() - 24*3600*1000,
	}}
	lastRebal := positions[0].EntryTsMs
	gas := &types.GasContext{GasUsd: 0, PositionValueUsd: 5000}

	dec := decision.Evaluate(targets, positions, nil, 1.0, thresholds(), &lastRebal, now(), gas)

	if dec.Kind != types.DecisionPRA {
		t.Fatalf("expected PRA, got %v", dec.Kind)
	}
	if dec.Improvement != 1.0 {
		t.Fatalf("expected improvement=1.0, got %v", dec.Improvement)
	}
}

func TestMinHoldOverridesApparentPRA(t *testing.T) {
	targets := []types.AllocationEntry{{PoolID: "P", Fraction: 1.0, ExpectedApr: 0.20}}
	positions := []types.Position{{
		PoolID: "P", EntryApr: 0.10, EntryValueUsd: decimal.NewFromInt(5000),
		EntryTsMs: now() - 1*3600*1000,
	}}
	lastRebal := positions[0].EntryTsMs
	gas := &types.GasContext{GasUsd: 0, PositionValueUsd: 5000}

	dec := decision.Evaluate(targets, positions, nil, 1.0, thresholds(), &lastRebal, now(), gas)

	if dec.Kind != types.DecisionHold {
		t.Fatalf("expected min-hold HOLD, got %v", dec.Kind)
	}
}

func TestRSTriggersByDivergence(t *testing.T) {
	targets := []types.AllocationEntry{{PoolID: "P", Fraction: 1.0, ExpectedApr: 0.10}}
	positions := []types.Position{{
		PoolID: "P", EntryApr: 0.10, EntryValueUsd: decimal.NewFromInt(5000),
		LowerBound: -10, UpperBound: 10, EntryTsMs: now() - 24*3600*1000,
	}}
	lastRebal := positions[0].EntryTsMs
	targetIntervals := map[string]types.Interval{
		"P": {Min: 0.95, Max: 1.05, Base: 1.0},
	}

	dec := decision.Evaluate(targets, positions, targetIntervals, 1.0, thresholds(), &lastRebal, now(), nil)

	if dec.Kind != types.DecisionRS {
		t.Fatalf("expected RS, got %v", dec.Kind)
	}
	if len(dec.RangeShifts) != 1 {
		t.Fatalf("expected one range shift, got %d", len(dec.RangeShifts))
	}
}

func TestDecisionPriorityPRABeatsRS(t *testing.T) {
	targets := []types.AllocationEntry{{PoolID: "P", Fraction: 1.0, ExpectedApr: 0.30}}
	positions := []types.Position{{
		PoolID: "P", EntryApr: 0.05, EntryValueUsd: decimal.NewFromInt(5000),
		LowerBound: -10, UpperBound: 10, EntryTsMs: now() - 24*3600*1000,
	}}
	lastRebal := positions[0].EntryTsMs
	targetIntervals := map[string]types.Interval{
		"P": {Min: 0.95, Max: 1.05, Base: 1.0},
	}
	gas := &types.GasContext{GasUsd: 0, PositionValueUsd: 5000}

	dec := decision.Evaluate(targets, positions, targetIntervals, 1.0, thresholds(), &lastRebal, now(), gas)

	if dec.Kind != types.DecisionPRA {
		t.Fatalf("expected PRA to take priority over RS, got %v", dec.Kind)
	}
}

func now() int64 {
	return 1_700_000_000_000
}
