package allocator_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/allocator"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

func analyses() []types.PoolAnalysis {
	return []types.PoolAnalysis{
		{PoolID: "a", AnnualizedApr: 0.20},
		{PoolID: "b", AnnualizedApr: 0.12},
		{PoolID: "c", AnnualizedApr: 0.05},
	}
}

func TestWaterFillSumsToOne(t *testing.T) {
	tvl := map[string]float64{"a": 1_000_000, "b": 2_000_000, "c": 3_000_000}
	entries := allocator.WaterFill(analyses(), tvl, 3)

	sum := 0.0
	for _, e := range entries {
		sum += e.Fraction
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("expected fractions to sum to 1, got %v", sum)
	}
	if len(entries) > 3 {
		t.Fatalf("expected at most maxPositions entries, got %d", len(entries))
	}
}

func TestWaterFillSinglePoolTakesAll(t *testing.T) {
	single := []types.PoolAnalysis{{PoolID: "a", AnnualizedApr: 0.2}}
	entries := allocator.WaterFill(single, map[string]float64{"a": 1_000_000}, 5)
	if len(entries) != 1 || entries[0].Fraction != 1.0 {
		t.Fatalf("expected single 100%% entry, got %+v", entries)
	}
}

func TestWaterFillEmptyInputYieldsEmpty(t *testing.T) {
	entries := allocator.WaterFill(nil, nil, 5)
	if len(entries) != 0 {
		t.Fatalf("expected empty allocation, got %+v", entries)
	}
}

func TestWaterFillConcavityDoublingTVLNeverDecreasesShare(t *testing.T) {
	tvlBase := map[string]float64{"a": 1_000_000, "b": 1_000_000, "c": 1_000_000}
	base := allocator.WaterFill(analyses(), tvlBase, 3)
	var baseShare float64
	for _, e := range base {
		if e.PoolID == "a" {
			baseShare = e.Fraction
		}
	}

	tvlDoubled := map[string]float64{"a": 2_000_000, "b": 1_000_000, "c": 1_000_000}
	doubled := allocator.WaterFill(analyses(), tvlDoubled, 3)
	var doubledShare float64
	for _, e := range doubled {
		if e.PoolID == "a" {
			doubledShare = e.Fraction
		}
	}

	if doubledShare < baseShare-1e-9 {
		t.Fatalf("expected doubling top pool's TVL to not decrease its share: base=%v doubled=%v", baseShare, doubledShare)
	}
}
