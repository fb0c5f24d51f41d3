package priceband_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/clm-worker/internal/priceband"
	"github.com/atlas-desktop/clm-worker/pkg/types"
)

func neutralForces() types.Forces {
	return types.Forces{
		V: types.VolForce{Force: 50},
		M: types.MomForce{Force: 50},
		T: types.TrendForce{Force: 50},
	}
}

func TestComputeRangeNeutralIsSymmetric(t *testing.T) {
	params := types.DefaultRangeParams()
	iv := priceband.ComputeRange(100, neutralForces(), params)

	lowerHalf := iv.Base - iv.Min
	upperHalf := iv.Max - iv.Base
	if math.Abs(lowerHalf-upperHalf) > 1e-3 {
		t.Fatalf("expected symmetric range, lower=%v upper=%v", lowerHalf, upperHalf)
	}
}

func TestComputeRangeBullishStretchesUpper(t *testing.T) {
	params := types.DefaultRangeParams()
	f := neutralForces()
	f.T.Force = 80
	f.M.Force = 80

	iv := priceband.ComputeRange(100, f, params)
	lowerHalf := iv.Base - iv.Min
	upperHalf := iv.Max - iv.Base
	if !(upperHalf > lowerHalf) {
		t.Fatalf("expected bullish range to stretch upper half: lower=%v upper=%v", lowerHalf, upperHalf)
	}
	if iv.Kind != types.RangeBullish {
		t.Fatalf("expected bullish kind, got %v", iv.Kind)
	}
}

func TestRangeDivergenceReflexiveAndBounded(t *testing.T) {
	iv := types.Interval{Min: 90, Max: 110, Base: 100}
	if d := priceband.RangeDivergence(iv, iv); d != 0 {
		t.Fatalf("expected divergence(r,r)=0, got %v", d)
	}

	other := types.Interval{Min: 200, Max: 220, Base: 210}
	d := priceband.RangeDivergence(iv, other)
	if d < 0 || d > 1 {
		t.Fatalf("expected divergence in [0,1], got %v", d)
	}
	if d != 1 {
		t.Fatalf("expected non-overlapping equal-width intervals to yield 1, got %v", d)
	}
}
