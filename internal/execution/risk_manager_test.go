package execution_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/chainclient"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/execution"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

func TestGateActivatesAndHoldsThroughCooldown(t *testing.T) {
	registry := chainclient.NewRegistry(nil)
	sink := eventsink.New(zap.NewNop(), eventsink.DefaultConfig())
	t.Cleanup(sink.Stop)
	exec := execution.New(zap.NewNop(), registry, sink, execution.DefaultConfig())

	gate := execution.NewGate(zap.NewNop(), exec, time.Hour)

	start := int64(1_700_000_000_000)
	gate.Observe(types.KillSwitchGasBudgetExceeded, start)
	if !gate.IsDisabled(start) {
		t.Fatal("expected gate disabled immediately after trip")
	}

	// a healthy reading inside the cooldown window must not clear early
	gate.Observe(types.KillSwitchNone, start+60_000)
	if !gate.IsDisabled(start + 60_000) {
		t.Fatal("expected gate to remain disabled inside cooldown window")
	}

	afterCooldown := start + int64(2*time.Hour/time.Millisecond)
	gate.Observe(types.KillSwitchNone, afterCooldown)
	if gate.IsDisabled(afterCooldown) {
		t.Fatal("expected gate cleared once cooldown elapses")
	}
}
