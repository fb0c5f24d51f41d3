package execution

import (
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

// Gate evaluates kill-switch state ahead of each dispatch and drives
// the Executor's activate/clear boolean, adapted from the teacher's
// RiskManager cooldown pattern: once tripped, dispatch stays disabled
// until a cooldown elapses, not merely until the next healthy read,
// so a single good cycle after a gas-budget blowout can't immediately
// resume spending.
type Gate struct {
	logger   *zap.Logger
	executor *Executor
	cooldown time.Duration

	mu            sync.Mutex
	disabledUntil time.Time
	lastReason    types.KillSwitchReason
}

// NewGate wires a Gate to executor, with cooldown applied once a
// kill-switch reason other than none is observed.
func NewGate(logger *zap.Logger, executor *Executor, cooldown time.Duration) *Gate {
	return &Gate{logger: logger.Named("risk-gate"), executor: executor, cooldown: cooldown}
}

// Observe records the scheduler's per-cycle kill-switch evaluation,
// activating or clearing the executor's kill switch as appropriate.
func (g *Gate) Observe(reason types.KillSwitchReason, nowMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.UnixMilli(nowMs)
	g.lastReason = reason

	if reason != types.KillSwitchNone {
		g.disabledUntil = now.Add(g.cooldown)
		g.executor.ActivateKillSwitch()
		g.logger.Error("kill switch tripped", zap.String("reason", string(reason)), zap.Time("disabledUntil", g.disabledUntil))
		return
	}

	if now.Before(g.disabledUntil) {
		return
	}
	g.executor.ClearKillSwitch()
}

// IsDisabled returns whether the gate is still within its cooldown
// window from the last non-none kill-switch reading.
func (g *Gate) IsDisabled(nowMs int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.UnixMilli(nowMs).Before(g.disabledUntil)
}

// LastReason returns the most recently observed kill-switch reason.
func (g *Gate) LastReason() types.KillSwitchReason {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastReason
}
