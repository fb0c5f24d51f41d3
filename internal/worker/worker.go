// Package worker implements the single-pair process lifecycle of
// spec.md §4.11: lock acquisition, heartbeat, control-channel
// subscription, and the scheduler it drives. Grounded on the teacher's
// autonomous trading-agent lifecycle (start/stop, signal handling,
// callback wiring) generalized from a single in-process agent loop to
// a process that owns exactly one pair and must cleanly self-terminate
// on lock loss.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/internal/scheduler"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

const (
	lockTTL          = 15 * time.Minute
	heartbeatEvery   = 15 * time.Second
	heartbeatTTL     = 45 * time.Second
	restartMarkerTTL = 60 * time.Second
	controlBackoff   = 15 * time.Second
)

// ControlMessage mirrors spec.md §6's control-channel schema.
type ControlMessage struct {
	Type   string `json:"type"`
	PairID string `json:"pairId,omitempty"`
}

// Worker owns one pair's lock, heartbeat, and scheduler.
type Worker struct {
	logger    *zap.Logger
	store     coordination.Store
	pairID    string
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	lock    *coordination.Lock
	status  types.WorkerStatus
	errMsg  string
	started time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Worker for pairID. sched must already be wired with
// this pair's Deps/Config; the Worker only drives its lifecycle.
func New(logger *zap.Logger, store coordination.Store, pairID string, sched *scheduler.Scheduler) *Worker {
	return &Worker{
		logger:    logger.Named("worker").With(zap.String("pairId", pairID)),
		store:     store,
		pairID:    pairID,
		scheduler: sched,
		status:    types.WorkerStatusStopped,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run acquires the pair lock, starts the scheduler and heartbeat, and
// blocks until shutdown via ctx cancellation, a SHUTDOWN/RESTART
// command, or loss of lock ownership. Returns a non-zero-exit-worthy
// error if the lock cannot be acquired, per spec.md's process contract.
func (w *Worker) Run(ctx context.Context) error {
	lock, ok, err := coordination.TryAcquire(ctx, w.store, coordination.WorkerLockKey(w.pairID), lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring worker lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("pair %s is already owned by another worker", w.pairID)
	}

	w.mu.Lock()
	w.lock = lock
	w.status = types.WorkerStatusRunning
	w.started = time.Now()
	w.mu.Unlock()

	w.logger.Info("worker lock acquired, starting scheduler")
	w.scheduler.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); w.controlLoop(ctx) }()

	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}

	w.scheduler.Stop()
	close(w.doneCh)
	wg.Wait()

	w.cleanup(context.Background())
	return nil
}

// Shutdown requests the worker stop and release its lock, emulating a
// SHUTDOWN control message delivered locally (e.g. from a signal
// handler in cmd/worker).
func (w *Worker) Shutdown() {
	w.setStatus(types.WorkerStatusStopped, "")
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *Worker) setStatus(status types.WorkerStatus, errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.errMsg = errMsg
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	lock := w.lock
	w.mu.Unlock()
	if lock == nil {
		return
	}

	ok, err := lock.Refresh(ctx, lockTTL)
	if err != nil || !ok {
		w.logger.Error("lost worker lock ownership, shutting down to avoid split-brain", zap.Error(err))
		w.Shutdown()
		return
	}

	if err := w.store.Set(ctx, coordination.WorkerHeartbeatKey(w.pairID), fmt.Sprintf("%d", time.Now().UnixMilli()), heartbeatTTL, false); err != nil {
		w.logger.Warn("heartbeat write failed", zap.Error(err))
	}

	state := w.publishableState()
	body, err := json.Marshal(state)
	if err != nil {
		w.logger.Warn("worker state marshal failed", zap.Error(err))
		return
	}
	if err := w.store.Set(ctx, coordination.WorkerStateKey(w.pairID), string(body), 2*heartbeatTTL, false); err != nil {
		w.logger.Warn("worker state write failed", zap.Error(err))
	}
}

func (w *Worker) publishableState() types.WorkerState {
	w.mu.Lock()
	status, errMsg, started := w.status, w.errMsg, w.started
	w.mu.Unlock()

	runtime := w.scheduler.Runtime()
	state := types.WorkerState{
		PairID:         w.pairID,
		Pid:            os.Getpid(),
		Status:         status,
		UptimeMs:       time.Since(started).Milliseconds(),
		ErrorMsg:       errMsg,
		Epoch:          runtime.Epoch,
		LastCurrentApr: runtime.LastCurrentApr,
		LastOptimalApr: runtime.LastOptimalApr,
		KillSwitchReason: runtime.LastKillSwitchReason,
	}
	if runtime.LastDecision != nil {
		state.LastDecisionKind = runtime.LastDecision.Kind
		state.LastDecisionTsMs = runtime.LastDecisionTsMs
	}
	return state
}

func (w *Worker) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			return
		default:
		}

		unsubscribe, err := w.store.Subscribe(ctx, coordination.ControlChannel, func(raw string) {
			w.handleControl(ctx, raw)
		})
		if err != nil {
			w.logger.Warn("control channel subscribe failed, retrying", zap.Error(err), zap.Duration("backoff", controlBackoff))
			select {
			case <-time.After(controlBackoff):
				continue
			case <-ctx.Done():
				return
			case <-w.doneCh:
				return
			}
		}

		select {
		case <-ctx.Done():
			unsubscribe()
			return
		case <-w.doneCh:
			unsubscribe()
			return
		}
	}
}

func (w *Worker) handleControl(ctx context.Context, raw string) {
	var msg ControlMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return // malformed messages are ignored, per spec.md §6
	}
	if msg.PairID != "" && msg.PairID != w.pairID {
		return
	}

	switch msg.Type {
	case "SHUTDOWN":
		w.logger.Info("received SHUTDOWN command")
		w.Shutdown()
	case "RESTART":
		w.logger.Info("received RESTART command")
		_ = w.store.Set(ctx, coordination.WorkerRestartingKey(w.pairID), "1", restartMarkerTTL, false)
		w.Shutdown()
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	w.setStatus(types.WorkerStatusStopped, "")
	_ = w.store.Del(ctx, coordination.WorkerHeartbeatKey(w.pairID))

	w.mu.Lock()
	lock := w.lock
	w.mu.Unlock()
	if lock != nil {
		if _, err := lock.Release(ctx); err != nil {
			w.logger.Warn("lock release failed", zap.Error(err))
		}
	}
	w.logger.Info("worker stopped")
}
