package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/internal/eventsink"
	"github.com/atlas-desktop/clm-worker/internal/scheduler"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T) (*Worker, coordination.Store) {
	t.Helper()
	store := coordination.NewMemStore()
	sink := eventsink.New(zap.NewNop(), eventsink.DefaultConfig())
	sched := scheduler.New(scheduler.Deps{
		Logger: zap.NewNop(),
		PairID: "pair-1",
		Sink:   sink,
	}, scheduler.Config{EpochSeconds: 900})
	w := New(zap.NewNop(), store, "pair-1", sched)
	return w, store
}

func TestRunAcquiresLockAndShutsDownCleanly(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give Run a moment to acquire the lock before requesting shutdown
	time.Sleep(20 * time.Millisecond)
	w.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if exists, _ := store.Exists(ctx, coordination.WorkerLockKey("pair-1")); exists {
		t.Fatal("expected lock to be released after shutdown")
	}
}

func TestRunFailsWhenLockAlreadyHeld(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()
	if _, ok, err := coordination.TryAcquire(ctx, store, coordination.WorkerLockKey("pair-1"), time.Minute); err != nil || !ok {
		t.Fatalf("pre-acquire failed: ok=%v err=%v", ok, err)
	}

	sink := eventsink.New(zap.NewNop(), eventsink.DefaultConfig())
	sched := scheduler.New(scheduler.Deps{Logger: zap.NewNop(), PairID: "pair-1", Sink: sink}, scheduler.Config{})
	w := New(zap.NewNop(), store, "pair-1", sched)

	if err := w.Run(ctx); err == nil {
		t.Fatal("expected Run to fail when lock is already held")
	}
}

func TestBeatWritesHeartbeatAndState(t *testing.T) {
	w, store := newTestWorker(t)
	ctx := context.Background()

	lock, ok, err := coordination.TryAcquire(ctx, store, coordination.WorkerLockKey("pair-1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	w.mu.Lock()
	w.lock = lock
	w.status = types.WorkerStatusRunning
	w.started = time.Now()
	w.mu.Unlock()

	w.beat(ctx)

	if _, ok, _ := store.Get(ctx, coordination.WorkerHeartbeatKey("pair-1")); !ok {
		t.Fatal("expected heartbeat key to be written")
	}
	raw, ok, _ := store.Get(ctx, coordination.WorkerStateKey("pair-1"))
	if !ok {
		t.Fatal("expected state key to be written")
	}
	var state types.WorkerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.PairID != "pair-1" || state.Status != types.WorkerStatusRunning {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestHandleControlShutdown(t *testing.T) {
	w, _ := newTestWorker(t)
	w.handleControl(context.Background(), `{"type":"SHUTDOWN"}`)

	select {
	case <-w.stopCh:
	default:
		t.Fatal("expected stopCh to be closed after SHUTDOWN command")
	}
}

func TestHandleControlIgnoresOtherPair(t *testing.T) {
	w, _ := newTestWorker(t)
	w.handleControl(context.Background(), `{"type":"SHUTDOWN","pairId":"other-pair"}`)

	select {
	case <-w.stopCh:
		t.Fatal("expected stopCh to remain open for a SHUTDOWN targeting a different pair")
	default:
	}
}
