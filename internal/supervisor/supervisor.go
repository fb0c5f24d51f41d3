// Package supervisor implements the singleton supervisor process of
// spec.md §4.12: it holds the supervisor lock, seeds pair configuration,
// spawns one worker child process per pair, and keeps them alive. Grounded
// on internal/orchestrator/orchestrator.go's Start/Stop/ticker-loop shape,
// generalized from an in-process goroutine pool to a process supervisor
// that execs separate cmd/worker binaries, since spec.md's per-pair lock
// and heartbeat model only makes sense across independently crashable
// processes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/config"
	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/internal/metrics"
	"go.uber.org/zap"
)

const (
	supervisorLockTTL  = 60 * time.Second
	healthInterval     = 10 * time.Second
	baseBackoff        = 10 * time.Second
	maxBackoff         = 5 * time.Minute
	maxConsecutiveFail = 20
	shutdownDeadline   = 30 * time.Second
)

// child tracks one worker process the supervisor has spawned.
type child struct {
	pairID    string
	cmd       *exec.Cmd
	failures  int
	backoff   time.Duration
	startedAt time.Time
	exited    bool
}

// Supervisor owns the worker fleet for every pair the coordination store
// knows about.
type Supervisor struct {
	logger     *zap.Logger
	store      coordination.Store
	cfg        config.Root
	workerPath string
	metrics    *metrics.Registry

	mu       sync.Mutex
	children map[string]*child
	lock     *coordination.Lock
	reconcil chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor. workerPath is the path to the cmd/worker
// executable used to spawn each pair's child process.
func New(logger *zap.Logger, store coordination.Store, cfg config.Root, workerPath string, m *metrics.Registry) *Supervisor {
	return &Supervisor{
		logger:     logger.Named("supervisor"),
		store:      store,
		cfg:        cfg,
		workerPath: workerPath,
		metrics:    m,
		children:   make(map[string]*child),
		reconcil:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run acquires the supervisor's singleton lock, seeds configuration, spawns
// every known pair's worker, and blocks running the health and
// reconciliation loops until ctx is cancelled or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) error {
	lock, ok, err := coordination.TryAcquire(ctx, s.store, coordination.SupervisorLockKey(), supervisorLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring supervisor lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another supervisor instance already holds the lock")
	}
	s.lock = lock

	if err := s.seedConfig(ctx); err != nil {
		s.logger.Warn("config seed failed", zap.Error(err))
	}

	unsubscribe, err := s.store.Subscribe(ctx, coordination.ControlChannel, func(raw string) {
		s.onControlMessage(raw)
	})
	if err != nil {
		s.logger.Warn("control channel subscribe failed, reconciliation will rely on health loop only", zap.Error(err))
	} else {
		defer unsubscribe()
	}

	s.reconcile(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.lockRefreshLoop(ctx) }()
	go func() { defer wg.Done(); s.healthLoop(ctx) }()

	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}

	close(s.doneCh)
	wg.Wait()

	s.shutdownChildren()
	if s.lock != nil {
		_, _ = s.lock.Release(context.Background())
	}
	return nil
}

// Shutdown stops the supervisor's loops and terminates every child.
func (s *Supervisor) Shutdown() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Supervisor) onControlMessage(raw string) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return
	}
	switch msg.Type {
	case "CONFIG_CHANGED":
		s.requestReconcile()
	case "SHUTDOWN":
		s.Shutdown()
	}
}

// requestReconcile coalesces repeated triggers into a single pending
// reconciliation pass, per spec.md §4.12's CONFIG_CHANGED/SIGHUP handling.
func (s *Supervisor) requestReconcile() {
	select {
	case s.reconcil <- struct{}{}:
	default:
	}
}

// seedConfig writes a default PairConfig for every configured seed pair ID
// that the coordination store doesn't already have an entry for.
func (s *Supervisor) seedConfig(ctx context.Context) error {
	for _, pairID := range s.cfg.Supervisor.SeedPairIDs {
		key := coordination.PairConfigKey(pairID)
		if exists, err := s.store.Exists(ctx, key); err != nil {
			return err
		} else if exists {
			continue
		}

		pc := s.cfg.Worker.PairConfig()
		pc.ID = pairID
		if err := pc.Validate(); err != nil {
			s.logger.Warn("skipping invalid seed pair config", zap.String("pairId", pairID), zap.Error(err))
			continue
		}
		body, err := json.Marshal(pc)
		if err != nil {
			return err
		}
		if _, err := s.store.Set(ctx, key, string(body), 0, false); err != nil {
			return err
		}
		if err := s.store.SAdd(ctx, coordination.WorkersSetKey(), pairID); err != nil {
			return err
		}
	}
	return nil
}

// desiredPairs returns the set of pair IDs the coordination store currently
// wants managed.
func (s *Supervisor) desiredPairs(ctx context.Context) ([]string, error) {
	return s.store.SMembers(ctx, coordination.WorkersSetKey())
}

// reconcile brings the running child set in line with desiredPairs: spawns
// workers for new pairs and stops workers for pairs no longer present.
func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.desiredPairs(ctx)
	if err != nil {
		s.logger.Warn("reconcile: listing desired pairs failed", zap.Error(err))
		return
	}
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range want {
		if _, running := s.children[id]; !running {
			s.spawnLocked(id)
		}
	}
	for id, c := range s.children {
		if _, stillWanted := want[id]; !stillWanted {
			s.stopChildLocked(c)
			delete(s.children, id)
		}
	}
	if s.metrics != nil {
		s.metrics.SupervisorChildren.Set(float64(len(s.children)))
	}
}

// spawnLocked execs a new worker process for pairID. Caller holds s.mu.
func (s *Supervisor) spawnLocked(pairID string) {
	cmd := exec.Command(s.workerPath, "-pair", pairID)
	cmd.Env = append(cmd.Env, fmt.Sprintf("CLM_WORKER_PAIRID=%s", pairID))
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to spawn worker", zap.String("pairId", pairID), zap.Error(err))
		return
	}
	s.logger.Info("spawned worker", zap.String("pairId", pairID), zap.Int("pid", cmd.Process.Pid))
	c := &child{pairID: pairID, cmd: cmd, backoff: baseBackoff, startedAt: time.Now()}
	s.children[pairID] = c

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		defer s.mu.Unlock()
		c.exited = true
		if err != nil {
			s.logger.Warn("worker process exited", zap.String("pairId", pairID), zap.Error(err))
		}
	}()
}

func (s *Supervisor) stopChildLocked(c *child) {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

func (s *Supervisor) lockRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(supervisorLockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-ticker.C:
			if ok, err := s.lock.Refresh(ctx, supervisorLockTTL); err != nil || !ok {
				s.logger.Error("lost supervisor lock, shutting down", zap.Error(err))
				s.Shutdown()
				return
			}
		}
	}
}

// healthLoop checks each child's heartbeat freshness and process liveness
// every healthInterval, restarting dead or stalled workers with exponential
// backoff, and also drains coalesced reconciliation requests.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-s.reconcil:
			s.reconcile(ctx)
		case <-ticker.C:
			s.checkChildren(ctx)
		}
	}
}

func (s *Supervisor) checkChildren(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, pairID := range ids {
		s.checkChild(ctx, pairID)
	}
}

func (s *Supervisor) checkChild(ctx context.Context, pairID string) {
	s.mu.Lock()
	c, ok := s.children[pairID]
	s.mu.Unlock()
	if !ok {
		return
	}

	restarting, _ := s.store.Exists(ctx, coordination.WorkerRestartingKey(pairID))
	stale := s.heartbeatStale(ctx, pairID)

	if c.exited {
		if s.metrics != nil {
			s.metrics.WorkerUp.WithLabelValues(pairID).Set(0)
		}
		go s.respawn(ctx, pairID, c, restarting)
		return
	}

	if stale && time.Since(c.startedAt) > 2*45*time.Second {
		s.logger.Warn("worker heartbeat stale, killing stalled process", zap.String("pairId", pairID))
		s.mu.Lock()
		s.stopChildLocked(c)
		s.mu.Unlock()
		return
	}

	if s.metrics != nil {
		s.metrics.WorkerUp.WithLabelValues(pairID).Set(1)
	}
}

// heartbeatStale reports whether pairID's heartbeat key is missing or older
// than 2x its TTL, spec.md §4.12's orphan-detection threshold.
func (s *Supervisor) heartbeatStale(ctx context.Context, pairID string) bool {
	raw, ok, err := s.store.Get(ctx, coordination.WorkerHeartbeatKey(pairID))
	if err != nil || !ok {
		return true
	}
	var tsMs int64
	if _, err := fmt.Sscanf(raw, "%d", &tsMs); err != nil {
		return true
	}
	age := time.Since(time.UnixMilli(tsMs))
	return age > 2*45*time.Second
}

// respawn restarts pairID's worker. A RESTART-marker-driven exit (fastPath)
// respawns immediately; a crash respawn waits out an exponential backoff
// first, since the health loop's own cadence (healthInterval) already rate
// limits how often this runs, the wait here only needs to separate retries
// within a single tick's worth of churn.
func (s *Supervisor) respawn(ctx context.Context, pairID string, old *child, fastPath bool) {
	if fastPath {
		_ = s.store.Del(ctx, coordination.WorkerRestartingKey(pairID))
		s.mu.Lock()
		s.spawnLocked(pairID)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	old.failures++
	if old.failures > maxConsecutiveFail {
		s.logger.Error("worker exceeded max consecutive failures, giving up", zap.String("pairId", pairID), zap.Int("failures", old.failures))
		s.mu.Unlock()
		return
	}
	failures, wait := old.failures, old.backoff
	nextBackoff := doubleBackoff(old.backoff)
	s.mu.Unlock()

	time.Sleep(wait)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(pairID)
	if c, ok := s.children[pairID]; ok {
		c.failures = failures
		c.backoff = nextBackoff
	}
}

// doubleBackoff returns the next respawn deadline after a crash: twice
// current, capped at maxBackoff. A freshly spawned child starts at
// baseBackoff (see spawnLocked), so three immediate failures in a row
// produce respawn deadlines of baseBackoff, 2*baseBackoff, 4*baseBackoff.
func doubleBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// shutdownChildren broadcasts SHUTDOWN and waits up to shutdownDeadline for
// every child to exit gracefully before force-killing stragglers.
func (s *Supervisor) shutdownChildren() {
	_ = s.store.Publish(context.Background(), coordination.ControlChannel, `{"type":"SHUTDOWN"}`)

	deadline := time.Now().Add(shutdownDeadline)
	for time.Now().Before(deadline) {
		if s.allExited() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if !c.exited {
			s.stopChildLocked(c)
		}
	}
}

func (s *Supervisor) allExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if !c.exited {
			return false
		}
	}
	return true
}
