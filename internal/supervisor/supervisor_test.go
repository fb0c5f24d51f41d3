package supervisor

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/config"
	"github.com/atlas-desktop/clm-worker/internal/coordination"
	"github.com/atlas-desktop/clm-worker/pkg/types"
	"go.uber.org/zap"
)

func testConfig(seedPairs ...string) config.Root {
	return config.Root{
		Worker: config.Worker{
			Pools:        []types.PoolConfig{{Chain: "ethereum", Address: "0xpool"}},
			IntervalSec:  900,
			MaxPositions: 5,
			Thresholds:   types.Thresholds{Pra: 0.05, Rs: 0.25},
		},
		Supervisor: config.Supervisor{SeedPairIDs: seedPairs},
	}
}

func TestSeedConfigWritesMissingEntries(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()
	s := New(zap.NewNop(), store, testConfig("pair-a", "pair-b"), "./worker", nil)

	if err := s.seedConfig(ctx); err != nil {
		t.Fatalf("seedConfig: %v", err)
	}

	for _, pairID := range []string{"pair-a", "pair-b"} {
		if exists, _ := store.Exists(ctx, coordination.PairConfigKey(pairID)); !exists {
			t.Fatalf("expected config:%s to be seeded", pairID)
		}
	}

	members, err := store.SMembers(ctx, coordination.WorkersSetKey())
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 workers set members, got %v", members)
	}
}

func TestSeedConfigSkipsExistingEntries(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()
	if _, err := store.Set(ctx, coordination.PairConfigKey("pair-a"), `{"id":"pair-a"}`, 0, false); err != nil {
		t.Fatalf("pre-seed: %v", err)
	}

	s := New(zap.NewNop(), store, testConfig("pair-a"), "./worker", nil)
	if err := s.seedConfig(ctx); err != nil {
		t.Fatalf("seedConfig: %v", err)
	}

	raw, _, err := store.Get(ctx, coordination.PairConfigKey("pair-a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if raw != `{"id":"pair-a"}` {
		t.Fatalf("expected existing config to be left untouched, got %q", raw)
	}
}

func TestHeartbeatStaleDetectsMissingAndOldKeys(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()
	s := New(zap.NewNop(), store, testConfig(), "./worker", nil)

	if !s.heartbeatStale(ctx, "pair-a") {
		t.Fatal("expected missing heartbeat to be stale")
	}

	staleTs := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := store.Set(ctx, coordination.WorkerHeartbeatKey("pair-a"), strconv.FormatInt(staleTs, 10), 0, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !s.heartbeatStale(ctx, "pair-a") {
		t.Fatal("expected old heartbeat to be stale")
	}

	freshTs := time.Now().UnixMilli()
	if _, err := store.Set(ctx, coordination.WorkerHeartbeatKey("pair-a"), strconv.FormatInt(freshTs, 10), 0, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.heartbeatStale(ctx, "pair-a") {
		t.Fatal("expected fresh heartbeat to be not stale")
	}
}

func TestRequestReconcileCoalesces(t *testing.T) {
	store := coordination.NewMemStore()
	s := New(zap.NewNop(), store, testConfig(), "./worker", nil)

	s.requestReconcile()
	s.requestReconcile()
	s.requestReconcile()

	select {
	case <-s.reconcil:
	default:
		t.Fatal("expected a pending reconcile signal")
	}
	select {
	case <-s.reconcil:
		t.Fatal("expected repeated requests to coalesce into a single pending signal")
	default:
	}
}

func TestBackoffGrowsTenTwentyFortySeconds(t *testing.T) {
	first := baseBackoff
	second := doubleBackoff(first)
	third := doubleBackoff(second)

	if first != 10*time.Second {
		t.Fatalf("expected first respawn deadline 10s, got %v", first)
	}
	if second != 20*time.Second {
		t.Fatalf("expected second respawn deadline 20s, got %v", second)
	}
	if third != 40*time.Second {
		t.Fatalf("expected third respawn deadline 40s, got %v", third)
	}
}

func TestAllExitedWithNoChildren(t *testing.T) {
	store := coordination.NewMemStore()
	s := New(zap.NewNop(), store, testConfig(), "./worker", nil)
	if !s.allExited() {
		t.Fatal("expected allExited to be true with no children")
	}
}
