package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/clm-worker/internal/coordination"
)

func TestSetNXRefusesWhenHeld(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	ok, err := store.Set(ctx, "k", "a", time.Minute, true)
	if err != nil || !ok {
		t.Fatalf("first set should succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = store.Set(ctx, "k", "b", time.Minute, true)
	if err != nil || ok {
		t.Fatalf("second NX set should fail while held, got ok=%v err=%v", ok, err)
	}
}

func TestSetExpires(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	if _, err := store.Set(ctx, "k", "a", time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	if err != nil || ok {
		t.Fatalf("expected key expired, got ok=%v err=%v", ok, err)
	}
}

func TestLockAcquireRefreshRelease(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	lock, ok, err := coordination.TryAcquire(ctx, store, "worker:pair1:lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}

	if _, ok2, err := coordination.TryAcquire(ctx, store, "worker:pair1:lock", time.Minute); err != nil || ok2 {
		t.Fatalf("second acquire should fail while held, got ok=%v err=%v", ok2, err)
	}

	refreshed, err := lock.Refresh(ctx, time.Minute)
	if err != nil || !refreshed {
		t.Fatalf("expected refresh to succeed, got %v err=%v", refreshed, err)
	}

	released, err := lock.Release(ctx)
	if err != nil || !released {
		t.Fatalf("expected release to succeed, got %v err=%v", released, err)
	}

	if _, ok3, err := coordination.TryAcquire(ctx, store, "worker:pair1:lock", time.Minute); err != nil || !ok3 {
		t.Fatalf("expected acquire after release to succeed, got ok=%v err=%v", ok3, err)
	}
}

func TestLockReleaseIsCheckAndSet(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	stale, _, err := coordination.TryAcquire(ctx, store, "worker:pair1:lock", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	fresh, ok, err := coordination.TryAcquire(ctx, store, "worker:pair1:lock", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected new holder to acquire after expiry, got ok=%v err=%v", ok, err)
	}

	released, err := stale.Release(ctx)
	if err != nil || released {
		t.Fatalf("stale holder must not release the new holder's lock, got released=%v", released)
	}

	if _, ok2, err := store.Get(ctx, "worker:pair1:lock"); err != nil || !ok2 {
		t.Fatalf("fresh holder's lock should still be present, got ok=%v err=%v", ok2, err)
	}
	_ = fresh
}

func TestPublishSubscribe(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	received := make(chan string, 1)
	unsubscribe, err := store.Subscribe(ctx, coordination.ControlChannel, func(msg string) {
		received <- msg
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := store.Publish(ctx, coordination.ControlChannel, "reload"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg != "reload" {
			t.Fatalf("expected reload, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestSetMembership(t *testing.T) {
	store := coordination.NewMemStore()
	ctx := context.Background()

	if err := store.SAdd(ctx, coordination.WorkersSetKey(), "pair1", "pair2"); err != nil {
		t.Fatal(err)
	}
	if err := store.SRem(ctx, coordination.WorkersSetKey(), "pair2"); err != nil {
		t.Fatal(err)
	}
	members, err := store.SMembers(ctx, coordination.WorkersSetKey())
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "pair1" {
		t.Fatalf("expected [pair1], got %v", members)
	}
}
