// Package coordination defines the CoordinationStore abstraction from
// spec.md §6 and ships an in-memory reference implementation. No example
// in the retrieval pack carries a concrete Redis/etcd client, and the
// spec treats the store as an external collaborator specified only by
// its interface — production deployments back Store with a real KV
// store; this package gives workers and the supervisor something to run
// against in tests and single-process demos, built the same way the
// teacher's internal/events/event_bus.go and internal/data/store.go
// build their own in-memory maps: a mutex-guarded map plus channel-based
// fan-out for subscribers.
package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the CoordinationStore abstraction: a TTL key-value store with
// check-and-set lock primitives, set operations, and pub/sub, all as
// spec.md §6 requires.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Refresh extends key's TTL iff its current value equals expected,
	// returning whether the refresh applied (the check-and-set script
	// semantics spec.md §5 calls for).
	Refresh(ctx context.Context, key, expected string, newTTL time.Duration) (bool, error)
	// Release deletes key iff its current value equals expected.
	Release(ctx context.Context, key, expected string) (bool, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	Publish(ctx context.Context, channel, message string) error
	// Subscribe registers handler on an independent logical connection;
	// each subscriber sees every message published after it subscribes.
	// The returned func unsubscribes.
	Subscribe(ctx context.Context, channel string, handler func(message string)) (unsubscribe func(), err error)
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemStore is an in-memory Store, safe for concurrent use by many
// worker/supervisor goroutines within one process and by tests
// simulating many processes.
type MemStore struct {
	mu   sync.Mutex
	data map[string]entry
	sets map[string]map[string]struct{}
	subs map[string][]chan string
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[string][]chan string),
	}
}

func (m *MemStore) Set(_ context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if onlyIfAbsent {
		if e, ok := m.data[key]; ok && !e.expired(now) {
			return false, nil
		}
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	m.data[key] = entry{value: value, expiresAt: expiresAt}
	return true, nil
}

func (m *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	e.expiresAt = time.Now().Add(ttl)
	m.data[key] = e
	return nil
}

func (m *MemStore) Refresh(_ context.Context, key, expected string, newTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.expired(time.Now()) || e.value != expected {
		return false, nil
	}
	e.expiresAt = time.Now().Add(newTTL)
	m.data[key] = e
	return true, nil
}

func (m *MemStore) Release(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemStore) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	subs := append([]chan string(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- message:
		default:
			// at-most-once delivery: a slow subscriber drops the message
			// rather than blocking the publisher.
		}
	}
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, channel string, handler func(message string)) (func(), error) {
	ch := make(chan string, 64)

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case msg := <-ch:
				handler(msg)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		close(stop)
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return unsubscribe, nil
}

var _ Store = (*MemStore)(nil)

// Key builders for the schema in spec.md §6.

func SupervisorLockKey() string { return "supervisor:lock" }
func WorkersSetKey() string     { return "workers" }

func WorkerLockKey(pairID string) string       { return fmt.Sprintf("worker:%s:lock", pairID) }
func WorkerHeartbeatKey(pairID string) string  { return fmt.Sprintf("worker:%s:heartbeat", pairID) }
func WorkerStateKey(pairID string) string      { return fmt.Sprintf("worker:%s:state", pairID) }
func WorkerRestartingKey(pairID string) string { return fmt.Sprintf("worker:%s:restarting", pairID) }

func PairPositionsKey(pairID string) string       { return fmt.Sprintf("pair:%s:positions", pairID) }
func PairOptimizerKey(pairID string) string       { return fmt.Sprintf("pair:%s:optimizer", pairID) }
func PairEpochKey(pairID string) string           { return fmt.Sprintf("pair:%s:epoch", pairID) }
func PairRegimeSuppressKey(pairID string) string  { return fmt.Sprintf("pair:%s:regime_suppress", pairID) }
func PairCandleCursorKey(pairID string) string    { return fmt.Sprintf("pair:%s:candle_cursor", pairID) }
func PairConfigKey(pairID string) string          { return fmt.Sprintf("config:%s", pairID) }

const ControlChannel = "control"
