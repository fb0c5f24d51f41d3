package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lock is a held distributed lock: a key with a holder token only the
// acquirer knows, matching spec.md §5's SET-NX-PX singleton pattern.
type Lock struct {
	store  Store
	key    string
	holder string
}

// TryAcquire attempts a SET-NX-PX on key with a freshly generated holder
// token. A nil Lock with ok=false means someone else holds it.
func TryAcquire(ctx context.Context, store Store, key string, ttl time.Duration) (lock *Lock, ok bool, err error) {
	holder := uuid.NewString()
	acquired, err := store.Set(ctx, key, holder, ttl, true)
	if err != nil || !acquired {
		return nil, false, err
	}
	return &Lock{store: store, key: key, holder: holder}, true, nil
}

// Holder returns this lock's holder token, for embedding in heartbeat or
// state records so other processes can attribute ownership.
func (l *Lock) Holder() string { return l.holder }

// Refresh extends the lock's TTL iff this Lock still holds it.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.store.Refresh(ctx, l.key, l.holder, ttl)
}

// Release drops the lock iff this Lock still holds it. A process that
// lost the lock (e.g. TTL expired and another process acquired it) must
// not release someone else's lock, which is why Release is check-and-set
// rather than an unconditional delete.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	return l.store.Release(ctx, l.key, l.holder)
}
