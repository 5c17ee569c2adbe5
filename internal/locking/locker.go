package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLockNotAcquired    = errors.New("provider lock not acquired")
	ErrBackendUnavailable = errors.New("lock backend unavailable")
)

// Locker is used by the scheduling service to serialize check-and-reserve per provider.
// Implementations wait at most a bounded time and then return ErrLockNotAcquired.
type Locker interface {
	WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process Locker. Each provider gets its own one-token
// channel, created on demand and dropped once no caller holds or waits on it.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
	wait  time.Duration
}

func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	return &KeyedLocker{
		locks: make(map[uuid.UUID]*keyLock),
		wait:  wait,
	}
}

func (l *KeyedLocker) WithProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	kl := l.ref(providerID)
	defer l.unref(providerID, kl)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case kl.ch <- struct{}{}:
	case <-timer.C:
		return ErrLockNotAcquired
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-kl.ch }()

	return fn(ctx)
}

func (l *KeyedLocker) ref(id uuid.UUID) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[id]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[id] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) unref(id uuid.UUID, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, id)
	}
}

// size is the number of providers currently tracked.
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
