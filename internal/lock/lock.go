// Package lock provides keyed mutual exclusion used to serialize work on one
// conversation (channel + contact) across goroutines and, with the Postgres
// and Redis backends, across FlowPipe instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockNotHeld is returned when a lock could not be obtained before the context ended.
var ErrLockNotHeld = errors.New("lock not acquired")

// KeyedLock obtains exclusive ownership of a key.
type KeyedLock interface {
	// Acquire blocks until the key is held or ctx is done. The returned release
	// function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire returns immediately; acquired is false when another holder owns the key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// InMemoryLock implements KeyedLock for a single process. Entries are removed
// once no goroutine holds or waits for them, so memory follows active contacts.
// The ttl argument is ignored: holders always release through a deferred call.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	held    bool
	refs    int           // holder plus waiters
	waiters chan struct{} // signals when the lock is released
}

// NewInMemoryLock creates a new in-process keyed lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{
		locks: make(map[string]*lockEntry),
	}
}

// entry must be called with l.mu held.
func (l *InMemoryLock) entry(key string) *lockEntry {
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{waiters: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	return e
}

// Acquire obtains the key, blocking until acquired or ctx is cancelled.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	e := l.entry(key)
	e.refs++
	for {
		if !e.held {
			e.held = true
			l.mu.Unlock()
			return l.releaser(key, e), nil
		}
		l.mu.Unlock()

		select {
		case <-e.waiters:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// TryAcquire obtains the key only if it is free.
func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(key)
	if e.held {
		return nil, false, nil
	}
	e.held = true
	e.refs++
	return l.releaser(key, e), true, nil
}

func (l *InMemoryLock) releaser(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			e.held = false
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
				return
			}
			select {
			case e.waiters <- struct{}{}:
			default:
			}
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *InMemoryLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
