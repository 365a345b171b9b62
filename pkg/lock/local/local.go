// Package local implements lock.Locker with in-process, per-key channel
// semaphores. Entries are reference-counted and removed as soon as no
// goroutine holds or waits on a key, so the table stays proportional to
// the number of keys actually in flight rather than ever seen.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/numtide/harmonia/pkg/lock"
)

// ErrUnlockUnknownKey is returned when unlocking a key that is not locked.
var ErrUnlockUnknownKey = fmt.Errorf("local.Locker: unlock of unknown key")

// entry is the lock state for one key: a one-slot semaphore channel plus
// the bookkeeping to drop the entry once unused.
type entry struct {
	sem  chan struct{}
	refs int

	// heldSince is written only by the goroutine holding sem.
	heldSince time.Time
}

// Locker implements lock.Locker. Acquisition is cancellable: a waiter
// whose context ends leaves the queue without affecting the holder.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocker creates a new local locker.
func NewLocker() lock.Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// enter returns the entry for key, creating it if needed, and counts the
// caller against it.
func (l *Locker) enter(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}

	e.refs++

	return e
}

// leave undoes enter, deleting the entry once nobody holds or waits on it.
func (l *Locker) leave(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Lock acquires the key's lock, blocking until it is free or ctx is
// cancelled. The ttl parameter is ignored.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	e := l.enter(key)

	select {
	case e.sem <- struct{}{}:
		e.heldSince = time.Now()

		lock.ObserveAcquire(ctx, lock.ResultAcquired)

		return nil

	case <-ctx.Done():
		l.leave(key)

		lock.ObserveAcquire(ctx, lock.ResultCanceled)

		return ctx.Err()
	}
}

// TryLock acquires the key's lock only if it is immediately free. The ttl
// parameter is ignored.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	e := l.enter(key)

	select {
	case e.sem <- struct{}{}:
		e.heldSince = time.Now()

		lock.ObserveAcquire(ctx, lock.ResultAcquired)

		return true, nil

	default:
		l.leave(key)

		lock.ObserveAcquire(ctx, lock.ResultContended)

		return false, nil
	}
}

// Unlock releases the key's lock.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	if !e.heldSince.IsZero() {
		lock.ObserveHold(ctx, time.Since(e.heldSince).Seconds())

		e.heldSince = time.Time{}
	}

	select {
	case <-e.sem:
	default:
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	l.leave(key)

	return nil
}
