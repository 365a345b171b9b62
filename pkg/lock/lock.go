// Package lock provides an abstraction layer for key-based locking, used
// to coalesce concurrent work on the same resource (for example, cache
// lookups for one store-path hash part) without independent resources
// ever contending with each other.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive locking semantics, keyed by an arbitrary
// string.
type Locker interface {
	// Lock acquires an exclusive lock for the given key, blocking until
	// the lock is free or ctx is cancelled. The local implementation
	// ignores ttl, since in-process locks cannot leak past the process;
	// the parameter exists so an implementation backed by an external
	// store could expire abandoned locks.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases an exclusive lock for the given key.
	//
	// It is safe to call Unlock even if Lock failed, but it may return an error.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire an exclusive lock without blocking.
	//
	// Returns:
	//   - (true, nil) if the lock was acquired
	//   - (false, nil) if the lock is held by someone else
	//   - (false, error) if an error occurred
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
