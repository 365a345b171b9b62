package local_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numtide/harmonia/pkg/lock/local"
)

func TestLockUnlock(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "key", 0))
	require.NoError(t, l.Unlock(ctx, "key"))

	// The key is immediately reusable.
	require.NoError(t, l.Lock(ctx, "key", 0))
	require.NoError(t, l.Unlock(ctx, "key"))
}

func TestUnlockUnknownKey(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()

	err := l.Unlock(context.Background(), "never-locked")
	assert.ErrorIs(t, err, local.ErrUnlockUnknownKey)
}

func TestSameKeySerializes(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	var (
		g       sync.WaitGroup
		holders atomic.Int32
	)

	for i := 0; i < 20; i++ {
		g.Add(1)

		go func() {
			defer g.Done()

			require.NoError(t, l.Lock(ctx, "hot", 0))

			assert.EqualValues(t, 1, holders.Add(1), "at most one holder at a time")
			time.Sleep(time.Millisecond)
			holders.Add(-1)

			require.NoError(t, l.Unlock(ctx, "hot"))
		}()
	}

	g.Wait()
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "a", 0))

	// Holding "a" must not block "b".
	done := make(chan struct{})

	go func() {
		defer close(done)

		require.NoError(t, l.Lock(ctx, "b", 0))
		require.NoError(t, l.Unlock(ctx, "b"))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an independent key blocked")
	}

	require.NoError(t, l.Unlock(ctx, "a"))
}

func TestLockHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "key", 0))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	err := l.Lock(waitCtx, "key", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter left no residue: the holder can still unlock
	// and the key can be taken again.
	require.NoError(t, l.Unlock(ctx, "key"))
	require.NoError(t, l.Lock(ctx, "key", 0))
	require.NoError(t, l.Unlock(ctx, "key"))
}

func TestTryLock(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "key", 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Held: a second TryLock reports contention without blocking.
	ok, err = l.TryLock(ctx, "key", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx, "key"))

	ok, err = l.TryLock(ctx, "key", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Unlock(ctx, "key"))
}

func TestWaitersAcquireInTurn(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "key", 0))

	acquired := make(chan struct{})

	go func() {
		require.NoError(t, l.Lock(ctx, "key", 0))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, l.Unlock(ctx, "key"))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}

	require.NoError(t, l.Unlock(ctx, "key"))
}
