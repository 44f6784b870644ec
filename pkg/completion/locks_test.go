package completion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireRelease(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "s1", "r1"))
	lock, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, LockLocked, lock.State)
	assert.Equal(t, "r1", lock.HolderRequestID)

	// Re-acquiring a held lock is a no-op for the holder.
	require.NoError(t, m.Acquire(ctx, "s1", "r1"))

	m.Release("s1", "r1")
	lock, _ = m.Get("s1")
	assert.Equal(t, LockUnlocked, lock.State)
	assert.Empty(t, lock.HolderRequestID)
}

func TestLockReleaseByNonHolderIgnored(t *testing.T) {
	m := NewLockManager()
	require.NoError(t, m.Acquire(context.Background(), "s1", "r1"))

	m.Release("s1", "intruder")
	lock, _ := m.Get("s1")
	assert.Equal(t, "r1", lock.HolderRequestID)
}

func TestLockFIFOWaiters(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "s1", "r1"))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	ready := make(chan struct{}, 2)

	for _, id := range []string{"r2", "r3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			assert.NoError(t, m.Acquire(ctx, "s1", id))
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			m.Release("s1", id)
		}()
		<-ready
		// Wait until the waiter is registered so FIFO order is fixed.
		require.Eventually(t, func() bool {
			lock, _ := m.Get("s1")
			return len(lock.Queue) > 0 && lock.Queue[len(lock.Queue)-1] == id
		}, time.Second, time.Millisecond)
	}

	lock, _ := m.Get("s1")
	assert.Equal(t, LockQueued, lock.State)
	assert.Equal(t, []string{"r2", "r3"}, lock.Queue)

	m.Release("s1", "r1")
	wg.Wait()

	mu.Lock()
	assert.Equal(t, []string{"r2", "r3"}, order)
	mu.Unlock()

	lock, _ = m.Get("s1")
	assert.Equal(t, LockUnlocked, lock.State)
}

func TestLockAcquireContextCancelled(t *testing.T) {
	m := NewLockManager()
	require.NoError(t, m.Acquire(context.Background(), "s1", "r1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "s1", "r2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not linger in the queue.
	lock, _ := m.Get("s1")
	assert.Empty(t, lock.Queue)
	assert.Equal(t, LockLocked, lock.State)

	m.Release("s1", "r1")
	lock, _ = m.Get("s1")
	assert.Equal(t, LockUnlocked, lock.State)
}

func TestLockFork(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "s1", "rA"))

	m.Fork("s1", "s1_forked", "rA")

	orig, ok := m.Get("s1")
	require.True(t, ok)
	assert.Equal(t, LockForked, orig.State)
	assert.Empty(t, orig.HolderRequestID)
	assert.Equal(t, []string{"s1_forked"}, orig.ChildSessionIDs)

	child, ok := m.Get("s1_forked")
	require.True(t, ok)
	assert.Equal(t, LockLocked, child.State)
	assert.Equal(t, "rA", child.HolderRequestID)
	assert.Equal(t, "s1", child.ParentSessionID)

	// The forked request releases the child lock, not the original.
	m.Release("s1_forked", "rA")
	child, _ = m.Get("s1_forked")
	assert.Equal(t, LockUnlocked, child.State)

	// The original session accepts new holders; fork links persist.
	require.NoError(t, m.Acquire(ctx, "s1", "rB"))
	orig, _ = m.Get("s1")
	assert.Equal(t, LockLocked, orig.State)
	assert.Equal(t, "rB", orig.HolderRequestID)
	assert.Equal(t, []string{"s1_forked"}, orig.ChildSessionIDs)
}

func TestLockForkPromotesWaiter(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "s1", "rA"))

	acquired := make(chan error, 1)
	go func() { acquired <- m.Acquire(ctx, "s1", "rB") }()
	require.Eventually(t, func() bool {
		lock, _ := m.Get("s1")
		return len(lock.Queue) == 1
	}, time.Second, time.Millisecond)

	m.Fork("s1", "s2", "rA")
	require.NoError(t, <-acquired)

	orig, _ := m.Get("s1")
	assert.Equal(t, "rB", orig.HolderRequestID, "waiter keeps talking to the original session")
}

func TestLockRemove(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	require.NoError(t, m.Acquire(ctx, "s1", "r1"))
	assert.False(t, m.Remove("s1"), "held locks are kept")

	m.Release("s1", "r1")
	assert.True(t, m.Remove("s1"))
	_, ok := m.Get("s1")
	assert.False(t, ok)

	assert.True(t, m.Remove("never-seen"))
}

func TestLockSnapshotSorted(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()
	require.NoError(t, m.Acquire(ctx, "s2", "r2"))
	require.NoError(t, m.Acquire(ctx, "s1", "r1"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "s1", snap[0].SessionID)
	assert.Equal(t, "s2", snap[1].SessionID)
}
