package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	err := s.Set(ctx, "agents", "agent-1", map[string]any{"profile": "researcher"},
		map[string]any{"owner": "daemon"})
	require.NoError(t, err)

	entry, found, err := s.Get(ctx, "agents", "agent-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"profile": "researcher"}, entry.Value)
	assert.Equal(t, map[string]any{"owner": "daemon"}, entry.Metadata)
	assert.Greater(t, entry.UpdatedAt, 0.0)

	_, found, err = s.Get(ctx, "agents", "agent-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDefaultNamespace(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "", "k", "v", nil))
	entry, found, err := s.Get(ctx, DefaultNamespace, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", entry.Value)
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "ns", "k", 1, nil))
	require.NoError(t, s.Set(ctx, "ns", "k", 2, nil))

	entry, found, err := s.Get(ctx, "ns", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(2), entry.Value, "JSON numbers decode as float64")
	assert.GreaterOrEqual(t, entry.UpdatedAt, entry.CreatedAt)
}

func TestDeleteIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "ns", "k", "v", nil))

	deleted, err := s.Delete(ctx, "ns", "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "ns", "k")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete succeeds but reports nothing removed")

	_, found, err := s.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeysAndNamespaces(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "b", "k2", 1, nil))
	require.NoError(t, s.Set(ctx, "b", "k1", 1, nil))
	require.NoError(t, s.Set(ctx, "a", "k3", 1, nil))

	keys, err := s.Keys(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)

	namespaces, err := s.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, namespaces)
}

func TestClear(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "ns", "k1", 1, nil))
	require.NoError(t, s.Set(ctx, "ns", "k2", 1, nil))
	require.NoError(t, s.Set(ctx, "other", "k", 1, nil))

	n, err := s.Clear(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	keys, err := s.Keys(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, found, err := s.Get(ctx, "other", "k")
	require.NoError(t, err)
	assert.True(t, found, "clear is scoped to one namespace")

	_, err = s.Clear(ctx, "")
	assert.Error(t, err, "clearing without a namespace is refused")
}

func TestGetJSON(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	type record struct {
		Profile string `json:"profile"`
		Depth   int    `json:"depth"`
	}
	require.NoError(t, s.Set(ctx, "agents", "agent-1", record{Profile: "standard", Depth: 2}, nil))

	var out record
	require.NoError(t, s.GetJSON(ctx, "agents", "agent-1", &out))
	assert.Equal(t, record{Profile: "standard", Depth: 2}, out)

	err := s.GetJSON(ctx, "agents", "missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, found, err := s.SessionGet(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)

	merged, err := s.SessionUpdate(ctx, "sess-1", map[string]any{"step": float64(1), "topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": float64(1), "topic": "go"}, merged)

	merged, err = s.SessionUpdate(ctx, "sess-1", map[string]any{"step": float64(2), "topic": nil})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"step": float64(2)}, merged, "nil removes a field")

	data, found, err := s.SessionGet(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"step": float64(2)}, data)

	deleted, err := s.SessionDelete(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestQueueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for i := 0; i < 5; i++ {
		length, err := s.Push(ctx, "inbox", "sess-1", fmt.Sprintf("msg-%d", i), 0)
		require.NoError(t, err)
		assert.Equal(t, i+1, length)
	}

	for i := 0; i < 5; i++ {
		value, found, err := s.Pop(ctx, "inbox", "sess-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), value, "pop follows push order")
	}

	_, found, err := s.Pop(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.False(t, found, "empty queue is not an error")
}

func TestQueueTTL(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.Push(ctx, "inbox", "sess-1", "short-lived", time.Millisecond)
	require.NoError(t, err)
	_, err = s.Push(ctx, "inbox", "sess-1", "durable", 0)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	value, found, err := s.Pop(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "durable", value, "expired items are skipped at pop")

	n, err := s.QueueLength(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	swept, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept, "the sweeper reclaims the expired row")
}

func TestGetQueueNonDestructive(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.Push(ctx, "inbox", "sess-1", "a", 0)
	require.NoError(t, err)
	_, err = s.Push(ctx, "inbox", "sess-1", "b", 0)
	require.NoError(t, err)

	items, err := s.GetQueue(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)

	n, err := s.QueueLength(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "get_queue does not consume")
}

func TestQueueKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.Push(ctx, "inbox", "sess-2", "x", 0)
	require.NoError(t, err)
	_, err = s.Push(ctx, "inbox", "sess-1", "y", 0)
	require.NoError(t, err)
	_, err = s.Push(ctx, "other", "sess-3", "z", 0)
	require.NoError(t, err)

	keys, err := s.QueueKeys(ctx, "inbox")
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1", "sess-2"}, keys)
}

func TestDeleteQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_, err := s.Push(ctx, "inbox", "sess-1", i, 0)
		require.NoError(t, err)
	}

	n, err := s.DeleteQueue(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, found, err := s.Pop(ctx, "inbox", "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConcurrentPushesOneKey(t *testing.T) {
	s := openTestStore(t)
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Push(context.Background(), "inbox", "sess-1", i, 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	length, err := s.QueueLength(t.Context(), "inbox", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, n, length, "per-key serialization keeps seq allocation collision-free")
}
