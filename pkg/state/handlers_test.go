package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(openTestStore(t))
}

func TestHandleSetGet(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	resp, err := s.handleSet(ctx, nil, map[string]any{
		"namespace": "config",
		"key":       "mode",
		"value":     "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "set", "namespace": "config", "key": "mode"}, resp)

	resp, err = s.handleGet(ctx, nil, map[string]any{"namespace": "config", "key": "mode"})
	require.NoError(t, err)
	m := resp.(map[string]any)
	assert.Equal(t, true, m["found"])
	assert.Equal(t, "debug", m["value"])

	resp, err = s.handleGet(ctx, nil, map[string]any{"namespace": "config", "key": "absent"})
	require.NoError(t, err)
	m = resp.(map[string]any)
	assert.Equal(t, false, m["found"])
	assert.NotContains(t, m, "value")
}

func TestHandleMissingKey(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	for _, handler := range map[string]func() (any, error){
		"set":    func() (any, error) { return s.handleSet(ctx, nil, map[string]any{"value": 1}) },
		"get":    func() (any, error) { return s.handleGet(ctx, nil, map[string]any{}) },
		"delete": func() (any, error) { return s.handleDelete(ctx, nil, map[string]any{}) },
		"push":   func() (any, error) { return s.handlePush(ctx, nil, map[string]any{"value": 1}) },
		"pop":    func() (any, error) { return s.handlePop(ctx, nil, map[string]any{}) },
	} {
		resp, err := handler()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"error": "key required"}, resp)
	}
}

func TestHandleListNamespacesAndKeys(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	_, err := s.handleSet(ctx, nil, map[string]any{"namespace": "a", "key": "k1", "value": 1})
	require.NoError(t, err)
	_, err = s.handleSet(ctx, nil, map[string]any{"namespace": "b", "key": "k2", "value": 2})
	require.NoError(t, err)

	resp, err := s.handleList(ctx, nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"namespaces": []string{"a", "b"}}, resp)

	resp, err = s.handleList(ctx, nil, map[string]any{"namespace": "a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"namespace": "a", "keys": []string{"k1"}}, resp)
}

func TestHandleQueueFlow(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	resp, err := s.handlePush(ctx, nil, map[string]any{
		"namespace": "injection",
		"key":       "sess-1",
		"value":     map[string]any{"content": "follow up"},
		// Weak typing: the wire may carry numbers as strings.
		"ttl_seconds": "60",
	})
	require.NoError(t, err)
	m := resp.(map[string]any)
	assert.Equal(t, "pushed", m["status"])
	assert.Equal(t, 1, m["length"])

	resp, err = s.handleGetQueue(ctx, nil, map[string]any{"namespace": "injection", "key": "sess-1"})
	require.NoError(t, err)
	m = resp.(map[string]any)
	assert.Equal(t, 1, m["length"])

	resp, err = s.handlePop(ctx, nil, map[string]any{"namespace": "injection", "key": "sess-1"})
	require.NoError(t, err)
	m = resp.(map[string]any)
	assert.Equal(t, true, m["found"])
	assert.Equal(t, map[string]any{"content": "follow up"}, m["value"])

	resp, err = s.handlePop(ctx, nil, map[string]any{"namespace": "injection", "key": "sess-1"})
	require.NoError(t, err)
	m = resp.(map[string]any)
	assert.Equal(t, false, m["found"])
}

func TestHandleSessionScratch(t *testing.T) {
	s := newTestService(t)
	ctx := t.Context()

	resp, err := s.handleSessionUpdate(ctx, nil, map[string]any{
		"session_id": "sess-1",
		"data":       map[string]any{"phase": "research"},
	})
	require.NoError(t, err)
	m := resp.(map[string]any)
	assert.Equal(t, map[string]any{"phase": "research"}, m["data"])

	resp, err = s.handleSessionGet(ctx, nil, map[string]any{"session_id": "sess-1"})
	require.NoError(t, err)
	m = resp.(map[string]any)
	assert.Equal(t, true, m["found"])
	assert.Equal(t, map[string]any{"phase": "research"}, m["data"])

	resp, err = s.handleSessionGet(ctx, nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": "session_id required"}, resp)
}
