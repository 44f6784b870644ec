package injection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/state"
)

func newServiceFixture(t *testing.T) (*Service, *state.Store) {
	t.Helper()
	store := openStore(t)
	r, _, _ := newRouterFixture(t, echoProvider(), store)
	return NewService(r), store
}

func TestServiceInjectListClear(t *testing.T) {
	svc, _ := newServiceFixture(t)

	resp, err := svc.handleInject(t.Context(), nil, map[string]any{
		"session_id": "s9",
		"content":    "remember the deadline",
	})
	require.NoError(t, err)
	m, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "queued", m["status"])
	assert.Equal(t, ModeNext, m["mode"])

	resp, err = svc.handleList(t.Context(), nil, map[string]any{"session_id": "s9"})
	require.NoError(t, err)
	listed := resp.(map[string]any)
	assert.Equal(t, 1, listed["count"])
	items := listed["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "remember the deadline", item["content"], "manual content is queued verbatim")
	assert.Equal(t, PositionPrepend, item["position"])

	resp, err = svc.handleList(t.Context(), nil, map[string]any{})
	require.NoError(t, err)
	all := resp.(map[string]any)
	assert.Equal(t, 1, all["total"])

	resp, err = svc.handleClear(t.Context(), nil, map[string]any{"session_id": "s9"})
	require.NoError(t, err)
	cleared := resp.(map[string]any)
	assert.Equal(t, "cleared", cleared["status"])
	assert.EqualValues(t, 1, cleared["removed"])

	resp, err = svc.handleList(t.Context(), nil, map[string]any{"session_id": "s9"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.(map[string]any)["count"])
}

func TestServiceInjectValidation(t *testing.T) {
	svc, _ := newServiceFixture(t)

	resp, err := svc.handleInject(t.Context(), nil, map[string]any{"session_id": "s1"})
	require.NoError(t, err)
	assert.Equal(t, "content required", resp.(map[string]any)["error"])

	resp, err = svc.handleInject(t.Context(), nil, map[string]any{"content": "x"})
	require.NoError(t, err)
	assert.Equal(t, "session_id or target_sessions required", resp.(map[string]any)["error"])

	resp, err = svc.handleInject(t.Context(), nil, map[string]any{
		"session_id": "s1", "content": "x", "mode": "sideways",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.(map[string]any)["error"], "invalid injection mode")

	resp, err = svc.handleInject(t.Context(), nil, map[string]any{
		"session_id": "s1", "content": "x", "position": "middle",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.(map[string]any)["error"], "invalid position")

	resp, err = svc.handleClear(t.Context(), nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "session_id required", resp.(map[string]any)["error"])
}

func TestServiceBatch(t *testing.T) {
	svc, store := newServiceFixture(t)

	resp, err := svc.handleBatch(t.Context(), nil, map[string]any{
		"injections": []any{
			map[string]any{"session_id": "s1", "content": "first"},
			map[string]any{"session_id": "s2", "content": "second", "position": "postscript"},
		},
	})
	require.NoError(t, err)
	m := resp.(map[string]any)
	assert.Equal(t, 2, m["count"])

	for _, sid := range []string{"s1", "s2"} {
		n, err := store.QueueLength(t.Context(), completion.InjectionNamespace, sid)
		require.NoError(t, err)
		assert.Equal(t, 1, n, sid)
	}

	resp, err = svc.handleBatch(t.Context(), nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "injections required", resp.(map[string]any)["error"])
}

func TestServiceRegisterDiscovery(t *testing.T) {
	svc, _ := newServiceFixture(t)
	rt := router.New(nil, nil, time.Second, 8)
	require.NoError(t, svc.Register(rt))

	patterns := map[string]bool{}
	for _, reg := range rt.Registrations() {
		patterns[reg.Pattern] = true
	}
	for _, want := range []string{
		"injection:inject", "injection:batch", "injection:list", "injection:clear",
		"completion:result",
	} {
		assert.True(t, patterns[want], want)
	}
}
