package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/permission"
	"github.com/ksi-project/ksi/pkg/router"
)

func newServiceFixture(t *testing.T) (*Service, *Manager) {
	t.Helper()
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, openStore(t), nil)
	return NewService(m), m
}

func TestHandleSpawnAndStatus(t *testing.T) {
	svc, m := newServiceFixture(t)

	resp, err := svc.handleSpawn(t.Context(), nil, map[string]any{
		"agent_id":           "worker-a",
		"permission_profile": permission.LevelTrusted,
	})
	require.NoError(t, err)
	out, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, StatusReady, out["status"])
	assert.Equal(t, "worker-a", out["agent_id"])
	assert.NotEmpty(t, out["session_id"])
	assert.NotEmpty(t, out["sandbox_path"])
	assert.Equal(t, 0, out["depth"])
	assert.NotContains(t, out, "request_id", "no prompt, no initial completion")

	resp, err = svc.handleStatus(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)
	status, ok := resp.(map[string]any)
	require.True(t, ok)
	rec, ok := status["agent"].(*Agent)
	require.True(t, ok)
	assert.Equal(t, permission.LevelTrusted, rec.PermissionLevel)

	assert.Equal(t, 1, m.Count())
}

func TestHandleSpawnDeniedShape(t *testing.T) {
	svc, _ := newServiceFixture(t)

	resp, err := svc.handleSpawn(t.Context(), nil, map[string]any{
		"agent_id":           "locked-down",
		"permission_profile": permission.LevelRestricted,
	})
	require.NoError(t, err)
	require.NotContains(t, resp.(map[string]any), "error")

	resp, err = svc.handleSpawn(t.Context(), nil, map[string]any{
		"agent_id":           "escalator",
		"parent_agent_id":    "locked-down",
		"permission_profile": permission.LevelTrusted,
	})
	require.NoError(t, err)
	out, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "spawn denied", out["error"])
	assert.Equal(t, false, out["valid"])
	assert.Equal(t, "escalator", out["agent_id"])
	reasons, ok := out["reasons"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, reasons)
}

func TestHandleSpawnCompositionAlias(t *testing.T) {
	resolver := newResolver(t, map[string]string{"researcher": researcherProfileYAML})
	m := NewManager(resolver, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)
	svc := NewService(m)

	resp, err := svc.handleSpawn(t.Context(), nil, map[string]any{
		"agent_id":    "researcher-1",
		"composition": "researcher",
	})
	require.NoError(t, err)
	require.NotContains(t, resp.(map[string]any), "error")

	rec, ok := m.Status("researcher-1")
	require.True(t, ok)
	assert.Equal(t, "researcher", rec.Profile)
	assert.Equal(t, "sonnet", rec.Model)
}

func TestHandleTerminate(t *testing.T) {
	svc, m := newServiceFixture(t)

	_, err := svc.handleSpawn(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)

	resp, err := svc.handleTerminate(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)
	out, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, StatusTerminated, out["status"])
	assert.Equal(t, "worker-a", out["agent_id"])
	assert.Equal(t, 0, out["cancelled_requests"])
	assert.Equal(t, 0, m.Count())

	resp, err = svc.handleTerminate(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)
	assert.Contains(t, resp.(map[string]any)["error"], "not found")

	resp, err = svc.handleTerminate(t.Context(), nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "agent_id required", resp.(map[string]any)["error"])
}

func TestHandleSendMessage(t *testing.T) {
	svc, _ := newServiceFixture(t)

	_, err := svc.handleSpawn(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)

	resp, err := svc.handleSendMessage(t.Context(), nil, map[string]any{
		"agent_id":      "worker-a",
		"message":       map[string]any{"text": "ping"},
		"from_agent_id": "coordinator",
	})
	require.NoError(t, err)
	out, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sent", out["status"])
	assert.Equal(t, 1, out["queue_length"])

	resp, err = svc.handleSendMessage(t.Context(), nil, map[string]any{"message": "x"})
	require.NoError(t, err)
	assert.Equal(t, "agent_id required", resp.(map[string]any)["error"])

	resp, err = svc.handleSendMessage(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)
	assert.Equal(t, "message required", resp.(map[string]any)["error"])
}

func TestHandleList(t *testing.T) {
	svc, _ := newServiceFixture(t)

	for _, id := range []string{"beta", "alpha"} {
		_, err := svc.handleSpawn(t.Context(), nil, map[string]any{"agent_id": id})
		require.NoError(t, err)
	}

	resp, err := svc.handleList(t.Context(), nil, nil)
	require.NoError(t, err)
	out, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, out["count"])
	agents, ok := out["agents"].([]*Agent)
	require.True(t, ok)
	assert.Equal(t, "alpha", agents[0].AgentID)
	assert.Equal(t, "beta", agents[1].AgentID)
}

func TestHandleResultUpdatesRecord(t *testing.T) {
	svc, m := newServiceFixture(t)

	_, err := svc.handleSpawn(t.Context(), nil, map[string]any{"agent_id": "worker-a"})
	require.NoError(t, err)

	resp, err := svc.handleResult(t.Context(), nil, map[string]any{
		"request_id": "req-1",
		"session_id": "sess-real",
		"status":     completion.StatusSuccess,
		"agent_id":   "worker-a",
	})
	require.NoError(t, err)
	assert.Nil(t, resp, "listener stays silent")

	rec, ok := m.Status("worker-a")
	require.True(t, ok)
	assert.Equal(t, "sess-real", rec.SessionID)
	assert.Equal(t, "req-1", rec.LastRequestID)

	// Results without an agent id pass through untouched.
	resp, err = svc.handleResult(t.Context(), nil, map[string]any{
		"request_id": "req-2",
		"session_id": "sess-other",
		"status":     completion.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Nil(t, resp)
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
		"agent:spawn", "agent:terminate", "agent:send_message",
		"agent:status", "agent:list", "completion:result",
	} {
		assert.True(t, patterns[want], want)
	}
}
