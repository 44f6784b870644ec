package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/capability"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/permission"
	"github.com/ksi-project/ksi/pkg/provider"
	"github.com/ksi-project/ksi/pkg/sandbox"
	"github.com/ksi-project/ksi/pkg/state"
)

const researcherProfileYAML = `name: researcher
type: profile
version: "1.0.0"
components:
  - name: model
    template: sonnet
  - name: permission_profile
    template: trusted
  - name: prompt
    template: "Research {{topic}} and report back."
  - name: capabilities
    inline:
      profile: researcher
variables:
  topic:
    type: string
    default: anything
`

type capturedEvent struct {
	name string
	data map[string]any
}

type captureEmitter struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *captureEmitter) Emit(ctx context.Context, name string, data map[string]any, ectx *event.Context) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{name: name, data: data})
	return nil
}

func (c *captureEmitter) EmitFirst(ctx context.Context, name string, data map[string]any, ectx *event.Context) any {
	c.Emit(ctx, name, data, ectx)
	return nil
}

func (c *captureEmitter) named(name string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, ev := range c.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func newSandboxes(t *testing.T) *sandbox.Manager {
	t.Helper()
	boxes, err := sandbox.NewManager(filepath.Join(t.TempDir(), "sandbox"))
	require.NoError(t, err)
	return boxes
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(t.Context(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestScheduler(t *testing.T, prov provider.Provider) *completion.Scheduler {
	t.Helper()
	cfg := config.CompletionConfig{
		MaxConcurrent:   4,
		RequestTimeout:  5 * time.Second,
		QueueGCInterval: time.Hour,
		ShutdownGrace:   time.Second,
	}
	bcfg := config.BreakerConfig{
		MaxDepth:           5,
		TokenBudget:        1_000_000,
		TimeWindow:         time.Hour,
		PoisoningThreshold: 1.0,
	}
	sched := completion.NewScheduler(cfg, config.Paths{ResponseDir: t.TempDir()}, prov,
		completion.NewBreaker(bcfg), completion.NewLockManager(), nil, nil)
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})
	return sched
}

func newResolver(t *testing.T, profiles map[string]string) *composition.Resolver {
	t.Helper()
	root := t.TempDir()
	for name, content := range profiles {
		writeComposition(t, root, "components/profiles/"+name+".yaml", content)
	}
	return composition.NewResolver(composition.NewLoader(root), nil)
}

func writeComposition(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// recordingProvider keeps every request it serves.
type recordingProvider struct {
	mu   sync.Mutex
	reqs []provider.Request
}

func (p *recordingProvider) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return &provider.Result{Result: "ok:" + req.RequestID, SessionID: req.SessionID}, nil
}

func (p *recordingProvider) requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.reqs...)
}

func TestSpawnDefaults(t *testing.T) {
	perms := permission.NewManager()
	boxes := newSandboxes(t)
	emitter := &captureEmitter{}
	m := NewManager(nil, nil, perms, boxes, nil, nil, emitter)

	rec, err := m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a"})
	require.NoError(t, err)

	assert.Equal(t, "worker-a", rec.AgentID)
	assert.Equal(t, StatusReady, rec.Status)
	assert.Equal(t, 0, rec.Depth)
	assert.True(t, strings.HasPrefix(rec.SessionID, "tmp-"), "transient session, got %s", rec.SessionID)
	assert.DirExists(t, rec.SandboxPath)
	assert.Equal(t, permission.LevelStandard, rec.PermissionLevel)
	assert.Empty(t, rec.InitialRequestID, "no prompt, no initial completion")

	// The assigned profile is bound: placeholders replaced with the
	// sandbox path.
	prof, ok := perms.GetAgent("worker-a")
	require.True(t, ok)
	assert.Contains(t, prof.Filesystem.WritePaths, rec.SandboxPath)
	assert.NotContains(t, prof.Filesystem.WritePaths, permission.SandboxPlaceholder)

	assert.Equal(t, 1, m.Count())

	spawned := emitter.named("agent:spawned")
	require.Len(t, spawned, 1)
	assert.Equal(t, "worker-a", spawned[0].data["agent_id"])
}

func TestSpawnGeneratesAgentID(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	rec, err := m.Spawn(t.Context(), SpawnSpec{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rec.AgentID, "agent-"), "got %s", rec.AgentID)
}

func TestSpawnDuplicateAgentID(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a"})
	require.NoError(t, err)

	_, err = m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSpawnParentDepthChain(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	parent, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID:    "root-agent",
		Permission: permission.ResolveSpec{Profile: permission.LevelTrusted},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, parent.Depth)

	child, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID:       "child-agent",
		ParentAgentID: "root-agent",
		Permission:    permission.ResolveSpec{Profile: permission.LevelTrusted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)

	grandchild, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID:       "grandchild-agent",
		ParentAgentID: "child-agent",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Depth)

	_, err = m.Spawn(t.Context(), SpawnSpec{AgentID: "orphan", ParentAgentID: "no-such-agent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSpawnDeniedByParentPermissions(t *testing.T) {
	perms := permission.NewManager()
	boxes := newSandboxes(t)
	m := NewManager(nil, nil, perms, boxes, nil, nil, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID:    "locked-down",
		Permission: permission.ResolveSpec{Profile: permission.LevelRestricted},
	})
	require.NoError(t, err)

	// A restricted parent cannot grant the standard profile: broader
	// tools and larger resource limits.
	_, err = m.Spawn(t.Context(), SpawnSpec{
		AgentID:       "escalator",
		ParentAgentID: "locked-down",
		Permission:    permission.ResolveSpec{Profile: permission.LevelStandard},
	})
	require.Error(t, err)

	var denied *SpawnDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "escalator", denied.AgentID)
	assert.NotEmpty(t, denied.Reasons)
	assert.Contains(t, strings.Join(denied.Reasons, "; "), `"Write"`)

	// Nothing of the denied spawn survives.
	assert.Equal(t, 1, m.Count())
	_, ok := boxes.Get("escalator")
	assert.False(t, ok)
	_, ok = perms.GetAgent("escalator")
	assert.False(t, ok)
}

func TestSpawnComposedProfile(t *testing.T) {
	resolver := newResolver(t, map[string]string{"researcher": researcherProfileYAML})
	prov := &recordingProvider{}
	sched := newTestScheduler(t, prov)
	perms := permission.NewManager()
	m := NewManager(resolver, capability.DefaultRegistry(), perms, newSandboxes(t), sched, nil, nil)

	rec, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID: "researcher-1",
		Profile: "researcher",
		Vars:    map[string]any{"topic": "queue latency"},
	})
	require.NoError(t, err)

	assert.Equal(t, "sonnet", rec.Model)
	assert.Equal(t, permission.LevelTrusted, rec.PermissionLevel)
	assert.Contains(t, rec.AllowedEvents, "monitor:get_events")
	assert.Contains(t, rec.AllowedEvents, "completion:async")
	assert.Contains(t, rec.AllowedTools, "WebFetch")
	assert.Contains(t, rec.AllowedTools, "Read")
	require.NotEmpty(t, rec.InitialRequestID)

	// The composed prompt runs as the initial completion, inside the
	// agent's sandbox.
	require.Eventually(t, func() bool {
		return len(prov.requests()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	req := prov.requests()[0]
	assert.Equal(t, "Research queue latency and report back.", req.Prompt)
	assert.Equal(t, "sonnet", req.Model)
	assert.Equal(t, "researcher-1", req.AgentID)
	assert.Equal(t, rec.SandboxPath, req.WorkingDir)
	assert.Equal(t, rec.InitialRequestID, req.RequestID)
}

func TestSpawnExplicitPromptWinsOverComposed(t *testing.T) {
	resolver := newResolver(t, map[string]string{"researcher": researcherProfileYAML})
	prov := &recordingProvider{}
	sched := newTestScheduler(t, prov)
	m := NewManager(resolver, capability.DefaultRegistry(), permission.NewManager(), newSandboxes(t), sched, nil, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID: "researcher-2",
		Profile: "researcher",
		Prompt:  "Summarize the open incidents.",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(prov.requests()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Summarize the open incidents.", prov.requests()[0].Prompt)
}

func TestSpawnUnknownProfile(t *testing.T) {
	resolver := newResolver(t, nil)
	m := NewManager(resolver, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a", Profile: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compose profile")
	assert.Equal(t, 0, m.Count())
}

func TestSendMessageInbox(t *testing.T) {
	store := openStore(t)
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, store, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a"})
	require.NoError(t, err)

	n, err := m.SendMessage(t.Context(), "worker-a", map[string]any{"text": "status?"}, "coordinator")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := store.GetQueue(t.Context(), MessagesNamespace, "worker-a")
	require.NoError(t, err)
	require.Len(t, items, 1)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"text": "status?"}, item["message"])
	assert.Equal(t, "coordinator", item["from_agent_id"])
	assert.NotNil(t, item["timestamp"])

	_, err = m.SendMessage(t.Context(), "ghost", "hello", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTerminate(t *testing.T) {
	started := make(chan struct{}, 1)
	prov := provider.Func(func(ctx context.Context, req provider.Request) (*provider.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sched := newTestScheduler(t, prov)
	store := openStore(t)
	perms := permission.NewManager()
	boxes := newSandboxes(t)
	emitter := &captureEmitter{}
	m := NewManager(nil, nil, perms, boxes, sched, store, emitter)

	rec, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID: "worker-a",
		Prompt:  "run forever",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.InitialRequestID)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("initial completion never reached the provider")
	}

	_, err = m.SendMessage(t.Context(), "worker-a", "pending note", "")
	require.NoError(t, err)

	res, err := m.Terminate(t.Context(), "worker-a", false)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, res.Status)
	assert.Equal(t, 1, res.CancelledRequests, "in-flight completion counted once")

	assert.Equal(t, 0, m.Count())
	_, ok := boxes.Get("worker-a")
	assert.False(t, ok)
	_, ok = perms.GetAgent("worker-a")
	assert.False(t, ok)
	n, err := store.QueueLength(t.Context(), MessagesNamespace, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, n, "inbox dropped")

	terminated := emitter.named("agent:terminated")
	require.Len(t, terminated, 1)
	assert.Equal(t, "worker-a", terminated[0].data["agent_id"])

	_, err = m.Terminate(t.Context(), "worker-a", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTerminateUnknownAgent(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	_, err := m.Terminate(t.Context(), "ghost", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRecordResultAdoptsSession(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	rec, err := m.Spawn(t.Context(), SpawnSpec{AgentID: "worker-a"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rec.SessionID, "tmp-"))

	m.RecordResult("worker-a", "sess-real", "req-1", completion.StatusSuccess)

	got, ok := m.Status("worker-a")
	require.True(t, ok)
	assert.Equal(t, "sess-real", got.SessionID)
	assert.Equal(t, "req-1", got.LastRequestID)
	assert.Equal(t, completion.StatusSuccess, got.LastStatus)

	// Unknown agents are ignored.
	m.RecordResult("ghost", "sess-x", "req-2", completion.StatusSuccess)
}

func TestListSortedAndCloned(t *testing.T) {
	m := NewManager(nil, nil, permission.NewManager(), newSandboxes(t), nil, nil, nil)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := m.Spawn(t.Context(), SpawnSpec{AgentID: id})
		require.NoError(t, err)
	}

	agents := m.List()
	require.Len(t, agents, 3)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, []string{agents[0].AgentID, agents[1].AgentID, agents[2].AgentID})

	// Returned records are copies.
	agents[0].Status = "mangled"
	got, ok := m.Status("alpha")
	require.True(t, ok)
	assert.Equal(t, StatusReady, got.Status)
}

func TestTerminateAllChildrenFirst(t *testing.T) {
	perms := permission.NewManager()
	boxes := newSandboxes(t)
	m := NewManager(nil, nil, perms, boxes, nil, nil, nil)

	_, err := m.Spawn(t.Context(), SpawnSpec{
		AgentID:    "root-agent",
		Permission: permission.ResolveSpec{Profile: permission.LevelTrusted},
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := m.Spawn(t.Context(), SpawnSpec{
			AgentID:       fmt.Sprintf("child-%d", i),
			ParentAgentID: "root-agent",
		})
		require.NoError(t, err)
	}

	n := m.TerminateAll(t.Context())
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, boxes.List())
}
