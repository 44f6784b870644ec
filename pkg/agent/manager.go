// Package agent manages agent lifecycles: spawn, messaging, and
// teardown.
//
// Spawning runs a fixed pipeline: the named profile composition is
// resolved into an effective spec, capabilities and permissions are
// resolved from it, the spawn is validated against the parent agent's
// permissions, a sandbox directory is created, and the agent record
// becomes ready. An initial prompt, when present, is queued as a
// normal completion carrying the agent id; the completion:result
// listener keeps the record's session current as the provider assigns
// or forks sessions.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/capability"
	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/composition"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/permission"
	"github.com/ksi-project/ksi/pkg/sandbox"
	"github.com/ksi-project/ksi/pkg/state"
)

// MessagesNamespace is the state-store queue namespace agent inboxes
// live in, keyed by agent id.
const MessagesNamespace = "agent_messages"

// Agent lifecycle states.
const (
	StatusSpawning    = "spawning"
	StatusReady       = "ready"
	StatusTerminating = "terminating"
	StatusTerminated  = "terminated"
)

// Agent is one live agent's record.
type Agent struct {
	AgentID          string         `json:"agent_id"`
	Profile          string         `json:"profile,omitempty"`
	SessionID        string         `json:"session_id"`
	ParentAgentID    string         `json:"parent_agent_id,omitempty"`
	Depth            int            `json:"depth"`
	Status           string         `json:"status"`
	Model            string         `json:"model,omitempty"`
	SandboxPath      string         `json:"sandbox_path,omitempty"`
	PermissionLevel  string         `json:"permission_level,omitempty"`
	AllowedEvents    []string       `json:"allowed_events,omitempty"`
	AllowedTools     []string       `json:"allowed_tools,omitempty"`
	Composed         map[string]any `json:"composed,omitempty"`
	SpawnedAt        time.Time      `json:"spawned_at"`
	InitialRequestID string         `json:"initial_request_id,omitempty"`
	LastRequestID    string         `json:"last_request_id,omitempty"`
	LastStatus       string         `json:"last_status,omitempty"`
}

func (a *Agent) clone() *Agent {
	c := *a
	c.AllowedEvents = append([]string(nil), a.AllowedEvents...)
	c.AllowedTools = append([]string(nil), a.AllowedTools...)
	return &c
}

// SpawnSpec describes one spawn request.
type SpawnSpec struct {
	AgentID       string
	Profile       string // profile composition name
	SessionID     string
	Prompt        string // optional initial completion
	Model         string
	Permission    permission.ResolveSpec
	Sandbox       sandbox.Config
	ParentAgentID string
	Vars          map[string]any // composition variables
}

// SpawnDenied reports a spawn refused by permission validation.
type SpawnDenied struct {
	AgentID string
	Reasons []string
}

func (e *SpawnDenied) Error() string {
	return fmt.Sprintf("agent spawn denied: %s", strings.Join(e.Reasons, "; "))
}

// TerminateResult reports one completed termination.
type TerminateResult struct {
	AgentID           string `json:"agent_id"`
	Status            string `json:"status"`
	CancelledRequests int    `json:"cancelled_requests"`
}

// Manager owns the agent registry. compositions, scheduler, store, and
// emitter may each be nil; the corresponding spawn step is skipped.
type Manager struct {
	compositions *composition.Resolver
	capabilities *capability.Registry
	permissions  *permission.Manager
	sandboxes    *sandbox.Manager
	scheduler    *completion.Scheduler
	store        *state.Store
	emitter      event.Emitter

	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewManager(compositions *composition.Resolver, capabilities *capability.Registry, permissions *permission.Manager, sandboxes *sandbox.Manager, scheduler *completion.Scheduler, store *state.Store, emitter event.Emitter) *Manager {
	return &Manager{
		compositions: compositions,
		capabilities: capabilities,
		permissions:  permissions,
		sandboxes:    sandboxes,
		scheduler:    scheduler,
		store:        store,
		emitter:      emitter,
		agents:       make(map[string]*Agent),
	}
}

// Spawn runs the spawn pipeline and returns the ready record. The id
// is reserved first so concurrent spawns of the same agent collide
// cleanly; the record the reservation leaves behind is replaced or
// removed before Spawn returns.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (*Agent, error) {
	agentID := spec.AgentID
	if agentID == "" {
		agentID = event.NewAgentID()
	}

	m.mu.Lock()
	if _, exists := m.agents[agentID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %s already exists", agentID)
	}
	depth := 0
	if spec.ParentAgentID != "" {
		parent, ok := m.agents[spec.ParentAgentID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("parent agent %s not found", spec.ParentAgentID)
		}
		depth = parent.Depth + 1
	}
	m.agents[agentID] = &Agent{
		AgentID:       agentID,
		Profile:       spec.Profile,
		ParentAgentID: spec.ParentAgentID,
		Depth:         depth,
		Status:        StatusSpawning,
		SpawnedAt:     time.Now(),
	}
	m.mu.Unlock()

	rec, err := m.prepare(ctx, agentID, depth, spec)
	if err != nil {
		m.mu.Lock()
		delete(m.agents, agentID)
		m.mu.Unlock()
		return nil, err
	}

	rec.Status = StatusReady
	m.mu.Lock()
	m.agents[agentID] = rec
	m.mu.Unlock()

	// Record first, then prompt: the completion:result listener needs
	// the record in place before the first result can arrive.
	if spec.Prompt == "" {
		if p, ok := rec.Composed["prompt"].(string); ok {
			spec.Prompt = p
		}
	}
	if spec.Prompt != "" && m.scheduler != nil {
		res, err := m.scheduler.Enqueue(completion.Request{
			SessionID:  rec.SessionID,
			Prompt:     spec.Prompt,
			Model:      rec.Model,
			Priority:   completion.PriorityNormal,
			AgentID:    agentID,
			WorkingDir: rec.SandboxPath,
		})
		if err != nil {
			_ = m.sandboxes.Remove(agentID, true)
			m.permissions.RemoveAgent(agentID)
			m.mu.Lock()
			delete(m.agents, agentID)
			m.mu.Unlock()
			return nil, fmt.Errorf("initial completion for %s: %w", agentID, err)
		}
		m.mu.Lock()
		rec.InitialRequestID = res.RequestID
		m.mu.Unlock()
	}

	slog.Info("agent spawned",
		"agent_id", agentID, "profile", spec.Profile,
		"depth", depth, "session_id", rec.SessionID)
	m.emit("agent:spawned", map[string]any{
		"agent_id":   agentID,
		"profile":    spec.Profile,
		"session_id": rec.SessionID,
		"depth":      depth,
	})
	return m.snapshot(agentID)
}

// prepare performs the slow spawn steps off the registry lock and
// returns a fully populated record. It cleans up the sandbox and
// permission assignment itself on failure.
func (m *Manager) prepare(ctx context.Context, agentID string, depth int, spec SpawnSpec) (rec *Agent, err error) {
	composed := map[string]any{}
	if spec.Profile != "" && m.compositions != nil {
		composed, err = m.compositions.ResolveName(ctx, spec.Profile, "profile", spec.Vars)
		if err != nil {
			return nil, fmt.Errorf("compose profile %s: %w", spec.Profile, err)
		}
	}

	model := spec.Model
	if model == "" {
		model, _ = composed["model"].(string)
	}

	var allowedEvents, allowedTools []string
	if raw, ok := composed["capabilities"].(map[string]any); ok && m.capabilities != nil {
		var req capability.Requirement
		if err := event.DecodeParams(raw, &req); err != nil {
			return nil, fmt.Errorf("decode capabilities for %s: %w", agentID, err)
		}
		res, err := m.capabilities.Resolve(req)
		if err != nil {
			return nil, fmt.Errorf("resolve capabilities for %s: %w", agentID, err)
		}
		allowedEvents = res.AllowedEvents
		allowedTools = res.AllowedTools
	}

	pspec := spec.Permission
	if pspec.Profile == "" && pspec.Inline == nil {
		if name, ok := composed["permission_profile"].(string); ok {
			pspec.Profile = name
		}
	}
	prof, err := m.permissions.Resolve(pspec)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions for %s: %w", agentID, err)
	}
	if ok, reasons := m.permissions.ValidateSpawnFor(spec.ParentAgentID, prof); !ok {
		return nil, &SpawnDenied{AgentID: agentID, Reasons: reasons}
	}

	scfg := spec.Sandbox
	if scfg.ParentAgentID == "" {
		scfg.ParentAgentID = spec.ParentAgentID
	}
	box, err := m.sandboxes.Create(agentID, scfg)
	if err != nil {
		return nil, fmt.Errorf("create sandbox for %s: %w", agentID, err)
	}
	defer func() {
		if err != nil {
			_ = m.sandboxes.Remove(agentID, true)
			m.permissions.RemoveAgent(agentID)
		}
	}()

	m.permissions.SetAgent(agentID, prof.BindSandbox(box.Path))

	sessionID := spec.SessionID
	if sessionID == "" {
		// Transient placeholder; the provider assigns the real session
		// on the first completion.
		sessionID = event.NewTransientSessionID()
	}

	return &Agent{
		AgentID:         agentID,
		Profile:         spec.Profile,
		SessionID:       sessionID,
		ParentAgentID:   spec.ParentAgentID,
		Depth:           depth,
		Status:          StatusSpawning,
		Model:           model,
		SandboxPath:     box.Path,
		PermissionLevel: prof.Level,
		AllowedEvents:   allowedEvents,
		AllowedTools:    allowedTools,
		Composed:        composed,
		SpawnedAt:       time.Now(),
	}, nil
}

// Terminate cancels the agent's completions, removes its sandbox and
// permission assignment, drops its inbox, and deletes the record.
// force also removes sandboxes with live children.
func (m *Manager) Terminate(ctx context.Context, agentID string, force bool) (*TerminateResult, error) {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	if rec.Status == StatusTerminating {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent %s already terminating", agentID)
	}
	rec.Status = StatusTerminating
	sessionID := rec.SessionID
	m.mu.Unlock()

	cancelled := 0
	if m.scheduler != nil {
		results := m.scheduler.CancelAgent(agentID)
		results = append(results, m.scheduler.CancelSession(sessionID)...)
		// A request can match both the agent and its session; count each
		// request once.
		seen := map[string]bool{}
		for _, res := range results {
			if res.Status == "not_found" || seen[res.RequestID] {
				continue
			}
			seen[res.RequestID] = true
			cancelled++
		}
	}

	if err := m.sandboxes.Remove(agentID, force); err != nil {
		m.mu.Lock()
		rec.Status = StatusReady
		m.mu.Unlock()
		return nil, fmt.Errorf("remove sandbox for %s: %w", agentID, err)
	}
	m.permissions.RemoveAgent(agentID)
	if m.store != nil {
		if _, err := m.store.DeleteQueue(ctx, MessagesNamespace, agentID); err != nil {
			slog.Warn("agent inbox cleanup failed", "agent_id", agentID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	slog.Info("agent terminated", "agent_id", agentID, "cancelled_requests", cancelled)
	m.emit("agent:terminated", map[string]any{
		"agent_id":           agentID,
		"cancelled_requests": cancelled,
	})
	return &TerminateResult{
		AgentID:           agentID,
		Status:            StatusTerminated,
		CancelledRequests: cancelled,
	}, nil
}

// SendMessage pushes a message into the target agent's inbox queue.
// Returns the inbox length after the push. Agents drain their inbox
// through the state queue operations.
func (m *Manager) SendMessage(ctx context.Context, agentID string, message any, fromAgentID string) (int, error) {
	m.mu.RLock()
	_, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("agent %s not found", agentID)
	}
	if m.store == nil {
		return 0, fmt.Errorf("state store unavailable")
	}
	item := map[string]any{
		"message":   message,
		"timestamp": event.Now(),
	}
	if fromAgentID != "" {
		item["from_agent_id"] = fromAgentID
	}
	return m.store.Push(ctx, MessagesNamespace, agentID, item, 0)
}

// RecordResult updates an agent's record from one of its completion
// results: session adoption (transient or forked sessions) and last
// status tracking.
func (m *Manager) RecordResult(agentID, sessionID, requestID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return
	}
	if sessionID != "" && sessionID != rec.SessionID {
		slog.Debug("agent session updated",
			"agent_id", agentID, "session_id", sessionID, "previous", rec.SessionID)
		rec.SessionID = sessionID
	}
	rec.LastRequestID = requestID
	rec.LastStatus = status
}

// Status returns a copy of one agent's record.
func (m *Manager) Status(agentID string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// List returns every record, sorted by agent id.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count reports the number of live agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// TerminateAll tears down every agent, children before parents so
// sandbox removal never trips over live nested directories.
func (m *Manager) TerminateAll(ctx context.Context) int {
	agents := m.List()
	sort.Slice(agents, func(i, j int) bool { return agents[i].Depth > agents[j].Depth })
	n := 0
	for _, rec := range agents {
		if _, err := m.Terminate(ctx, rec.AgentID, true); err == nil {
			n++
		} else {
			slog.Warn("agent shutdown teardown failed", "agent_id", rec.AgentID, "error", err)
		}
	}
	return n
}

func (m *Manager) snapshot(agentID string) (*Agent, error) {
	rec, ok := m.Status(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s disappeared during spawn", agentID)
	}
	return rec, nil
}

func (m *Manager) emit(name string, data map[string]any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(context.Background(), name, data, nil)
}
