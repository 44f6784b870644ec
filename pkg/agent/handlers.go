package agent

import (
	"context"
	"errors"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/permission"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/sandbox"
)

// Service exposes the manager over the agent:* surface.
type Service struct {
	manager *Manager
}

func NewService(m *Manager) *Service {
	return &Service{manager: m}
}

// Register wires the agent handlers into the router.
func (s *Service) Register(r *router.Router) error {
	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"agent:spawn", s.handleSpawn, router.HandlerOptions{
			Summary: "Spawn an agent: compose, validate, sandbox, record, prompt",
			Params: []router.ParamSpec{
				{Name: "agent_id", Type: "string", Description: "assigned when omitted"},
				{Name: "profile", Type: "string", Description: "profile composition name"},
				{Name: "composition", Type: "string", Description: "alias for profile"},
				{Name: "session_id", Type: "string"},
				{Name: "prompt", Type: "string", Description: "initial completion prompt"},
				{Name: "model", Type: "string"},
				{Name: "permission_profile", Type: "string"},
				{Name: "permission_overrides", Type: "object"},
				{Name: "permissions", Type: "object", Description: "inline profile, replaces permission_profile"},
				{Name: "sandbox_config", Type: "object"},
				{Name: "parent_agent_id", Type: "string"},
				{Name: "vars", Type: "object", Description: "composition variables"},
			},
		}},
		{"agent:terminate", s.handleTerminate, router.HandlerOptions{
			Summary: "Terminate an agent and tear its sandbox down",
			Params: []router.ParamSpec{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "force", Type: "boolean", Description: "remove sandboxes with live children"},
			},
		}},
		{"agent:send_message", s.handleSendMessage, router.HandlerOptions{
			Summary: "Push a message into an agent's inbox queue",
			Params: []router.ParamSpec{
				{Name: "agent_id", Type: "string", Required: true},
				{Name: "message", Type: "object", Required: true},
				{Name: "from_agent_id", Type: "string"},
			},
		}},
		{"agent:status", s.handleStatus, router.HandlerOptions{
			Summary: "One agent's record",
			Params:  []router.ParamSpec{{Name: "agent_id", Type: "string", Required: true}},
		}},
		{"agent:list", s.handleList, router.HandlerOptions{
			Summary: "Every live agent, sorted by id",
		}},
		{"completion:result", s.handleResult, router.HandlerOptions{
			Summary: "Track agent sessions across completion results",
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type spawnParams struct {
	AgentID             string                `json:"agent_id"`
	Profile             string                `json:"profile"`
	Composition         string                `json:"composition"`
	SessionID           string                `json:"session_id"`
	Prompt              string                `json:"prompt"`
	Model               string                `json:"model"`
	PermissionProfile   string                `json:"permission_profile"`
	PermissionOverrides *permission.Overrides `json:"permission_overrides"`
	Permissions         *permission.Profile   `json:"permissions"`
	SandboxConfig       sandbox.Config        `json:"sandbox_config"`
	ParentAgentID       string                `json:"parent_agent_id"`
	Vars                map[string]any        `json:"vars"`
}

func (s *Service) handleSpawn(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p spawnParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	profile := p.Profile
	if profile == "" {
		profile = p.Composition
	}

	rec, err := s.manager.Spawn(ctx, SpawnSpec{
		AgentID:   p.AgentID,
		Profile:   profile,
		SessionID: p.SessionID,
		Prompt:    p.Prompt,
		Model:     p.Model,
		Permission: permission.ResolveSpec{
			Profile:   p.PermissionProfile,
			Overrides: p.PermissionOverrides,
			Inline:    p.Permissions,
		},
		Sandbox:       p.SandboxConfig,
		ParentAgentID: p.ParentAgentID,
		Vars:          p.Vars,
	})
	if err != nil {
		var denied *SpawnDenied
		if errors.As(err, &denied) {
			return map[string]any{
				"error":    "spawn denied",
				"valid":    false,
				"agent_id": denied.AgentID,
				"reasons":  denied.Reasons,
			}, nil
		}
		return event.ErrorResponse(err.Error()), nil
	}

	resp := map[string]any{
		"status":       rec.Status,
		"agent_id":     rec.AgentID,
		"session_id":   rec.SessionID,
		"depth":        rec.Depth,
		"sandbox_path": rec.SandboxPath,
	}
	if rec.InitialRequestID != "" {
		resp["request_id"] = rec.InitialRequestID
	}
	return resp, nil
}

func (s *Service) handleTerminate(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
		Force   bool   `json:"force"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	res, err := s.manager.Terminate(ctx, p.AgentID, p.Force)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{
		"status":             res.Status,
		"agent_id":           res.AgentID,
		"cancelled_requests": res.CancelledRequests,
	}, nil
}

func (s *Service) handleSendMessage(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	agentID, _ := data["agent_id"].(string)
	if agentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	message, ok := data["message"]
	if !ok || message == nil {
		return event.ErrorResponse("message required"), nil
	}
	fromAgentID, _ := data["from_agent_id"].(string)

	n, err := s.manager.SendMessage(ctx, agentID, message, fromAgentID)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{"status": "sent", "agent_id": agentID, "queue_length": n}, nil
}

func (s *Service) handleStatus(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	agentID, _ := data["agent_id"].(string)
	if agentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	rec, ok := s.manager.Status(agentID)
	if !ok {
		return event.Errorf("agent %s not found", agentID), nil
	}
	return map[string]any{"agent": rec}, nil
}

func (s *Service) handleList(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	agents := s.manager.List()
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

// handleResult keeps agent records current as their completions
// finish; results without an agent id pass through.
func (s *Service) handleResult(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
		AgentID   string `json:"agent_id"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, nil
	}
	s.manager.RecordResult(p.AgentID, p.SessionID, p.RequestID, p.Status)
	return nil, nil
}
