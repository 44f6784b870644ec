package sandbox

import (
	"context"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// Service exposes the manager over the sandbox:* event surface.
type Service struct {
	mgr *Manager
}

func NewService(mgr *Manager) *Service {
	return &Service{mgr: mgr}
}

// Register wires every sandbox handler into the router.
func (s *Service) Register(r *router.Router) error {
	agentParam := router.ParamSpec{Name: "agent_id", Type: "string", Required: true}

	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"sandbox:create", s.handleCreate, router.HandlerOptions{
			Summary: "Create a fresh sandbox directory for an agent",
			Params: []router.ParamSpec{agentParam,
				{Name: "mode", Type: "string", Description: "isolated|shared|readonly, defaults to isolated"},
				{Name: "parent_agent_id", Type: "string"},
				{Name: "session_id", Type: "string"},
				{Name: "parent_share", Type: "string", Description: "none|read_only|read_write"},
				{Name: "session_share", Type: "bool"}},
		}},
		{"sandbox:get", s.handleGet, router.HandlerOptions{
			Summary: "Fetch an agent's sandbox record",
			Params:  []router.ParamSpec{agentParam},
		}},
		{"sandbox:remove", s.handleRemove, router.HandlerOptions{
			Summary: "Remove an agent's sandbox; refuses with children unless forced",
			Params:  []router.ParamSpec{agentParam, {Name: "force", Type: "bool"}},
		}},
		{"sandbox:list", s.handleList, router.HandlerOptions{
			Summary: "List all sandboxes",
		}},
		{"sandbox:stats", s.handleStats, router.HandlerOptions{
			Summary: "Sandbox counts by mode",
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type createParams struct {
	AgentID string `json:"agent_id"`
	Config  `mapstructure:",squash"`
}

func (s *Service) handleCreate(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p createParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	box, err := s.mgr.Create(p.AgentID, p.Config)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{"status": "created", "sandbox": box}, nil
}

func (s *Service) handleGet(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	box, ok := s.mgr.Get(p.AgentID)
	resp := map[string]any{"agent_id": p.AgentID, "found": ok}
	if ok {
		resp["sandbox"] = box
	}
	return resp, nil
}

func (s *Service) handleRemove(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
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
	if err := s.mgr.Remove(p.AgentID, p.Force); err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{"status": "removed", "agent_id": p.AgentID}, nil
}

func (s *Service) handleList(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	boxes := s.mgr.List()
	out := make([]any, len(boxes))
	for i, box := range boxes {
		out[i] = box
	}
	return map[string]any{"sandboxes": out, "count": len(out)}, nil
}

func (s *Service) handleStats(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	return s.mgr.Stats(), nil
}
