package permission

import (
	"context"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// Service exposes the manager over the permission:* event surface.
type Service struct {
	mgr *Manager
}

func NewService(mgr *Manager) *Service {
	return &Service{mgr: mgr}
}

// Register wires every permission handler into the router.
func (s *Service) Register(r *router.Router) error {
	agentParam := router.ParamSpec{Name: "agent_id", Type: "string", Required: true}

	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"permission:get_profile", s.handleGetProfile, router.HandlerOptions{
			Summary: "Fetch a named permission profile",
			Params:  []router.ParamSpec{{Name: "name", Type: "string", Required: true, Description: "profile or level name"}},
		}},
		{"permission:list_profiles", s.handleListProfiles, router.HandlerOptions{
			Summary: "List available permission profiles",
		}},
		{"permission:set_agent", s.handleSetAgent, router.HandlerOptions{
			Summary: "Resolve and assign an agent's effective permissions",
			Params: []router.ParamSpec{agentParam,
				{Name: "profile", Type: "string", Description: "base profile name, defaults to standard"},
				{Name: "overrides", Type: "object"},
				{Name: "permissions", Type: "object", Description: "full inline profile"}},
		}},
		{"permission:get_agent", s.handleGetAgent, router.HandlerOptions{
			Summary: "Fetch an agent's assigned permissions",
			Params:  []router.ParamSpec{agentParam},
		}},
		{"permission:validate_spawn", s.handleValidateSpawn, router.HandlerOptions{
			Summary: "Check whether a child spec stays within a parent's permissions",
			Params: []router.ParamSpec{
				{Name: "parent_agent_id", Type: "string", Description: "empty = daemon root"},
				{Name: "child", Type: "object", Required: true, Description: "profile/overrides/permissions spec"}},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleGetProfile(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return event.ErrorResponse("name required"), nil
	}
	profile, err := s.mgr.Get(p.Name)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{"name": p.Name, "profile": profile}, nil
}

func (s *Service) handleListProfiles(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	return map[string]any{"profiles": s.mgr.Names()}, nil
}

type setAgentParams struct {
	AgentID     string     `json:"agent_id"`
	Profile     string     `json:"profile"`
	Overrides   *Overrides `json:"overrides"`
	Permissions *Profile   `json:"permissions"`
}

func (s *Service) handleSetAgent(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p setAgentParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	profile, err := s.mgr.Resolve(ResolveSpec{Profile: p.Profile, Overrides: p.Overrides, Inline: p.Permissions})
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	s.mgr.SetAgent(p.AgentID, profile)
	return map[string]any{"agent_id": p.AgentID, "permissions": profile}, nil
}

func (s *Service) handleGetAgent(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return event.ErrorResponse("agent_id required"), nil
	}
	profile, ok := s.mgr.GetAgent(p.AgentID)
	resp := map[string]any{"agent_id": p.AgentID, "found": ok}
	if ok {
		resp["permissions"] = profile
	}
	return resp, nil
}

type validateSpawnParams struct {
	ParentAgentID string      `json:"parent_agent_id"`
	Child         ResolveSpec `json:"child"`
}

func (s *Service) handleValidateSpawn(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p validateSpawnParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	child, err := s.mgr.Resolve(p.Child)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	valid, reasons := s.mgr.ValidateSpawnFor(p.ParentAgentID, child)
	resp := map[string]any{"valid": valid}
	if len(reasons) > 0 {
		resp["reasons"] = reasons
	}
	return resp, nil
}
