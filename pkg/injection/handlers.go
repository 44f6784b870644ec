package injection

import (
	"context"
	"fmt"

	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
)

// Service exposes the injection queues over the injection:* surface
// and hangs the result listener off completion:result.
type Service struct {
	router *Router
}

func NewService(r *Router) *Service {
	return &Service{router: r}
}

// Register wires the injection handlers into the router.
func (s *Service) Register(r *router.Router) error {
	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"injection:inject", s.handleInject, router.HandlerOptions{
			Summary: "Inject content into one or more sessions",
			Params: []router.ParamSpec{
				{Name: "content", Type: "string", Required: true},
				{Name: "session_id", Type: "string", Description: "single target; or use target_sessions"},
				{Name: "target_sessions", Type: "array"},
				{Name: "mode", Type: "string", Description: "next (default) or direct"},
				{Name: "position", Type: "string", Description: "prepend|postscript|system_reminder|before_prompt|after_prompt"},
				{Name: "model", Type: "string", Description: "model for direct mode"},
				{Name: "parent_request_id", Type: "string", Description: "chains direct injections for depth accounting"},
			},
		}},
		{"injection:batch", s.handleBatch, router.HandlerOptions{
			Summary: "Apply several injections in one call",
			Params:  []router.ParamSpec{{Name: "injections", Type: "array", Required: true}},
		}},
		{"injection:list", s.handleList, router.HandlerOptions{
			Summary: "List queued next-mode injections",
			Params:  []router.ParamSpec{{Name: "session_id", Type: "string", Description: "omit to list every session"}},
		}},
		{"injection:clear", s.handleClear, router.HandlerOptions{
			Summary: "Drop a session's queued injections",
			Params:  []router.ParamSpec{{Name: "session_id", Type: "string", Required: true}},
		}},
		{"completion:result", s.router.HandleResult, router.HandlerOptions{
			Summary: "Route follow-up injections for results that opted in",
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type injectParams struct {
	SessionID       string   `json:"session_id"`
	TargetSessions  []string `json:"target_sessions"`
	Content         string   `json:"content"`
	Mode            string   `json:"mode"`
	Position        string   `json:"position"`
	Model           string   `json:"model"`
	TriggerType     string   `json:"trigger_type"`
	ParentRequestID string   `json:"parent_request_id"`
}

// handleInject delivers caller-supplied content verbatim; composition
// (boilerplate, wrapping) is only for router-triggered injections.
func (s *Service) handleInject(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p injectParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.Content == "" {
		return event.ErrorResponse("content required"), nil
	}
	targets := p.TargetSessions
	if len(targets) == 0 && p.SessionID != "" {
		targets = []string{p.SessionID}
	}
	if len(targets) == 0 {
		return event.ErrorResponse("session_id or target_sessions required"), nil
	}

	content := truncateContent(p.Content, s.router.cfg.MaxContentBytes)
	switch p.Mode {
	case ModeDirect:
		return s.router.deliverDirect(p.ParentRequestID, targets, content, p.Model)
	case "", ModeNext:
		return s.router.deliverNext(ctx, p.ParentRequestID, targets, content, p.Position, p.TriggerType)
	default:
		return event.Errorf("invalid injection mode %q", p.Mode), nil
	}
}

func (s *Service) handleBatch(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		Injections []map[string]any `json:"injections"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if len(p.Injections) == 0 {
		return event.ErrorResponse("injections required"), nil
	}
	results := make([]any, 0, len(p.Injections))
	for _, inj := range p.Injections {
		res, err := s.handleInject(ctx, ectx, inj)
		if err != nil {
			res = event.ErrorResponse(err.Error())
		}
		results = append(results, res)
	}
	return map[string]any{"count": len(results), "results": results}, nil
}

func (s *Service) handleList(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	if s.router.store == nil {
		return nil, fmt.Errorf("state store unavailable")
	}
	sessionID, _ := data["session_id"].(string)
	if sessionID != "" {
		items, err := s.router.store.GetQueue(ctx, completion.InjectionNamespace, sessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": sessionID, "count": len(items), "items": items}, nil
	}

	keys, err := s.router.store.QueueKeys(ctx, completion.InjectionNamespace)
	if err != nil {
		return nil, err
	}
	sessions := make([]map[string]any, 0, len(keys))
	total := 0
	for _, key := range keys {
		n, err := s.router.store.QueueLength(ctx, completion.InjectionNamespace, key)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, map[string]any{"session_id": key, "count": n})
		total += n
	}
	return map[string]any{"sessions": sessions, "total": total}, nil
}

func (s *Service) handleClear(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	if s.router.store == nil {
		return nil, fmt.Errorf("state store unavailable")
	}
	sessionID, _ := data["session_id"].(string)
	if sessionID == "" {
		return event.ErrorResponse("session_id required"), nil
	}
	removed, err := s.router.store.DeleteQueue(ctx, completion.InjectionNamespace, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "cleared", "session_id": sessionID, "removed": removed}, nil
}
