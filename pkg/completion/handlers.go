package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/router"
	"github.com/ksi-project/ksi/pkg/state"
)

// Service exposes the scheduler over the completion:* surface and
// records results into session scratch state.
type Service struct {
	scheduler *Scheduler
	store     *state.Store
}

func NewService(scheduler *Scheduler, store *state.Store) *Service {
	return &Service{scheduler: scheduler, store: store}
}

// Register wires the completion handlers into the router.
func (s *Service) Register(r *router.Router) error {
	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"completion:async", s.handleAsync, router.HandlerOptions{
			Summary: "Queue a completion request for its session",
			Params: []router.ParamSpec{
				{Name: "request_id", Type: "string", Description: "assigned when omitted"},
				{Name: "session_id", Type: "string", Description: "transient id assigned when omitted"},
				{Name: "prompt", Type: "string", Description: "prompt text; this or messages required"},
				{Name: "messages", Type: "array", Description: "chat messages, flattened into the prompt"},
				{Name: "model", Type: "string"},
				{Name: "priority", Type: "string", Description: "critical|high|normal|low|background"},
				{Name: "timeout", Type: "number", Description: "provider timeout in seconds"},
				{Name: "agent_id", Type: "string"},
				{Name: "injection_config", Type: "object"},
				{Name: "circuit_breaker_config", Type: "object",
					Description: "parent_request_id, max_depth, token_budget, time_window_s"},
			},
		}},
		{"completion:cancel", s.handleCancel, router.HandlerOptions{
			Summary: "Cancel a queued or in-flight completion",
			Params:  []router.ParamSpec{{Name: "request_id", Type: "string", Required: true}},
		}},
		{"completion:result", s.handleResult, router.HandlerOptions{
			Summary: "Terminal result of a completion; emitted by the scheduler",
		}},
		{"completion:status", s.handleStatus, router.HandlerOptions{
			Summary: "Scheduler queues, locks, and breaker counters",
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type asyncParams struct {
	RequestID       string           `json:"request_id"`
	SessionID       string           `json:"session_id"`
	Prompt          string           `json:"prompt"`
	Messages        []map[string]any `json:"messages"`
	Model           string           `json:"model"`
	Priority        string           `json:"priority"`
	MaxTokens       int              `json:"max_tokens"`
	TimeoutSeconds  float64          `json:"timeout"`
	AgentID         string           `json:"agent_id"`
	WorkingDir      string           `json:"working_dir"`
	IsInjection     bool             `json:"is_injection"`
	InjectionConfig map[string]any   `json:"injection_config"`
	CircuitBreaker  breakerParams    `json:"circuit_breaker_config"`
}

type breakerParams struct {
	ParentRequestID string  `json:"parent_request_id"`
	MaxDepth        int     `json:"max_depth"`
	TokenBudget     int     `json:"token_budget"`
	TimeWindowS     float64 `json:"time_window_s"`
}

func (s *Service) handleAsync(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p asyncParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	prompt := p.Prompt
	if prompt == "" && len(p.Messages) > 0 {
		prompt = flattenMessages(p.Messages)
	}
	if prompt == "" {
		return event.ErrorResponse("prompt or messages required"), nil
	}
	priority, err := ParsePriority(p.Priority)
	if err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	if p.IsInjection && p.Priority == "" {
		priority = PriorityHigh
	}

	res, err := s.scheduler.Enqueue(Request{
		RequestID:       p.RequestID,
		SessionID:       p.SessionID,
		Prompt:          prompt,
		Model:           p.Model,
		Priority:        priority,
		MaxTokens:       p.MaxTokens,
		Timeout:         time.Duration(p.TimeoutSeconds * float64(time.Second)),
		AgentID:         p.AgentID,
		WorkingDir:      p.WorkingDir,
		IsInjection:     p.IsInjection,
		InjectionConfig: p.InjectionConfig,
		Breaker: BreakerOverrides{
			ParentRequestID: p.CircuitBreaker.ParentRequestID,
			MaxDepth:        p.CircuitBreaker.MaxDepth,
			TokenBudget:     p.CircuitBreaker.TokenBudget,
			TimeWindow:      time.Duration(p.CircuitBreaker.TimeWindowS * float64(time.Second)),
		},
	})
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"status":     res.Status,
		"request_id": res.RequestID,
		"session_id": res.SessionID,
	}
	if res.Status == StatusBlocked {
		resp["reason"] = "circuit_breaker"
		resp["check"] = res.Check
		for k, v := range res.Detail {
			resp[k] = v
		}
		return resp, nil
	}
	resp["priority"] = res.Priority.String()
	resp["queue_depth"] = res.QueueDepth
	return resp, nil
}

func (s *Service) handleCancel(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	requestID, _ := data["request_id"].(string)
	if requestID == "" {
		return event.ErrorResponse("request_id required"), nil
	}
	res := s.scheduler.Cancel(requestID)
	return map[string]any{"status": res.Status, "request_id": res.RequestID}, nil
}

type resultParams struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	Status    string `json:"status"`
}

// handleResult mirrors each terminal result into the session's scratch
// state so state:session:get serves the last output. It responds with
// nothing; the injection router listens on the same event.
func (s *Service) handleResult(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	if s.store == nil {
		return nil, nil
	}
	var p resultParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, nil
	}
	_, err := s.store.SessionUpdate(ctx, p.SessionID, map[string]any{
		"last_output":     p.Result,
		"last_request_id": p.RequestID,
		"last_status":     p.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("record session output: %w", err)
	}
	return nil, nil
}

func (s *Service) handleStatus(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	return s.scheduler.Status(), nil
}

// flattenMessages renders chat messages as role-prefixed paragraphs
// for the argv-based provider contract.
func flattenMessages(messages []map[string]any) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		if role, _ := m["role"].(string); role != "" {
			parts = append(parts, role+": "+content)
		} else {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}
