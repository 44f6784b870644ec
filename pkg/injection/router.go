// Package injection routes follow-up prompts between sessions.
//
// The router listens on completion:result. When the finished request
// opted in through injection_config and was not itself injected, the
// result is composed into reminder content and delivered to each
// target session. Direct mode starts a new high-priority completion
// immediately; next mode parks the content in the state queue the
// completion scheduler drains into that session's next prompt.
package injection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ksi-project/ksi/pkg/completion"
	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/state"
)

// Router decides, per completion result, whether follow-up content is
// injected and how it travels.
type Router struct {
	cfg     config.InjectionConfig
	sched   *completion.Scheduler
	breaker *completion.Breaker
	store   *state.Store
}

// NewRouter builds an injection router. store may be nil only when
// next-mode delivery is never used.
func NewRouter(cfg config.InjectionConfig, sched *completion.Scheduler, breaker *completion.Breaker, store *state.Store) *Router {
	return &Router{cfg: cfg, sched: sched, breaker: breaker, store: store}
}

type resultParams struct {
	RequestID       string         `json:"request_id"`
	SessionID       string         `json:"session_id"`
	Result          string         `json:"result"`
	Status          string         `json:"status"`
	IsInjection     bool           `json:"is_injection"`
	InjectionConfig map[string]any `json:"injection_config"`
}

// HandleResult is the completion:result listener. Results without an
// enabled directive pass through silently; injected results never
// re-trigger (that loop would be bounded only by the breaker).
func (r *Router) HandleResult(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p resultParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if len(p.InjectionConfig) == 0 {
		return nil, nil
	}
	var d Directive
	if err := event.DecodeParams(p.InjectionConfig, &d); err != nil {
		return nil, fmt.Errorf("decode injection_config: %w", err)
	}
	if !d.Enabled {
		return nil, nil
	}

	log := slog.With("request_id", p.RequestID, "session_id", p.SessionID)
	if p.IsInjection {
		log.Debug("injection suppressed, result was itself injected")
		return nil, nil
	}
	if p.Status != "" && p.Status != completion.StatusSuccess {
		log.Debug("injection skipped for non-success result", "status", p.Status)
		return nil, nil
	}

	depth := r.breaker.NextDepth(p.RequestID)
	if maxDepth := r.breaker.MaxDepth(); depth >= maxDepth {
		log.Warn("injection blocked, chain depth exhausted",
			"depth", depth, "max_depth", maxDepth)
		return map[string]any{
			"status":        "blocked",
			"reason":        "circuit_breaker",
			"check":         "ideation_depth",
			"current_depth": depth,
			"max_depth":     maxDepth,
		}, nil
	}

	content := Compose(p.Result, d, r.cfg.MaxContentBytes)
	targets := d.TargetSessions
	if len(targets) == 0 {
		targets = []string{p.SessionID}
	}

	switch d.Mode {
	case ModeDirect:
		return r.deliverDirect(p.RequestID, targets, content, d.Model)
	case "", ModeNext:
		return r.deliverNext(ctx, p.RequestID, targets, content, d.Position, d.TriggerType)
	default:
		return event.Errorf("invalid injection mode %q", d.Mode), nil
	}
}

// deliverDirect starts a high-priority completion per target. The new
// requests chain to the originating one, so the breaker sees the full
// ideation depth even across sessions.
func (r *Router) deliverDirect(parentRequestID string, targets []string, content, model string) (any, error) {
	delivered := make([]map[string]any, 0, len(targets))
	for _, target := range targets {
		res, err := r.sched.Enqueue(completion.Request{
			SessionID:   target,
			Prompt:      content,
			Model:       model,
			Priority:    completion.PriorityHigh,
			IsInjection: true,
			Breaker:     completion.BreakerOverrides{ParentRequestID: parentRequestID},
		})
		if err != nil {
			return nil, fmt.Errorf("inject into %s: %w", target, err)
		}
		entry := map[string]any{
			"session_id": target,
			"request_id": res.RequestID,
			"status":     res.Status,
		}
		if res.Status == completion.StatusBlocked {
			entry["check"] = res.Check
		}
		delivered = append(delivered, entry)
	}
	return map[string]any{"status": "injected", "mode": ModeDirect, "requests": delivered}, nil
}

// deliverNext queues the content for each target's next completion.
func (r *Router) deliverNext(ctx context.Context, sourceRequestID string, targets []string, content, position, triggerType string) (any, error) {
	if r.store == nil {
		return nil, fmt.Errorf("next-mode injection needs the state store")
	}
	if position == "" {
		position = PositionPrepend
	}
	if !ValidPosition(position) {
		return event.Errorf("invalid position %q", position), nil
	}

	queued := make([]map[string]any, 0, len(targets))
	for _, target := range targets {
		item := map[string]any{
			"content":  content,
			"position": position,
		}
		if sourceRequestID != "" {
			item["source_request_id"] = sourceRequestID
		}
		if triggerType != "" {
			item["trigger_type"] = triggerType
		}
		n, err := r.store.Push(ctx, completion.InjectionNamespace, target, item, r.cfg.QueueTTL)
		if err != nil {
			return nil, fmt.Errorf("queue injection for %s: %w", target, err)
		}
		queued = append(queued, map[string]any{"session_id": target, "queue_length": n})
	}
	return map[string]any{"status": "queued", "mode": ModeNext, "queued": queued}, nil
}
