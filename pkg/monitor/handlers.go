// Package monitor exposes the event log and the correlation store over
// the monitor:* and correlation:* event surfaces.
//
// get_events reads the hot ring; queries that filter on session,
// originator, correlation, or a time range go to the SQLite index
// instead. Subscriptions attach the calling connection's writer to the
// router's broadcast path.
package monitor

import (
	"context"
	"time"

	"github.com/ksi-project/ksi/pkg/correlation"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/router"
)

// defaultLimit caps result sets when the caller does not say.
const defaultLimit = 100

// Service serves monitoring and trace inspection.
type Service struct {
	log    *eventlog.Log
	traces *correlation.Store
	router *router.Router

	// traceMaxAge is the default age for correlation:cleanup when the
	// caller does not pass one.
	traceMaxAge time.Duration
}

func NewService(log *eventlog.Log, traces *correlation.Store, rt *router.Router, traceMaxAge time.Duration) *Service {
	if traceMaxAge <= 0 {
		traceMaxAge = 24 * time.Hour
	}
	return &Service{log: log, traces: traces, router: rt, traceMaxAge: traceMaxAge}
}

// Register wires the monitor and correlation handlers into the router.
func (s *Service) Register(r *router.Router) error {
	regs := []struct {
		pattern string
		handler router.HandlerFunc
		opts    router.HandlerOptions
	}{
		{"monitor:get_events", s.handleGetEvents, router.HandlerOptions{
			Summary: "Recent events from the ring, or an index query when filtered",
			Params: []router.ParamSpec{
				{Name: "patterns", Type: "array", Description: "event name patterns, suffix globs allowed"},
				{Name: "limit", Type: "integer", Description: "default 100"},
				{Name: "session_id", Type: "string", Description: "filter via the index"},
				{Name: "originator_id", Type: "string", Description: "filter via the index"},
				{Name: "correlation_id", Type: "string", Description: "filter via the index"},
				{Name: "since", Type: "number", Description: "inclusive start, float seconds"},
				{Name: "until", Type: "number", Description: "inclusive end, float seconds"},
			},
		}},
		{"monitor:get_stats", s.handleGetStats, router.HandlerOptions{
			Summary: "Event log, subscriber, and trace counters",
		}},
		{"monitor:subscribe", s.handleSubscribe, router.HandlerOptions{
			Summary: "Stream matching events to this connection",
			Params: []router.ParamSpec{
				{Name: "patterns", Type: "array", Description: "default [\"*\"]"},
			},
		}},
		{"monitor:unsubscribe", s.handleUnsubscribe, router.HandlerOptions{
			Summary: "Stop streaming to this connection",
		}},
		{"monitor:get_session_events", s.handleGetSessionEvents, router.HandlerOptions{
			Summary: "Indexed events for one session, newest first",
			Params: []router.ParamSpec{
				{Name: "session_id", Type: "string", Required: true},
				{Name: "limit", Type: "integer"},
			},
		}},
		{"monitor:get_correlation_chain", s.handleChain, router.HandlerOptions{
			Summary: "Trace chain from the given id up to its root",
			Params:  []router.ParamSpec{{Name: "correlation_id", Type: "string", Required: true}},
		}},
		{"correlation:trace", s.handleTrace, router.HandlerOptions{
			Summary: "One trace by correlation id",
			Params:  []router.ParamSpec{{Name: "correlation_id", Type: "string", Required: true}},
		}},
		{"correlation:chain", s.handleChain, router.HandlerOptions{
			Summary: "Trace chain from the given id up to its root",
			Params:  []router.ParamSpec{{Name: "correlation_id", Type: "string", Required: true}},
		}},
		{"correlation:tree", s.handleTree, router.HandlerOptions{
			Summary: "Full trace tree containing the given id",
			Params:  []router.ParamSpec{{Name: "correlation_id", Type: "string", Required: true}},
		}},
		{"correlation:stats", s.handleTraceStats, router.HandlerOptions{
			Summary: "Correlation store counters",
		}},
		{"correlation:cleanup", s.handleCleanup, router.HandlerOptions{
			Summary: "Purge closed traces older than max_age_hours",
			Params:  []router.ParamSpec{{Name: "max_age_hours", Type: "number"}},
		}},
	}
	for _, reg := range regs {
		if err := r.Register(reg.pattern, reg.handler, reg.opts); err != nil {
			return err
		}
	}
	return nil
}

type eventsParams struct {
	Patterns      []string `json:"patterns"`
	EventPatterns []string `json:"event_patterns"`
	Limit         int      `json:"limit"`
	SessionID     string   `json:"session_id"`
	OriginatorID  string   `json:"originator_id"`
	CorrelationID string   `json:"correlation_id"`
	Since         float64  `json:"since"`
	Until         float64  `json:"until"`
}

func (p *eventsParams) patterns() []string {
	if len(p.Patterns) > 0 {
		return p.Patterns
	}
	return p.EventPatterns
}

func (p *eventsParams) indexed() bool {
	return p.SessionID != "" || p.OriginatorID != "" || p.CorrelationID != "" ||
		p.Since != 0 || p.Until != 0
}

func (s *Service) handleGetEvents(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p eventsParams
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var entries []*eventlog.Entry
	if p.indexed() {
		var err error
		entries, err = s.log.Query(ctx, eventlog.QueryOptions{
			EventPatterns: p.patterns(),
			OriginatorID:  p.OriginatorID,
			SessionID:     p.SessionID,
			CorrelationID: p.CorrelationID,
			StartTime:     p.Since,
			EndTime:       p.Until,
			Limit:         limit,
		})
		if err != nil {
			return event.Errorf("event query failed: %v", err), nil
		}
	} else {
		entries = s.log.Recent(limit, p.patterns())
	}
	return map[string]any{"events": entries, "count": len(entries)}, nil
}

func (s *Service) handleGetStats(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	return map[string]any{
		"events":      s.log.Stats(ctx),
		"subscribers": s.router.SubscriberCount(),
		"traces":      s.traces.Stats(),
	}, nil
}

func (s *Service) handleSubscribe(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	if ectx == nil || ectx.ClientID == "" || ectx.Writer == nil {
		return event.ErrorResponse("subscribe requires a client connection"), nil
	}
	var p struct {
		Patterns []string `json:"patterns"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if len(p.Patterns) == 0 {
		p.Patterns = []string{"*"}
	}
	if err := s.router.Subscribe(ectx.ClientID, p.Patterns, ectx.Writer); err != nil {
		return event.ErrorResponse(err.Error()), nil
	}
	return map[string]any{
		"status":    "subscribed",
		"client_id": ectx.ClientID,
		"patterns":  p.Patterns,
	}, nil
}

func (s *Service) handleUnsubscribe(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	if ectx == nil || ectx.ClientID == "" {
		return event.ErrorResponse("unsubscribe requires a client connection"), nil
	}
	s.router.Unsubscribe(ectx.ClientID)
	return map[string]any{"status": "unsubscribed", "client_id": ectx.ClientID}, nil
}

func (s *Service) handleGetSessionEvents(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return event.ErrorResponse("session_id required"), nil
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	entries, err := s.log.Query(ctx, eventlog.QueryOptions{SessionID: p.SessionID, Limit: p.Limit})
	if err != nil {
		return event.Errorf("event query failed: %v", err), nil
	}
	return map[string]any{
		"session_id": p.SessionID,
		"events":     entries,
		"count":      len(entries),
	}, nil
}

func (s *Service) handleTrace(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	id, _ := data["correlation_id"].(string)
	if id == "" {
		return event.ErrorResponse("correlation_id required"), nil
	}
	tr, ok := s.traces.Get(id)
	if !ok {
		return event.Errorf("trace %s not found", id), nil
	}
	return map[string]any{"trace": tr}, nil
}

func (s *Service) handleChain(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	id, _ := data["correlation_id"].(string)
	if id == "" {
		return event.ErrorResponse("correlation_id required"), nil
	}
	chain := s.traces.Chain(id)
	return map[string]any{
		"correlation_id": id,
		"chain":          chain,
		"count":          len(chain),
	}, nil
}

func (s *Service) handleTree(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	id, _ := data["correlation_id"].(string)
	if id == "" {
		return event.ErrorResponse("correlation_id required"), nil
	}
	node, ok := s.traces.Tree(id)
	if !ok {
		return event.Errorf("trace %s not found", id), nil
	}
	return map[string]any{"tree": node}, nil
}

func (s *Service) handleTraceStats(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	return s.traces.Stats(), nil
}

func (s *Service) handleCleanup(ctx context.Context, ectx *event.Context, data map[string]any) (any, error) {
	var p struct {
		MaxAgeHours float64 `json:"max_age_hours"`
	}
	if err := event.DecodeParams(data, &p); err != nil {
		return nil, err
	}
	maxAge := s.traceMaxAge
	if p.MaxAgeHours > 0 {
		maxAge = time.Duration(p.MaxAgeHours * float64(time.Hour))
	}
	removed := s.traces.Cleanup(maxAge)
	return map[string]any{
		"removed":       removed,
		"max_age_hours": maxAge.Hours(),
	}, nil
}
