// Package router dispatches events to registered handlers.
//
// Handlers register under exact names or suffix globs. Dispatch is
// log-then-ack: the event is recorded to the event log before any
// handler runs, so a caller never observes a response to an unlogged
// event. Handler errors and panics are trapped and surfaced as
// {"error": ...} responses; they never take the daemon down.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/correlation"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/eventlog"
)

// HandlerFunc handles one event dispatch. The standard context carries
// cancellation and the per-call deadline; ectx carries identity and the
// bound emitter for nested emissions.
type HandlerFunc func(ctx context.Context, ectx *event.Context, data map[string]any) (any, error)

// ParamSpec documents one handler parameter for system:discover.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// HandlerOptions carries registration metadata. Zero value is fine for
// internal handlers that need no discovery entry.
type HandlerOptions struct {
	Summary string
	Params  []ParamSpec
}

type registration struct {
	pattern string
	handler HandlerFunc
	opts    HandlerOptions
	order   int
}

// RegistrationInfo is the discovery view of one registration.
type RegistrationInfo struct {
	Pattern string      `json:"event"`
	Summary string      `json:"summary,omitempty"`
	Params  []ParamSpec `json:"params,omitempty"`
}

// Router owns the handler registry, the subscriber set, and the
// dispatch loop. Safe for concurrent use.
type Router struct {
	mu    sync.RWMutex
	exact map[string][]*registration
	globs []*registration
	order int

	log    *eventlog.Log
	traces *correlation.Store
	subs   *subscriberSet

	// handlerTimeout bounds one handler call when the inbound context
	// has no deadline of its own.
	handlerTimeout time.Duration
}

// New builds a router over the given log and trace store.
func New(log *eventlog.Log, traces *correlation.Store, handlerTimeout time.Duration, subscriberBuffer int) *Router {
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &Router{
		exact:          make(map[string][]*registration),
		log:            log,
		traces:         traces,
		subs:           newSubscriberSet(subscriberBuffer),
		handlerTimeout: handlerTimeout,
	}
}

// Register adds a handler for an exact event name or a suffix glob.
// Duplicate exact names form an ordered list; all are invoked on
// dispatch. Glob handlers run after exact ones, in registration order.
func (r *Router) Register(pattern string, handler HandlerFunc, opts HandlerOptions) error {
	if !event.ValidPattern(pattern) {
		return fmt.Errorf("invalid handler pattern %q", pattern)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for pattern %q", pattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg := &registration{pattern: pattern, handler: handler, opts: opts, order: r.order}
	r.order++

	if pattern == "*" || pattern[len(pattern)-1] == '*' {
		r.globs = append(r.globs, reg)
	} else {
		r.exact[pattern] = append(r.exact[pattern], reg)
	}
	return nil
}

// Registrations returns discovery metadata for every registration,
// sorted by pattern then registration order.
func (r *Router) Registrations() []RegistrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RegistrationInfo
	for _, regs := range r.exact {
		for _, reg := range regs {
			out = append(out, RegistrationInfo{Pattern: reg.pattern, Summary: reg.opts.Summary, Params: reg.opts.Params})
		}
	}
	for _, reg := range r.globs {
		out = append(out, RegistrationInfo{Pattern: reg.pattern, Summary: reg.opts.Summary, Params: reg.opts.Params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// Emit dispatches an event to every matching handler and returns their
// non-nil responses in invocation order. See EmitFirst for the
// first-response variant the transport uses.
func (r *Router) Emit(ctx context.Context, name string, data map[string]any, ectx *event.Context) []any {
	responses, _ := r.dispatch(ctx, name, data, ectx, false)
	return responses
}

// EmitFirst dispatches an event and returns the first non-nil handler
// response, skipping the remaining handlers.
func (r *Router) EmitFirst(ctx context.Context, name string, data map[string]any, ectx *event.Context) any {
	responses, _ := r.dispatch(ctx, name, data, ectx, true)
	if len(responses) == 0 {
		return nil
	}
	return responses[0]
}

var _ event.Emitter = (*Router)(nil)

func (r *Router) dispatch(ctx context.Context, name string, data map[string]any, ectx *event.Context, first bool) ([]any, string) {
	if ectx == nil {
		ectx = &event.Context{}
	}
	if !event.ValidName(name) {
		return []any{event.Errorf("invalid event name %q", name)}, ""
	}

	// Correlation: reuse an explicit id from the payload, otherwise
	// mint one as a child of the emitting handler's trace.
	corrID, parentID := r.resolveCorrelation(data, ectx)
	r.traces.Begin(corrID, parentID, name, sanitizeTraceData(data))

	ev := event.New(name, data)
	ev.CorrelationID = corrID
	if ev.OriginatorID == "" {
		ev.OriginatorID = ectx.ClientID
	}

	// Log before any handler observes the event or the caller a
	// response.
	r.log.Append(ev)
	r.subs.broadcast(ev)

	handlerCtx := &event.Context{
		ClientID:      ectx.ClientID,
		CorrelationID: corrID,
		EventName:     name,
		Writer:        ectx.Writer,
		Emitter:       r,
	}

	var responses []any
	var firstErr string
	for _, reg := range r.match(name) {
		result, err := r.callHandler(ctx, reg, handlerCtx, data)
		if err != nil {
			msg := err.Error()
			if firstErr == "" {
				firstErr = msg
			}
			responses = append(responses, event.ErrorResponse(msg))
			r.recordError(name, corrID, msg)
			if first {
				break
			}
			continue
		}
		if result != nil {
			responses = append(responses, result)
			if first {
				break
			}
		}
	}

	if firstErr != "" {
		r.traces.End(corrID, nil, firstErr)
	} else {
		var result any
		if len(responses) == 1 {
			result = responses[0]
		} else if len(responses) > 1 {
			result = responses
		}
		r.traces.End(corrID, result, "")
	}
	return responses, corrID
}

// resolveCorrelation picks the dispatch's correlation id and its parent
// link.
func (r *Router) resolveCorrelation(data map[string]any, ectx *event.Context) (corrID, parentID string) {
	if data != nil {
		if v, ok := data["correlation_id"].(string); ok && v != "" {
			// Explicit id: join it, linking under the emitter when the
			// id is new.
			return v, ectx.CorrelationID
		}
	}
	return event.NewCorrelationID(), ectx.CorrelationID
}

// Handles reports whether any registration matches name. The transport
// uses it to tell unhandled events apart from silent listeners.
func (r *Router) Handles(name string) bool {
	return len(r.match(name)) > 0
}

// match returns handlers for name: exact registrations first, then
// glob matches, both in registration order.
func (r *Router) match(name string) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*registration
	out = append(out, r.exact[name]...)
	for _, reg := range r.globs {
		if event.MatchPattern(reg.pattern, name) {
			out = append(out, reg)
		}
	}
	return out
}

// callHandler invokes one handler with the per-call timeout, trapping
// panics. A handler that outlives its deadline is abandoned; its
// goroutine exits when it honors the context.
func (r *Router) callHandler(ctx context.Context, reg *registration, ectx *event.Context, data map[string]any) (any, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		callCtx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic",
					"event", ectx.EventName, "pattern", reg.pattern,
					"panic", rec, "stack", string(debug.Stack()))
				ch <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		result, err := reg.handler(callCtx, ectx, data)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("handler for %s timed out: %w", ectx.EventName, callCtx.Err())
	}
}

// recordError logs a system:error event for a failed handler call. The
// event is appended and broadcast but not dispatched, so a failing
// error handler cannot recurse.
func (r *Router) recordError(name, corrID, msg string) {
	slog.Error("handler error", "event", name, "correlation_id", corrID, "error", msg)
	ev := event.New("system:error", map[string]any{
		"source_event": name,
		"error":        msg,
	})
	ev.CorrelationID = corrID
	r.log.Append(ev)
	r.subs.broadcast(ev)
}

// sanitizeTraceData keeps trace payloads small: oversized values are
// better served by the event log, which externalizes them.
func sanitizeTraceData(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && len(s) > 256 {
			out[k] = s[:256]
			continue
		}
		out[k] = v
	}
	return out
}

// Subscribe attaches a streaming subscriber: every subsequent event
// matching patterns is written as one JSON line to w. An existing
// subscription for the client is replaced.
func (r *Router) Subscribe(clientID string, patterns []string, w event.LineWriter) error {
	if w == nil {
		return fmt.Errorf("subscribe %s: no writer attached", clientID)
	}
	for _, p := range patterns {
		if !event.ValidPattern(p) {
			return fmt.Errorf("subscribe %s: invalid pattern %q", clientID, p)
		}
	}
	r.subs.add(clientID, patterns, w)
	return nil
}

// Unsubscribe detaches a subscriber. Unknown ids are a no-op.
func (r *Router) Unsubscribe(clientID string) {
	r.subs.remove(clientID)
}

// SubscriberCount reports the number of attached subscribers.
func (r *Router) SubscriberCount() int {
	return r.subs.count()
}

// Close detaches all subscribers. Handler state is left alone; the
// daemon drops the router after this.
func (r *Router) Close() {
	r.subs.closeAll()
}
