package event

import "context"

// LineWriter delivers one JSON line to a connected client. Transport
// connections implement it; subscribers registered through
// monitor:subscribe receive event lines through it.
type LineWriter interface {
	WriteLine(line []byte) error
}

// Emitter is the router surface handlers use for nested emissions.
// Nested emits inherit the caller's correlation id by default.
type Emitter interface {
	Emit(ctx context.Context, name string, data map[string]any, ectx *Context) []any
	EmitFirst(ctx context.Context, name string, data map[string]any, ectx *Context) any
}

// Context carries per-dispatch information into a handler. It is
// distinct from context.Context: cancellation and deadlines travel on
// the standard context, identity and the bound emitter travel here.
type Context struct {
	// ClientID identifies the transport connection, when the event came
	// over the socket. Internal emissions leave it empty.
	ClientID string

	// CorrelationID is the trace key for this dispatch. The router
	// fills it before the handler runs.
	CorrelationID string

	// EventName is the name the handler was invoked for. Glob-registered
	// handlers use it to see the concrete event.
	EventName string

	// Writer is the connection's line writer, when one exists. Used by
	// monitor:subscribe to attach streams.
	Writer LineWriter

	// Emitter is the bound router for nested emissions.
	Emitter Emitter
}

// Child returns a copy of the context for a nested emission, keeping
// identity and correlation but clearing the event name (the router
// sets it per dispatch).
func (c *Context) Child() *Context {
	if c == nil {
		return &Context{}
	}
	return &Context{
		ClientID:      c.ClientID,
		CorrelationID: c.CorrelationID,
		Writer:        c.Writer,
		Emitter:       c.Emitter,
	}
}

// Emit dispatches a nested event through the bound emitter, returning
// nil when no emitter is attached (detached contexts in tests).
func (c *Context) Emit(ctx context.Context, name string, data map[string]any) []any {
	if c == nil || c.Emitter == nil {
		return nil
	}
	return c.Emitter.Emit(ctx, name, data, c.Child())
}

// EmitFirst dispatches a nested event, returning the first non-nil
// handler response.
func (c *Context) EmitFirst(ctx context.Context, name string, data map[string]any) any {
	if c == nil || c.Emitter == nil {
		return nil
	}
	return c.Emitter.EmitFirst(ctx, name, data, c.Child())
}
