// Package provider invokes LLM providers as child processes.
//
// The stdio contract: the provider command receives the model and
// prompt as arguments and writes a single JSON object to stdout with
// at minimum a result/content string. A session id echoed back that
// differs from the requested one signals a conversation fork, which
// the completion scheduler handles.
package provider

import "context"

// Request is one completion call to a provider.
type Request struct {
	RequestID string
	SessionID string
	Model     string
	Prompt    string
	AgentID   string

	// WorkingDir is the provider's working directory, normally the
	// requesting agent's sandbox. Empty means inherit the daemon's.
	WorkingDir string
}

// Result is the parsed provider response.
type Result struct {
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// Raw is the full decoded stdout object, kept for response
	// persistence.
	Raw map[string]any `json:"-"`
}

// Provider executes completion requests. Implementations must honor
// context cancellation: an in-flight call is terminated and returns
// ctx.Err().
type Provider interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Provider interface, used by tests and
// by in-process providers.
type Func func(ctx context.Context, req Request) (*Result, error)

// Complete implements Provider.
func (f Func) Complete(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
