package event

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Identifier helpers. Event and request ids use KSUIDs so that sorted
// ids follow creation order, which keeps JSONL files and index scans
// aligned. Correlation, client, and transient session ids use UUIDs;
// nothing orders on them.

// NewEventID returns a k-sortable event identifier.
func NewEventID() string {
	return ksuid.New().String()
}

// NewRequestID returns a prefixed k-sortable completion request id.
func NewRequestID() string {
	return "req-" + ksuid.New().String()
}

// NewCorrelationID returns a fresh correlation trace key.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewClientID returns an identifier for a transport connection.
func NewClientID() string {
	return "client-" + uuid.NewString()
}

// NewTransientSessionID returns a session id for completion requests
// that arrived without one, so queueing stays per-request.
func NewTransientSessionID() string {
	return "tmp-" + uuid.NewString()
}

// NewAgentID returns a generated agent id for spawns that did not name
// one.
func NewAgentID() string {
	return "agent-" + ksuid.New().String()
}
