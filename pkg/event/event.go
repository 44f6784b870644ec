// Package event defines the wire types shared by every subsystem: the
// event envelope, the handler context, and parameter decoding.
//
// Events are named "<namespace>:<verb>" and carry a JSON object
// payload. The router dispatches them to handlers; the event log
// records them. Handler responses are plain values serialized back to
// the caller and are not themselves re-logged unless explicitly
// emitted.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Reserved namespaces. Events outside these still dispatch, but core
// subsystems only register under reserved names.
const (
	NamespaceSystem        = "system"
	NamespaceCompletion    = "completion"
	NamespaceAgent         = "agent"
	NamespaceState         = "state"
	NamespaceComposition   = "composition"
	NamespacePermission    = "permission"
	NamespaceInjection     = "injection"
	NamespaceOrchestration = "orchestration"
	NamespaceMonitor       = "monitor"
	NamespaceEvaluation    = "evaluation"
)

// Event is the envelope recorded by the event log and streamed to
// subscribers. Timestamp is float seconds since the Unix epoch, the
// wire convention for all KSI timestamps.
type Event struct {
	Name          string         `json:"name"`
	Data          map[string]any `json:"data,omitempty"`
	EventID       string         `json:"event_id"`
	Timestamp     float64        `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	OriginatorID  string         `json:"originator_id,omitempty"`
	ConstructID   string         `json:"construct_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Status        string         `json:"status,omitempty"`
}

// New builds an event with a fresh event id and the current timestamp.
// Routing fields present in data (session_id, request_id,
// originator_id, construct_id, status) are lifted onto the envelope so
// the log can index them without parsing the payload.
func New(name string, data map[string]any) *Event {
	ev := &Event{
		Name:      name,
		Data:      data,
		EventID:   NewEventID(),
		Timestamp: Now(),
	}
	ev.liftRoutingFields()
	return ev
}

// Now returns the current time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (e *Event) liftRoutingFields() {
	if e.Data == nil {
		return
	}
	lift := func(key string, dst *string) {
		if *dst != "" {
			return
		}
		if v, ok := e.Data[key].(string); ok {
			*dst = v
		}
	}
	lift("correlation_id", &e.CorrelationID)
	lift("originator_id", &e.OriginatorID)
	lift("construct_id", &e.ConstructID)
	lift("request_id", &e.RequestID)
	lift("session_id", &e.SessionID)
	lift("status", &e.Status)
}

// Namespace returns the part before the first colon, or "" for an
// invalid name.
func (e *Event) Namespace() string {
	ns, _, ok := strings.Cut(e.Name, ":")
	if !ok {
		return ""
	}
	return ns
}

// Verb returns the part after the first colon.
func (e *Event) Verb() string {
	_, verb, _ := strings.Cut(e.Name, ":")
	return verb
}

// ValidName reports whether name has the <namespace>:<verb> form with
// both parts non-empty.
func ValidName(name string) bool {
	ns, verb, ok := strings.Cut(name, ":")
	return ok && ns != "" && verb != ""
}

// SplitName returns (namespace, verb) for a valid name or an error.
func SplitName(name string) (string, string, error) {
	ns, verb, ok := strings.Cut(name, ":")
	if !ok || ns == "" || verb == "" {
		return "", "", fmt.Errorf("invalid event name %q: want <namespace>:<verb>", name)
	}
	return ns, verb, nil
}

// ErrorResponse is the transport-visible error shape.
func ErrorResponse(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// Errorf builds an ErrorResponse with fmt.Sprintf semantics.
func Errorf(format string, args ...any) map[string]any {
	return ErrorResponse(fmt.Sprintf(format, args...))
}
