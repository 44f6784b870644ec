// Package completion schedules provider calls: a per-session priority
// queue drained by one worker per session, serialized through
// conversation locks, gated by the circuit breaker.
//
// Ordering guarantees: within one (session, priority) pair requests run
// FIFO; across priorities within a session, strict priority. Injected
// requests enqueue at high priority, plain async at normal, so
// injections always run before queued conversation turns.
package completion

import "fmt"

// Priority orders queued requests. Lower values run first.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1 // injections
	PriorityNormal     Priority = 2 // plain async
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityCritical:   "critical",
	PriorityHigh:       "high",
	PriorityNormal:     "normal",
	PriorityLow:        "low",
	PriorityBackground: "background",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a wire name to a Priority. Empty means normal.
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", name)
	}
}

// Terminal completion statuses. Every accepted request ends in exactly
// one of these on its completion:result.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
	StatusBlocked   = "blocked"
)
