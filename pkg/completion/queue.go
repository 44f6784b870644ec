package completion

import (
	"container/heap"
	"time"
)

// BreakerOverrides carries a request's circuit_breaker_config: the
// parent link that chains requests plus optional tightened limits.
type BreakerOverrides struct {
	ParentRequestID string
	MaxDepth        int
	TokenBudget     int
	TimeWindow      time.Duration
}

// Request is one completion to schedule.
type Request struct {
	RequestID string
	SessionID string
	Prompt    string
	Model     string
	Priority  Priority
	MaxTokens int

	// Timeout bounds the provider call; zero falls back to the
	// configured request timeout.
	Timeout time.Duration

	// AgentID names the agent this completion runs for, when any. It
	// travels to the provider for sandbox-relative execution and onto
	// the result event.
	AgentID string

	// WorkingDir is the provider subprocess working directory, normally
	// the agent's sandbox path.
	WorkingDir string

	// IsInjection marks requests enqueued by the injection router. The
	// router's recursion guard keys off it.
	IsInjection bool

	// InjectionConfig is the request's injection_config payload, passed
	// through untouched onto the completion:result event.
	InjectionConfig map[string]any

	Breaker BreakerOverrides
}

// Item is a queued request plus its scheduling key. Ordering is
// (priority, enqueue time, seq); seq breaks same-instant ties in
// arrival order.
type Item struct {
	Request    Request
	EnqueuedAt time.Time

	seq   uint64
	index int
}

// sessionQueue is the per-session priority heap. Not safe for
// concurrent use; the scheduler serializes access under its mutex.
type sessionQueue struct {
	items []*Item
}

func (q *sessionQueue) Len() int { return len(q.items) }

func (q *sessionQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority < b.Request.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (q *sessionQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *sessionQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *sessionQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

func (q *sessionQueue) push(item *Item) {
	heap.Push(q, item)
}

func (q *sessionQueue) pop() *Item {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*Item)
}

// remove drops a queued item by its heap index. No-op when the item
// was already popped.
func (q *sessionQueue) remove(item *Item) bool {
	if item.index < 0 || item.index >= len(q.items) || q.items[item.index] != item {
		return false
	}
	heap.Remove(q, item.index)
	return true
}
