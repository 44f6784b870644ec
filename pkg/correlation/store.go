// Package correlation maintains the in-memory trace tree linking
// parent and child emissions by correlation id.
//
// A trace is created on the first emission carrying its id, closed when
// the dispatch completes, and garbage-collected by age once it has no
// open descendants. The store is purely in-memory; restart forgets all
// traces, which is acceptable because traces exist for live debugging
// (correlation:trace|chain|tree) rather than audit.
package correlation

import (
	"sync"
	"time"
)

// Trace is one node of the correlation tree.
type Trace struct {
	CorrelationID string         `json:"correlation_id"`
	ParentID      string         `json:"parent_id,omitempty"`
	EventName     string         `json:"event_name"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Children      []string       `json:"children,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func (t *Trace) open() bool { return t.CompletedAt == nil }

// Node is a trace with resolved children, returned by Tree.
type Node struct {
	Trace    *Trace  `json:"trace"`
	Children []*Node `json:"children,omitempty"`
}

// Stats summarizes the store for correlation:stats.
type Stats struct {
	Total     int `json:"total"`
	Open      int `json:"open"`
	Completed int `json:"completed"`
	Roots     int `json:"roots"`
}

// Store holds all live traces. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	roots  []string
}

// NewStore returns an empty trace store.
func NewStore() *Store {
	return &Store{traces: make(map[string]*Trace)}
}

// Begin records a trace for id under parent. When the id already has a
// trace the call is a no-op join: the existing trace is returned so
// repeated emissions with an explicit correlation id share one node.
func (s *Store) Begin(id, parent, eventName string, data map[string]any) *Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.traces[id]; ok {
		return tr
	}

	tr := &Trace{
		CorrelationID: id,
		EventName:     eventName,
		CreatedAt:     time.Now(),
		Data:          data,
	}

	if parent != "" {
		if p, ok := s.traces[parent]; ok {
			tr.ParentID = parent
			p.Children = append(p.Children, id)
		}
	}
	if tr.ParentID == "" {
		s.roots = append(s.roots, id)
	}

	s.traces[id] = tr
	return tr
}

// End closes a trace, attaching the handler result or error. Unknown
// ids are ignored; ending twice keeps the first completion time.
func (s *Store) End(id string, result any, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr, ok := s.traces[id]
	if !ok || tr.CompletedAt != nil {
		return
	}
	now := time.Now()
	tr.CompletedAt = &now
	tr.Result = result
	tr.Error = errMsg
}

// Get returns a copy of the trace for id.
func (s *Store) Get(id string) (*Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.traces[id]
	if !ok {
		return nil, false
	}
	return copyTrace(tr), true
}

// Chain returns the path from id up to its root, leaf first.
func (s *Store) Chain(id string) []*Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Trace
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		seen[cur] = true
		tr, ok := s.traces[cur]
		if !ok {
			break
		}
		out = append(out, copyTrace(tr))
		cur = tr.ParentID
	}
	return out
}

// Tree returns the full subtree rooted at id's chain root.
func (s *Store) Tree(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.traces[id]
	if !ok {
		return nil, false
	}

	// Walk to the root, guarding against parent loops.
	seen := make(map[string]bool)
	for tr.ParentID != "" && !seen[tr.CorrelationID] {
		seen[tr.CorrelationID] = true
		p, ok := s.traces[tr.ParentID]
		if !ok {
			break
		}
		tr = p
	}
	return s.subtree(tr, make(map[string]bool)), true
}

func (s *Store) subtree(tr *Trace, seen map[string]bool) *Node {
	if seen[tr.CorrelationID] {
		return nil
	}
	seen[tr.CorrelationID] = true

	n := &Node{Trace: copyTrace(tr)}
	for _, cid := range tr.Children {
		c, ok := s.traces[cid]
		if !ok {
			continue
		}
		if child := s.subtree(c, seen); child != nil {
			n.Children = append(n.Children, child)
		}
	}
	return n
}

// Stats returns store-wide counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Total: len(s.traces), Roots: len(s.roots)}
	for _, tr := range s.traces {
		if tr.open() {
			st.Open++
		} else {
			st.Completed++
		}
	}
	return st
}

// Cleanup purges traces closed for longer than maxAge that have no open
// descendants. Returns the number of traces removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	// Children hold their parents alive, so deletion iterates until a
	// pass removes nothing.
	for {
		var victims []string
		for id, tr := range s.traces {
			if tr.open() || tr.CompletedAt.After(cutoff) {
				continue
			}
			if len(tr.Children) == 0 {
				victims = append(victims, id)
			}
		}
		if len(victims) == 0 {
			return removed
		}
		for _, id := range victims {
			s.remove(id)
			removed++
		}
	}
}

// remove deletes one trace and unlinks it from its parent. Caller holds
// the write lock.
func (s *Store) remove(id string) {
	tr, ok := s.traces[id]
	if !ok {
		return
	}
	delete(s.traces, id)

	if tr.ParentID != "" {
		if p, ok := s.traces[tr.ParentID]; ok {
			p.Children = deleteString(p.Children, id)
		}
	} else {
		s.roots = deleteString(s.roots, id)
	}
}

func deleteString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func copyTrace(tr *Trace) *Trace {
	cp := *tr
	cp.Children = append([]string(nil), tr.Children...)
	return &cp
}
