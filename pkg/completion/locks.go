package completion

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// LockState is a conversation lock's lifecycle state.
type LockState string

const (
	LockUnlocked LockState = "unlocked"
	LockLocked   LockState = "locked"
	LockQueued   LockState = "queued" // held, with waiters
	LockForked   LockState = "forked"
)

// ConversationLock is the public snapshot of one session's lock.
type ConversationLock struct {
	SessionID       string    `json:"session_id"`
	HolderRequestID string    `json:"holder_request_id,omitempty"`
	AcquiredAt      time.Time `json:"acquired_at"`
	State           LockState `json:"state"`
	Queue           []string  `json:"queue,omitempty"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	ChildSessionIDs []string  `json:"child_session_ids,omitempty"`
}

type lockWaiter struct {
	requestID string
	ready     chan struct{}
}

type lockEntry struct {
	sessionID  string
	holder     string
	acquiredAt time.Time
	state      LockState
	waiters    []*lockWaiter
	parent     string
	children   []string
}

// LockManager serializes provider calls per session. The lock guards
// the whole send-persist-emit critical section; waiters are promoted
// strictly FIFO. Fork bookkeeping lives here too: a forked session's
// lock keeps its parent/child links for later inspection.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until requestID holds the session's lock, queueing
// FIFO behind earlier waiters. Acquiring a lock the request already
// holds is a no-op. Returns the context error when ctx ends first.
func (m *LockManager) Acquire(ctx context.Context, sessionID, requestID string) error {
	m.mu.Lock()
	e := m.entry(sessionID)
	if e.holder == "" {
		e.holder = requestID
		e.acquiredAt = time.Now()
		e.state = LockLocked
		m.mu.Unlock()
		return nil
	}
	if e.holder == requestID {
		m.mu.Unlock()
		return nil
	}

	w := &lockWaiter{requestID: requestID, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	e.state = LockQueued
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.abandon(sessionID, w)
		return ctx.Err()
	}
}

// Release hands the lock to the next waiter, or unlocks when none
// wait. Calls from a non-holder are ignored.
func (m *LockManager) Release(sessionID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[sessionID]
	if e == nil || e.holder != requestID {
		return
	}
	m.releaseLocked(e)
}

// Fork records a provider-forked session: the original lock is marked
// forked and handed to its next waiter; the new session's lock is
// created with the request as holder and parent/child links recorded.
// Waiters on the original keep talking to the original session.
func (m *LockManager) Fork(origSession, newSession, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig := m.entry(origSession)
	child := m.entry(newSession)

	orig.state = LockForked
	if !slices.Contains(orig.children, newSession) {
		orig.children = append(orig.children, newSession)
	}
	child.parent = origSession
	if child.holder == "" {
		child.holder = requestID
		child.acquiredAt = time.Now()
		child.state = LockLocked
	}
	if orig.holder == requestID {
		m.releaseLocked(orig)
	}
}

// Get returns a snapshot of one session's lock.
func (m *LockManager) Get(sessionID string) (ConversationLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[sessionID]
	if !ok {
		return ConversationLock{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns every lock, sorted by session id.
func (m *LockManager) Snapshot() []ConversationLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConversationLock, 0, len(m.locks))
	for _, e := range m.locks {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Remove garbage-collects an idle lock entry. Held or awaited locks
// are kept; fork links alone do not pin an entry.
func (m *LockManager) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[sessionID]
	if !ok {
		return true
	}
	if e.holder != "" || len(e.waiters) > 0 {
		return false
	}
	delete(m.locks, sessionID)
	return true
}

// entry returns the session's lock entry, creating an unlocked one on
// first touch. Caller holds m.mu.
func (m *LockManager) entry(sessionID string) *lockEntry {
	e, ok := m.locks[sessionID]
	if !ok {
		e = &lockEntry{sessionID: sessionID, state: LockUnlocked}
		m.locks[sessionID] = e
	}
	return e
}

// releaseLocked promotes the next waiter or unlocks. A forked lock
// with no waiters stays forked; the next Acquire moves it back to
// locked. Caller holds m.mu.
func (m *LockManager) releaseLocked(e *lockEntry) {
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.holder = next.requestID
		e.acquiredAt = time.Now()
		if len(e.waiters) == 0 {
			e.state = LockLocked
		} else {
			e.state = LockQueued
		}
		close(next.ready)
		return
	}
	e.holder = ""
	if e.state != LockForked {
		e.state = LockUnlocked
	}
}

// abandon withdraws a waiter whose context ended. When promotion won
// the race the waiter briefly holds the lock; release it so the next
// waiter is not stranded.
func (m *LockManager) abandon(sessionID string, w *lockWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[sessionID]
	if e == nil {
		return
	}
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			if len(e.waiters) == 0 && e.holder != "" && e.state == LockQueued {
				e.state = LockLocked
			}
			return
		}
	}
	if e.holder == w.requestID {
		m.releaseLocked(e)
	}
}

func (e *lockEntry) snapshot() ConversationLock {
	queue := make([]string, 0, len(e.waiters))
	for _, w := range e.waiters {
		queue = append(queue, w.requestID)
	}
	return ConversationLock{
		SessionID:       e.sessionID,
		HolderRequestID: e.holder,
		AcquiredAt:      e.acquiredAt,
		State:           e.state,
		Queue:           queue,
		ParentSessionID: e.parent,
		ChildSessionIDs: slices.Clone(e.children),
	}
}
