package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/provider"
	"github.com/ksi-project/ksi/pkg/state"
)

// InjectionNamespace is the state-store queue namespace next-mode
// injections travel through, keyed by target session id. The worker
// drains it into the prompt before each provider call.
const InjectionNamespace = "injection"

type phase int

const (
	phaseQueued phase = iota
	phaseRunning
)

// tracked follows one accepted request from enqueue to its terminal
// result, so completion:cancel can find it in either phase.
type tracked struct {
	item            *Item
	phase           phase
	cancel          context.CancelFunc
	cancelRequested bool
}

// EnqueueResult is the scheduler's answer to one completion:async.
type EnqueueResult struct {
	Status     string
	RequestID  string
	SessionID  string
	Priority   Priority
	QueueDepth int

	// Check and Detail describe a circuit-breaker block.
	Check  string
	Detail map[string]any
}

// CancelResult is the scheduler's answer to one completion:cancel.
type CancelResult struct {
	Status    string // cancelled | cancelling | not_found
	RequestID string
}

// Scheduler owns the per-session queues and workers. One worker runs
// per session with queued work; it serializes provider calls through
// the conversation lock and exits when its queue drains. Every
// accepted request terminates in exactly one completion:result.
type Scheduler struct {
	cfg      config.CompletionConfig
	paths    config.Paths
	provider provider.Provider
	breaker  *Breaker
	locks    *LockManager
	store    *state.Store
	emitter  event.Emitter

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	queues   map[string]*sessionQueue
	active   map[string]bool
	requests map[string]*tracked
	seq      uint64
	stopped  bool

	slots    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler. store may be nil to disable
// next-mode injection draining; emitter may be nil in tests that only
// exercise queueing.
func NewScheduler(cfg config.CompletionConfig, paths config.Paths, prov provider.Provider, breaker *Breaker, locks *LockManager, store *state.Store, emitter event.Emitter) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		paths:      paths,
		provider:   prov,
		breaker:    breaker,
		locks:      locks,
		store:      store,
		emitter:    emitter,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		queues:     make(map[string]*sessionQueue),
		active:     make(map[string]bool),
		requests:   make(map[string]*tracked),
		slots:      make(chan struct{}, maxConcurrent),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the queue GC loop. Workers start lazily per enqueue.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.gcLoop()
}

// Stop shuts the scheduler down: queued requests are cancelled with
// results emitted, in-flight provider calls are signalled to cancel
// (the provider enforces its own kill grace), and workers are awaited
// until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	s.stopped = true
	var dropped []Request
	for id, t := range s.requests {
		if t.phase != phaseQueued {
			continue
		}
		t.cancelRequested = true
		if q := s.queues[t.item.Request.SessionID]; q != nil {
			q.remove(t.item)
		}
		delete(s.requests, id)
		dropped = append(dropped, t.item.Request)
	}
	s.mu.Unlock()

	for _, req := range dropped {
		s.emitResult(req, req.SessionID, "", StatusCancelled, "daemon shutting down", 0, nil)
	}

	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("completion scheduler: workers still draining: %w", ctx.Err())
	}
}

// Enqueue gates a request through the circuit breaker and queues it.
// Blocked requests are refused without a queue entry; accepted ones
// start a session worker when none is active. Requests without a
// session get a transient id so queueing stays per-request.
func (s *Scheduler) Enqueue(req Request) (*EnqueueResult, error) {
	if req.RequestID == "" {
		req.RequestID = event.NewRequestID()
	}
	if req.SessionID == "" {
		req.SessionID = event.NewTransientSessionID()
	}

	decision := s.breaker.Admit(Admission{
		RequestID:       req.RequestID,
		ParentRequestID: req.Breaker.ParentRequestID,
		Content:         req.Prompt,
		MaxDepth:        req.Breaker.MaxDepth,
		TokenBudget:     req.Breaker.TokenBudget,
		TimeWindow:      req.Breaker.TimeWindow,
	})
	if !decision.Allowed {
		slog.Info("completion blocked",
			"request_id", req.RequestID, "session_id", req.SessionID, "check", decision.Check)
		return &EnqueueResult{
			Status:    StatusBlocked,
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Check:     decision.Check,
			Detail:    decision.Detail,
		}, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler stopped")
	}
	q := s.queues[req.SessionID]
	if q == nil {
		q = &sessionQueue{}
		s.queues[req.SessionID] = q
	}
	s.seq++
	item := &Item{Request: req, EnqueuedAt: time.Now(), seq: s.seq}
	q.push(item)
	s.requests[req.RequestID] = &tracked{item: item, phase: phaseQueued}
	depth := q.Len()

	started := false
	if !s.active[req.SessionID] {
		s.active[req.SessionID] = true
		started = true
		s.wg.Add(1)
		go s.runWorker(req.SessionID)
	}
	s.mu.Unlock()

	status := "queued"
	if started && depth == 1 {
		status = "ready"
	}
	slog.Debug("completion enqueued",
		"request_id", req.RequestID, "session_id", req.SessionID,
		"priority", req.Priority.String(), "queue_depth", depth)
	return &EnqueueResult{
		Status:     status,
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Priority:   req.Priority,
		QueueDepth: depth,
	}, nil
}

// Cancel removes a queued request (emitting its cancelled result) or
// signals an in-flight one, whose worker then emits the result.
func (s *Scheduler) Cancel(requestID string) *CancelResult {
	s.mu.Lock()
	t, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return &CancelResult{Status: "not_found", RequestID: requestID}
	}
	t.cancelRequested = true
	if t.phase == phaseQueued {
		if q := s.queues[t.item.Request.SessionID]; q != nil {
			q.remove(t.item)
		}
		delete(s.requests, requestID)
		req := t.item.Request
		s.mu.Unlock()
		s.emitResult(req, req.SessionID, "", StatusCancelled, "cancelled before dispatch", 0, nil)
		return &CancelResult{Status: "cancelled", RequestID: requestID}
	}
	cancel := t.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return &CancelResult{Status: "cancelling", RequestID: requestID}
}

// CancelSession cancels every queued or in-flight request of one
// session.
func (s *Scheduler) CancelSession(sessionID string) []*CancelResult {
	return s.cancelMatching(func(req Request) bool { return req.SessionID == sessionID })
}

// CancelAgent cancels every request submitted on behalf of an agent,
// regardless of which session it rides. Agent termination uses it.
func (s *Scheduler) CancelAgent(agentID string) []*CancelResult {
	return s.cancelMatching(func(req Request) bool { return req.AgentID == agentID })
}

func (s *Scheduler) cancelMatching(match func(Request) bool) []*CancelResult {
	s.mu.Lock()
	var ids []string
	for id, t := range s.requests {
		if match(t.item.Request) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	results := make([]*CancelResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.Cancel(id))
	}
	return results
}

// Status reports queues, workers, locks, and breaker counters.
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	sessions := make(map[string]any)
	queued := 0
	inFlight := 0
	for sid, q := range s.queues {
		if q.Len() == 0 && !s.active[sid] {
			continue
		}
		sessions[sid] = map[string]any{"queued": q.Len(), "worker_active": s.active[sid]}
		queued += q.Len()
	}
	for _, t := range s.requests {
		if t.phase == phaseRunning {
			inFlight++
		}
	}
	s.mu.Unlock()

	return map[string]any{
		"sessions":       sessions,
		"queued":         queued,
		"in_flight":      inFlight,
		"max_concurrent": cap(s.slots),
		"locks":          s.locks.Snapshot(),
		"breaker":        s.breaker.Stats(),
	}
}

// runWorker drains one session's queue, then retires. At most one
// worker per session exists at a time.
func (s *Scheduler) runWorker(sessionID string) {
	defer s.wg.Done()
	log := slog.With("session_id", sessionID)
	log.Debug("session worker started")
	for {
		item := s.next(sessionID)
		if item == nil {
			log.Debug("session worker retired")
			return
		}
		s.process(item)
	}
}

// next pops the highest-priority item and marks it running, retiring
// the worker when the queue is empty. Retirement and enqueue share the
// scheduler mutex, so no wakeup is lost.
func (s *Scheduler) next(sessionID string) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queues[sessionID]; q != nil {
		for {
			item := q.pop()
			if item == nil {
				break
			}
			t := s.requests[item.Request.RequestID]
			if t == nil {
				continue
			}
			t.phase = phaseRunning
			return item
		}
	}
	s.active[sessionID] = false
	return nil
}

// process runs one request through its critical section: conversation
// lock, injection drain, provider call, response persistence, result
// emission, fork handling, lock release.
func (s *Scheduler) process(item *Item) {
	req := item.Request
	sessionID := req.SessionID
	log := slog.With("request_id", req.RequestID, "session_id", sessionID)

	if err := s.locks.Acquire(s.baseCtx, sessionID, req.RequestID); err != nil {
		s.emitResult(req, sessionID, "", StatusCancelled, "daemon shutting down", 0, nil)
		s.forget(req.RequestID)
		return
	}
	heldSession := sessionID

	prompt := s.drainInjections(sessionID, req.Prompt)

	select {
	case s.slots <- struct{}{}:
	case <-s.baseCtx.Done():
		s.locks.Release(heldSession, req.RequestID)
		s.emitResult(req, sessionID, "", StatusCancelled, "daemon shutting down", 0, nil)
		s.forget(req.RequestID)
		return
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	callCtx, cancel := context.WithTimeout(s.baseCtx, timeout)

	s.mu.Lock()
	t := s.requests[req.RequestID]
	cancelRequested := t != nil && t.cancelRequested
	if t != nil {
		t.cancel = cancel
	}
	s.mu.Unlock()
	if cancelRequested {
		cancel()
		<-s.slots
		s.locks.Release(heldSession, req.RequestID)
		s.emitResult(req, sessionID, "", StatusCancelled, "cancelled", 0, nil)
		s.forget(req.RequestID)
		return
	}

	start := time.Now()
	res, err := s.provider.Complete(callCtx, provider.Request{
		RequestID:  req.RequestID,
		SessionID:  sessionID,
		Model:      req.Model,
		Prompt:     prompt,
		AgentID:    req.AgentID,
		WorkingDir: req.WorkingDir,
	})
	cancel()
	<-s.slots
	elapsed := time.Since(start)

	status := StatusSuccess
	var resultText, errMsg string
	switch {
	case err != nil:
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = StatusTimeout
			errMsg = fmt.Sprintf("provider call exceeded %s", timeout)
		case errors.Is(err, context.Canceled):
			status = StatusCancelled
			errMsg = "cancelled"
		default:
			status = StatusError
			errMsg = err.Error()
		}
		log.Warn("provider call failed", "status", status, "error", errMsg)
	case res.IsError:
		status = StatusError
		resultText = res.Result
		errMsg = res.ErrorMessage
	default:
		resultText = res.Result
	}

	effective := sessionID
	if err == nil && res.SessionID != "" && res.SessionID != sessionID {
		if strings.HasPrefix(sessionID, "tmp-") {
			// Transient placeholder: the provider assigned the real
			// session, it did not fork one.
			effective = res.SessionID
			log.Debug("transient session resolved", "provider_session_id", res.SessionID)
		} else {
			s.locks.Fork(sessionID, res.SessionID, req.RequestID)
			effective = res.SessionID
			heldSession = res.SessionID
			log.Warn("session fork detected", "new_session_id", res.SessionID)
			s.emit("completion:fork_detected", map[string]any{
				"request_id":     req.RequestID,
				"session_id":     sessionID,
				"new_session_id": res.SessionID,
			})
		}
	}

	line := map[string]any{
		"request_id": req.RequestID,
		"session_id": effective,
		"status":     status,
		"timestamp":  event.Now(),
	}
	if req.Model != "" {
		line["model"] = req.Model
	}
	if res != nil {
		if len(res.Raw) > 0 {
			line["response"] = res.Raw
		} else {
			line["response"] = map[string]any{"result": resultText}
		}
	}
	if errMsg != "" {
		line["error"] = errMsg
	}
	if err := s.persistResponse(effective, line); err != nil {
		log.Error("response persistence failed", "error", err)
	}

	s.emitResult(req, effective, resultText, status, errMsg, elapsed, res)

	s.locks.Release(heldSession, req.RequestID)
	s.forget(req.RequestID)
}

// drainInjections folds queued next-mode injections into the prompt.
// Items are {content, position} maps; position picks the side of the
// prompt the content lands on.
func (s *Scheduler) drainInjections(sessionID, prompt string) string {
	if s.store == nil {
		return prompt
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var before, after []string
	for {
		v, found, err := s.store.Pop(ctx, InjectionNamespace, sessionID)
		if err != nil {
			slog.Warn("injection drain failed", "session_id", sessionID, "error", err)
			break
		}
		if !found {
			break
		}
		m, ok := v.(map[string]any)
		if !ok {
			before = append(before, fmt.Sprint(v))
			continue
		}
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		switch m["position"] {
		case "postscript", "after_prompt":
			after = append(after, content)
		default: // prepend, system_reminder, before_prompt
			before = append(before, content)
		}
	}
	if len(before) == 0 && len(after) == 0 {
		return prompt
	}
	slog.Debug("injections folded into prompt",
		"session_id", sessionID, "before", len(before), "after", len(after))
	parts := make([]string, 0, len(before)+1+len(after))
	parts = append(parts, before...)
	if prompt != "" {
		parts = append(parts, prompt)
	}
	parts = append(parts, after...)
	return strings.Join(parts, "\n\n")
}

// emitResult emits the terminal completion:result for a request. The
// injection router and the session-state recorder consume it.
func (s *Scheduler) emitResult(req Request, sessionID, result, status, errMsg string, elapsed time.Duration, res *provider.Result) {
	data := map[string]any{
		"request_id": req.RequestID,
		"session_id": sessionID,
		"result":     result,
		"status":     status,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	if req.Model != "" {
		data["model"] = req.Model
	}
	if req.AgentID != "" {
		data["agent_id"] = req.AgentID
	}
	if req.IsInjection {
		data["is_injection"] = true
	}
	if len(req.InjectionConfig) > 0 {
		data["injection_config"] = req.InjectionConfig
	}
	if elapsed > 0 {
		data["duration_ms"] = elapsed.Milliseconds()
	}
	if res != nil {
		if res.DurationMS > 0 {
			data["duration_ms"] = res.DurationMS
		}
		if res.TotalCostUSD > 0 {
			data["total_cost_usd"] = res.TotalCostUSD
		}
	}
	s.emit("completion:result", data)
}

// emit dispatches on a background context: results must go out even
// while the scheduler's own context is tearing down.
func (s *Scheduler) emit(name string, data map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(context.Background(), name, data, nil)
}

// persistResponse appends one JSON line to responses/<session>.jsonl.
func (s *Scheduler) persistResponse(sessionID string, line map[string]any) error {
	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode response line: %w", err)
	}
	path := s.paths.ResponseFile(sessionID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open response log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("append response line: %w", err)
	}
	return nil
}

func (s *Scheduler) forget(requestID string) {
	s.mu.Lock()
	delete(s.requests, requestID)
	s.mu.Unlock()
}

func (s *Scheduler) gcLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.gcInterval()):
			s.gc()
		}
	}
}

// gcInterval jitters the configured interval to avoid lockstep with
// other periodic work.
func (s *Scheduler) gcInterval() time.Duration {
	base := s.cfg.QueueGCInterval
	if base <= 0 {
		base = time.Minute
	}
	jitter := s.cfg.QueueGCJitter
	if jitter <= 0 || jitter >= base {
		return base
	}
	return base - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
}

// gc drops empty queues of retired workers and their idle locks.
func (s *Scheduler) gc() {
	s.mu.Lock()
	var idle []string
	for sid, q := range s.queues {
		if q.Len() == 0 && !s.active[sid] {
			delete(s.queues, sid)
			delete(s.active, sid)
			idle = append(idle, sid)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, sid := range idle {
		if s.locks.Remove(sid) {
			removed++
		}
	}
	if len(idle) > 0 {
		slog.Debug("completion queue gc", "sessions", len(idle), "locks_removed", removed)
	}
}
