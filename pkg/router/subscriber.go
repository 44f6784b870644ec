package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ksi-project/ksi/pkg/event"
)

// subscriber is one streaming client. Events are queued on ch and
// pumped to the writer by a dedicated goroutine so one stalled client
// never blocks dispatch.
type subscriber struct {
	clientID string
	patterns []string
	writer   event.LineWriter
	ch       chan []byte
	quit     chan struct{}
	once     sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.quit) })
}

// pump drains the queue to the writer until stopped or the writer
// fails.
func (s *subscriber) pump(onDead func(clientID string)) {
	for {
		select {
		case line := <-s.ch:
			if err := s.writer.WriteLine(line); err != nil {
				slog.Debug("subscriber writer failed, detaching",
					"client_id", s.clientID, "error", err)
				onDead(s.clientID)
				return
			}
		case <-s.quit:
			return
		}
	}
}

// pushFrame is the wire shape of a pushed event line. It mirrors the
// request frame's "event" key rather than the envelope's "name".
type pushFrame struct {
	Event         string         `json:"event"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     float64        `json:"timestamp"`
	EventID       string         `json:"event_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type subscriberSet struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	bufSize int
}

func newSubscriberSet(bufSize int) *subscriberSet {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &subscriberSet{subs: make(map[string]*subscriber), bufSize: bufSize}
}

func (s *subscriberSet) add(clientID string, patterns []string, w event.LineWriter) {
	sub := &subscriber{
		clientID: clientID,
		patterns: patterns,
		writer:   w,
		ch:       make(chan []byte, s.bufSize),
		quit:     make(chan struct{}),
	}

	s.mu.Lock()
	old := s.subs[clientID]
	s.subs[clientID] = sub
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go sub.pump(s.remove)
}

func (s *subscriberSet) remove(clientID string) {
	s.mu.Lock()
	sub := s.subs[clientID]
	delete(s.subs, clientID)
	s.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
}

func (s *subscriberSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// broadcast fans an event out to every matching subscriber. The line
// is marshalled once. A subscriber whose queue is full is dropped: a
// client that cannot keep up loses its subscription, not the daemon
// its memory.
func (s *subscriberSet) broadcast(ev *event.Event) {
	s.mu.RLock()
	if len(s.subs) == 0 {
		s.mu.RUnlock()
		return
	}
	matched := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if event.MatchAny(sub.patterns, ev.Name) {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	line, err := json.Marshal(pushFrame{
		Event:         ev.Name,
		Data:          ev.Data,
		Timestamp:     ev.Timestamp,
		EventID:       ev.EventID,
		CorrelationID: ev.CorrelationID,
	})
	if err != nil {
		slog.Warn("broadcast marshal failed", "event", ev.Name, "error", err)
		return
	}

	for _, sub := range matched {
		select {
		case sub.ch <- line:
		default:
			slog.Warn("subscriber too slow, dropping",
				"client_id", sub.clientID, "buffered", cap(sub.ch))
			s.remove(sub.clientID)
		}
	}
}

func (s *subscriberSet) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
