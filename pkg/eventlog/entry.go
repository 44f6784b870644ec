// Package eventlog records every dispatched event in three layers: a
// hot in-memory ring for synchronous queries, append-only daily JSONL
// files, and a SQLite metadata index pointing into them.
//
// Appends never block the router. The ring accepts entries wait-free
// and the file/index writer consumes a bounded queue; when either is
// full the oldest data is sacrificed and a dropped counter bumped.
// Large payload fields are externalized before the entry is stored
// anywhere, so neither layer ever holds oversized values.
package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/ksi-project/ksi/pkg/event"
)

// referenceableFields is the complete set of payload fields eligible
// for externalization. Any future field must be added here explicitly;
// fields outside this set are always stored inline regardless of size.
var referenceableFields = map[string]bool{
	"response":        true,
	"content":         true,
	"prompt":          true,
	"messages":        true,
	"system_prompt":   true,
	"composed_prompt": true,
	"composition":     true,
	"pattern":         true,
	"events":          true,
	"arguments":       true,
	"result":          true,
}

// Entry is the persisted form of an event: the §3 event-log row. Data
// holds the (possibly externalized) payload; PayloadRefs maps
// externalized field names to the file that still holds the content.
type Entry struct {
	Timestamp     float64           `json:"timestamp"`
	EventName     string            `json:"event_name"`
	EventType     string            `json:"event_type,omitempty"`
	OriginatorID  string            `json:"originator_id,omitempty"`
	ConstructID   string            `json:"construct_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	EventID       string            `json:"event_id"`
	RequestID     string            `json:"request_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Status        string            `json:"status,omitempty"`
	Model         string            `json:"model,omitempty"`
	Purpose       string            `json:"purpose,omitempty"`
	Data          map[string]any    `json:"data,omitempty"`
	PayloadRefs   map[string]string `json:"payload_refs,omitempty"`

	// Seq is the ring sequence number, assigned at append.
	Seq uint64 `json:"-"`
}

// NewEntry converts an event envelope into a log entry, copying the
// payload map so externalization never mutates the caller's data.
func NewEntry(ev *event.Event) *Entry {
	e := &Entry{
		Timestamp:     ev.Timestamp,
		EventName:     ev.Name,
		EventType:     ev.Namespace(),
		OriginatorID:  ev.OriginatorID,
		ConstructID:   ev.ConstructID,
		CorrelationID: ev.CorrelationID,
		EventID:       ev.EventID,
		RequestID:     ev.RequestID,
		SessionID:     ev.SessionID,
		Status:        ev.Status,
	}
	if len(ev.Data) > 0 {
		e.Data = make(map[string]any, len(ev.Data))
		for k, v := range ev.Data {
			e.Data[k] = v
		}
		if m, ok := e.Data["model"].(string); ok {
			e.Model = m
		}
		if p, ok := e.Data["purpose"].(string); ok {
			e.Purpose = p
		}
	}
	return e
}

// RefPathFunc maps an externalizable field of an entry to a file that
// already materializes its content, or "" when none exists. The
// completion subsystem provides one for response/result fields backed
// by responses/<session>.jsonl.
type RefPathFunc func(e *Entry, field string) string

// Externalize replaces every referenceable field whose serialized size
// exceeds threshold with a sentinel: "<ref:PATH>" when refPath knows a
// file holding the content, "<stripped:N chars>" otherwise. Ref paths
// are also recorded in PayloadRefs for hydration on the query side.
func (e *Entry) Externalize(threshold int, refPath RefPathFunc) {
	if threshold <= 0 || len(e.Data) == 0 {
		return
	}
	for field, value := range e.Data {
		if !referenceableFields[field] {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil || len(raw) <= threshold {
			continue
		}
		if refPath != nil {
			if path := refPath(e, field); path != "" {
				e.Data[field] = "<ref:" + path + ">"
				if e.PayloadRefs == nil {
					e.PayloadRefs = make(map[string]string)
				}
				e.PayloadRefs[field] = path
				continue
			}
		}
		e.Data[field] = fmt.Sprintf("<stripped:%d chars>", len(raw))
	}
}

// MarshalLine renders the entry as one JSONL line including the
// trailing newline.
func (e *Entry) MarshalLine() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %s: %w", e.EventID, err)
	}
	return append(raw, '\n'), nil
}
