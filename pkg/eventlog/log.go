package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
)

// Log is the event log facade: ring + writer + index + payload loader.
type Log struct {
	cfg     config.EventLogConfig
	ring    *Ring
	writer  *Writer
	index   *Index
	loader  *PayloadLoader
	refPath RefPathFunc
}

// Stats summarizes the log for monitor:get_stats.
type Stats struct {
	TotalAppended uint64 `json:"total_appended"`
	RingSize      int    `json:"ring_size"`
	RingDropped   uint64 `json:"ring_dropped"`
	Written       uint64 `json:"written"`
	WriterDropped uint64 `json:"writer_dropped"`
	QueueDepth    int    `json:"queue_depth"`
	IndexedEvents int64  `json:"indexed_events"`
}

// Open builds the full event log: opens the index database, runs its
// migrations, and starts the writer. refPath may be nil; payloads then
// externalize with stripped sentinels only.
func Open(ctx context.Context, cfg config.EventLogConfig, eventDir, dbPath string, refPath RefPathFunc) (*Log, error) {
	index, err := OpenIndex(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event index: %w", err)
	}
	loader, err := NewPayloadLoader(cfg.HydrationCacheSize)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	l := &Log{
		cfg:     cfg,
		ring:    NewRing(cfg.RingSize),
		writer:  NewWriter(eventDir, index, cfg.BatchSize, cfg.QueueSize, cfg.FlushInterval),
		index:   index,
		loader:  loader,
		refPath: refPath,
	}
	l.writer.Start()
	return l, nil
}

// Append records an event: externalize oversized payload fields, put
// the entry in the hot ring, and queue it for the file writer. Never
// blocks; this is the log-then-ack ordering point for the router.
func (l *Log) Append(ev *event.Event) *Entry {
	e := NewEntry(ev)
	e.Externalize(l.cfg.ReferenceThreshold, l.refPath)
	l.ring.Append(e)
	l.writer.Enqueue(e)
	return e
}

// Recent serves monitor:get_events from the ring: newest first, up to
// limit, filtered by event-name patterns (empty = all).
func (l *Log) Recent(limit int, patterns []string) []*Entry {
	var filter func(*Entry) bool
	if len(patterns) > 0 {
		filter = func(e *Entry) bool { return event.MatchAny(patterns, e.EventName) }
	}
	return l.ring.Recent(limit, filter)
}

// Query runs a metadata query against the index, loads each hit's
// payload from its JSONL position, and hydrates externalized refs.
func (l *Log) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	rows, err := l.index.Query(ctx, opts)
	if err != nil {
		return nil, err
	}

	out := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		e, err := l.loadEntry(row)
		if err != nil {
			// The index row survives even when the JSONL was pruned;
			// return metadata without payload.
			e = entryFromRow(row)
		}
		e.Data = l.loader.Hydrate(e.Data, row.PayloadRefs)
		out = append(out, e)
	}
	return out, nil
}

// loadEntry reads the full entry back from its JSONL line.
func (l *Log) loadEntry(row *Row) (*Entry, error) {
	f, err := os.Open(row.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", row.FilePath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(row.FileOffset, 0); err != nil {
		return nil, fmt.Errorf("seek %s@%d: %w", row.FilePath, row.FileOffset, err)
	}
	rd := bufio.NewReaderSize(f, 64*1024)
	line, err := rd.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read %s@%d: %w", row.FilePath, row.FileOffset, err)
	}

	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("decode %s@%d: %w", row.FilePath, row.FileOffset, err)
	}
	return &e, nil
}

func entryFromRow(row *Row) *Entry {
	return &Entry{
		Timestamp:     row.Timestamp,
		EventName:     row.EventName,
		EventType:     row.EventType,
		OriginatorID:  row.OriginatorID,
		ConstructID:   row.ConstructID,
		CorrelationID: row.CorrelationID,
		EventID:       row.EventID,
		RequestID:     row.RequestID,
		SessionID:     row.SessionID,
		Status:        row.Status,
		Model:         row.Model,
		Purpose:       row.Purpose,
		PayloadRefs:   row.PayloadRefs,
	}
}

// Stats returns counters across all three layers.
func (l *Log) Stats(ctx context.Context) Stats {
	s := Stats{
		TotalAppended: l.ring.Total(),
		RingSize:      l.ring.Len(),
		RingDropped:   l.ring.Dropped(),
		Written:       l.writer.Written(),
		WriterDropped: l.writer.Dropped(),
		QueueDepth:    l.writer.QueueDepth(),
	}
	if n, err := l.index.Count(ctx); err == nil {
		s.IndexedEvents = n
	}
	return s
}

// Flush forces the writer to flush pending entries. Tests and shutdown
// use it; normal operation relies on the batch/interval policy.
func (l *Log) Flush() { l.writer.Flush() }

// DeleteBefore removes index rows older than cutoff; retention calls
// it after pruning aged day directories.
func (l *Log) DeleteBefore(ctx context.Context, cutoff float64) (int64, error) {
	return l.index.DeleteBefore(ctx, cutoff)
}

// IndexDB exposes the index database for health checks.
func (l *Log) IndexDB() *Index { return l.index }

// Close flushes and stops the writer, then closes the index.
func (l *Log) Close(ctx context.Context) error {
	err := l.writer.Stop(ctx)
	if cerr := l.index.Close(); err == nil {
		err = cerr
	}
	return err
}
