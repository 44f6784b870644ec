package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Writer is the single consumer of the log queue. It batches entries
// by size or flush interval, appends them as JSONL lines to the
// current UTC day file, and commits the matching index rows in one
// transaction per batch.
//
// Failed batches are retried with exponential backoff; a batch that
// keeps failing is dropped (counted) so the queue can drain. A retried
// batch may repeat JSONL lines; the index keys on event_id, so reads
// stay correct.
type Writer struct {
	dir   string
	index *Index

	batchSize     int
	flushInterval time.Duration

	in       chan *Entry
	flushReq chan chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	stopped  atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64

	// File state below is owned by the run goroutine.
	curDate   string
	curPath   string
	curFile   *os.File
	curOffset int64
}

// NewWriter builds a writer appending under dir (one subdirectory per
// UTC date) and indexing through index.
func NewWriter(dir string, index *Index, batchSize, queueSize int, flushInterval time.Duration) *Writer {
	if batchSize < 1 {
		batchSize = 1
	}
	if queueSize < batchSize {
		queueSize = batchSize
	}
	return &Writer{
		dir:           dir,
		index:         index,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		in:            make(chan *Entry, queueSize),
		flushReq:      make(chan chan struct{}),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Enqueue hands an entry to the writer without blocking. Returns false
// when the queue is full or the writer is stopping; the entry is
// counted as dropped.
func (w *Writer) Enqueue(e *Entry) bool {
	if w.stopped.Load() {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.in <- e:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Flush forces a flush of the pending batch and waits for it.
func (w *Writer) Flush() {
	done := make(chan struct{})
	select {
	case w.flushReq <- done:
		<-done
	case <-w.stopCh:
	}
}

// Stop drains the queue, flushes, closes the day file, and waits for
// the goroutine. The context bounds the wait.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stopCh)
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event log writer did not stop: %w", ctx.Err())
	}
}

// Written returns the number of entries durably handed to the file.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Dropped returns entries lost to queue overflow or failed batches.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// QueueDepth reports the current backlog, for stats.
func (w *Writer) QueueDepth() int { return len(w.in) }

func (w *Writer) run() {
	defer w.wg.Done()
	defer w.closeFile()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	var batch []*Entry
	for {
		select {
		case e := <-w.in:
			batch = append(batch, e)
			if len(batch) >= w.effectiveBatchSize() {
				batch = w.flushBatch(batch)
			}
		case <-ticker.C:
			batch = w.flushBatch(batch)
		case done := <-w.flushReq:
			batch = w.drainInto(batch)
			batch = w.flushBatch(batch)
			close(done)
		case <-w.stopCh:
			batch = w.drainInto(batch)
			w.flushBatch(batch)
			return
		}
	}
}

// drainInto empties whatever is already queued into the batch.
func (w *Writer) drainInto(batch []*Entry) []*Entry {
	for {
		select {
		case e := <-w.in:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// effectiveBatchSize halves the threshold while the queue is more than
// half full, so a lagging writer flushes smaller batches sooner.
func (w *Writer) effectiveBatchSize() int {
	if len(w.in) > cap(w.in)/2 {
		if half := w.batchSize / 2; half >= 1 {
			return half
		}
	}
	return w.batchSize
}

// flushBatch writes the batch with retries. Returns the emptied slice
// for reuse.
func (w *Writer) flushBatch(batch []*Entry) []*Entry {
	if len(batch) == 0 {
		return batch
	}

	backoff := 100 * time.Millisecond
	const maxAttempts = 5
	for attempt := 1; ; attempt++ {
		err := w.writeBatch(batch)
		if err == nil {
			w.written.Add(uint64(len(batch)))
			return batch[:0]
		}
		slog.Error("event log flush failed",
			"attempt", attempt, "batch", len(batch), "error", err)
		if attempt >= maxAttempts {
			w.dropped.Add(uint64(len(batch)))
			return batch[:0]
		}
		select {
		case <-time.After(backoff):
		case <-w.stopCh:
			// One last try during shutdown, then give up.
			if err := w.writeBatch(batch); err != nil {
				w.dropped.Add(uint64(len(batch)))
			} else {
				w.written.Add(uint64(len(batch)))
			}
			return batch[:0]
		}
		if backoff *= 2; backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// writeBatch appends every entry to the current day file and commits
// the index rows for the batch.
func (w *Writer) writeBatch(batch []*Entry) error {
	if err := w.ensureFile(); err != nil {
		return err
	}

	offsets := make([]int64, len(batch))
	for i, e := range batch {
		line, err := e.MarshalLine()
		if err != nil {
			// Unmarshalable entries are skipped, not fatal.
			slog.Error("skip unencodable event", "event_id", e.EventID, "error", err)
			offsets[i] = -1
			continue
		}
		offsets[i] = w.curOffset
		n, err := w.curFile.Write(line)
		w.curOffset += int64(n)
		if err != nil {
			w.reopenNextFlush()
			return fmt.Errorf("append event %s: %w", e.EventID, err)
		}
	}

	// Drop skipped entries before indexing.
	idxEntries := make([]*Entry, 0, len(batch))
	idxOffsets := make([]int64, 0, len(batch))
	for i, e := range batch {
		if offsets[i] >= 0 {
			idxEntries = append(idxEntries, e)
			idxOffsets = append(idxOffsets, offsets[i])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.index.InsertBatch(ctx, idxEntries, w.curPath, idxOffsets); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	return nil
}

// ensureFile opens (or rolls over to) the JSONL file for today's UTC
// date, tracking the append offset.
func (w *Writer) ensureFile() error {
	date := time.Now().UTC().Format("2006-01-02")
	if w.curFile != nil && date == w.curDate {
		return nil
	}
	w.closeFile()

	dayDir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create day directory %s: %w", dayDir, err)
	}
	path := filepath.Join(dayDir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open day file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat day file %s: %w", path, err)
	}

	w.curDate = date
	w.curPath = path
	w.curFile = f
	w.curOffset = info.Size()
	return nil
}

// reopenNextFlush discards the file handle after a write error so the
// next flush reopens and re-stats it.
func (w *Writer) reopenNextFlush() {
	w.closeFile()
}

func (w *Writer) closeFile() {
	if w.curFile != nil {
		_ = w.curFile.Close()
		w.curFile = nil
		w.curDate = ""
	}
}
