package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/event"
)

func testLogConfig() config.EventLogConfig {
	return config.EventLogConfig{
		RingSize:           100,
		BatchSize:          10,
		FlushInterval:      50 * time.Millisecond,
		ReferenceThreshold: 256,
		QueueSize:          500,
		HydrationCacheSize: 16,
	}
}

func openTestLog(t *testing.T, refPath RefPathFunc) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(t.Context(), testLogConfig(), filepath.Join(dir, "events"), filepath.Join(dir, "events.db"), refPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l, dir
}

func TestLogAppendFlushQuery(t *testing.T) {
	l, _ := openTestLog(t, nil)

	for i := 0; i < 5; i++ {
		l.Append(event.New("state:set", map[string]any{
			"namespace": "test",
			"key":       fmt.Sprintf("k%d", i),
			"session_id": "s1",
		}))
	}
	l.Flush()

	entries, err := l.Query(t.Context(), QueryOptions{EventPatterns: []string{"state:set"}})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	// Newest first.
	assert.Equal(t, "k4", entries[0].Data["key"])
	assert.Equal(t, "s1", entries[0].SessionID)
}

func TestLogQueryWildcardAndFilters(t *testing.T) {
	l, _ := openTestLog(t, nil)

	l.Append(event.New("completion:async", map[string]any{"session_id": "s1"}))
	l.Append(event.New("completion:result", map[string]any{"session_id": "s1"}))
	l.Append(event.New("state:set", map[string]any{"session_id": "s2"}))
	l.Flush()

	completions, err := l.Query(t.Context(), QueryOptions{EventPatterns: []string{"completion:*"}})
	require.NoError(t, err)
	assert.Len(t, completions, 2)

	s2, err := l.Query(t.Context(), QueryOptions{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, s2, 1)
	assert.Equal(t, "state:set", s2[0].EventName)
}

func TestLogExternalizationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	respFile := filepath.Join(dir, "s1.jsonl")
	respContent := map[string]any{"result": strings.Repeat("r", 600), "request_id": "req-1"}
	writeJSONLine(t, respFile, respContent)

	refPath := func(e *Entry, field string) string {
		if field == "result" && e.SessionID == "s1" {
			return respFile
		}
		return ""
	}
	l, _ := openTestLog(t, refPath)

	l.Append(event.New("completion:result", map[string]any{
		"session_id": "s1",
		"result":     strings.Repeat("r", 600),
	}))
	l.Flush()

	// The ring holds the externalized form.
	recent := l.Recent(1, nil)
	require.Len(t, recent, 1)
	assert.Equal(t, "<ref:"+respFile+">", recent[0].Data["result"])

	// The query path hydrates the ref back to the materialized content.
	entries, err := l.Query(t.Context(), QueryOptions{EventPatterns: []string{"completion:result"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	hydrated, ok := entries[0].Data["result"].(map[string]any)
	require.True(t, ok, "ref should hydrate to the parsed response line")
	assert.Equal(t, "req-1", hydrated["request_id"])
}

func TestLogStrippedFieldStaysStripped(t *testing.T) {
	l, _ := openTestLog(t, nil)

	l.Append(event.New("composition:compose", map[string]any{
		"composition": strings.Repeat("c", 1000),
	}))
	l.Flush()

	entries, err := l.Query(t.Context(), QueryOptions{EventPatterns: []string{"composition:compose"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "<stripped:1002 chars>", entries[0].Data["composition"])
}

// The SQLite index and the JSONL file agree on count for every
// completed batch, and every index offset points at the right line.
func TestLogIndexAndFileAgree(t *testing.T) {
	l, _ := openTestLog(t, nil)

	const n = 25
	for i := 0; i < n; i++ {
		l.Append(event.New("monitor:tick", map[string]any{"i": i}))
	}
	l.Flush()

	stats := l.Stats(t.Context())
	assert.Equal(t, int64(n), stats.IndexedEvents)
	assert.Equal(t, uint64(n), stats.Written)

	rows, err := l.index.Query(t.Context(), QueryOptions{Limit: n})
	require.NoError(t, err)
	require.Len(t, rows, n)

	lineCount := 0
	seen := map[string]bool{}
	for _, row := range rows {
		e, err := l.loadEntry(row)
		require.NoError(t, err)
		assert.Equal(t, row.EventID, e.EventID, "offset must point at the indexed event")
		seen[e.EventID] = true
	}
	assert.Len(t, seen, n)

	f, err := os.Open(rows[0].FilePath)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineCount++
	}
	assert.Equal(t, n, lineCount)
}

// Accounting across the layers: appended = written + queue + dropped.
func TestLogConservation(t *testing.T) {
	l, _ := openTestLog(t, nil)

	const n = 40
	for i := 0; i < n; i++ {
		l.Append(event.New("x:y", nil))
	}
	l.Flush()

	s := l.Stats(t.Context())
	assert.Equal(t, uint64(n), s.TotalAppended)
	assert.Equal(t, s.TotalAppended, s.Written+uint64(s.QueueDepth)+s.WriterDropped)
}

func TestLogRecentServesWithoutFlush(t *testing.T) {
	l, _ := openTestLog(t, nil)

	l.Append(event.New("agent:spawn", map[string]any{"agent_id": "a1"}))
	// No flush: the ring serves immediately (the router never waits on disk).
	recent := l.Recent(10, []string{"agent:*"})
	require.Len(t, recent, 1)
	assert.Equal(t, "a1", recent[0].Data["agent_id"])
}

func TestLogDeleteBefore(t *testing.T) {
	l, _ := openTestLog(t, nil)

	l.Append(event.New("a:old", nil))
	l.Flush()
	cutoff := event.Now() + 1

	deleted, err := l.DeleteBefore(t.Context(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	s := l.Stats(t.Context())
	assert.Equal(t, int64(0), s.IndexedEvents)
}

func writeJSONLine(t *testing.T, path string, v map[string]any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(append(raw, '\n'))
	require.NoError(t, err)
}
