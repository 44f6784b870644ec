package monitor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksi/pkg/config"
	"github.com/ksi-project/ksi/pkg/correlation"
	"github.com/ksi-project/ksi/pkg/event"
	"github.com/ksi-project/ksi/pkg/eventlog"
	"github.com/ksi-project/ksi/pkg/router"
)

func newTestService(t *testing.T) (*Service, *router.Router, *correlation.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EventLogConfig{
		RingSize:           128,
		BatchSize:          8,
		FlushInterval:      50 * time.Millisecond,
		ReferenceThreshold: 4096,
		QueueSize:          256,
		HydrationCacheSize: 16,
	}
	log, err := eventlog.Open(t.Context(), cfg, filepath.Join(dir, "events"), filepath.Join(dir, "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	traces := correlation.NewStore()
	rt := router.New(log, traces, time.Second, 8)
	t.Cleanup(rt.Close)

	svc := NewService(log, traces, rt, time.Hour)
	require.NoError(t, svc.Register(rt))
	return svc, rt, traces
}

func call(t *testing.T, rt *router.Router, name string, data map[string]any) map[string]any {
	t.Helper()
	resp := rt.EmitFirst(t.Context(), name, data, nil)
	require.NotNil(t, resp, "no response for %s", name)
	m, ok := resp.(map[string]any)
	require.True(t, ok, "response for %s is %T", name, resp)
	return m
}

func TestGetEventsFromRing(t *testing.T) {
	_, rt, _ := newTestService(t)

	rt.Emit(t.Context(), "job:created", map[string]any{"job": "a"}, nil)
	rt.Emit(t.Context(), "job:done", map[string]any{"job": "a"}, nil)
	rt.Emit(t.Context(), "state:set", map[string]any{"key": "k"}, nil)

	resp := call(t, rt, "monitor:get_events", map[string]any{"patterns": []any{"job:*"}})
	require.Equal(t, 2, resp["count"])

	entries, ok := resp["events"].([]*eventlog.Entry)
	require.True(t, ok)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "job:done", entries[0].EventName)
	assert.Equal(t, "job:created", entries[1].EventName)
}

func TestGetEventsLimit(t *testing.T) {
	_, rt, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		rt.Emit(t.Context(), "tick:beat", map[string]any{"n": i}, nil)
	}

	resp := call(t, rt, "monitor:get_events", map[string]any{
		"patterns": []any{"tick:*"},
		"limit":    2,
	})
	assert.Equal(t, 2, resp["count"])
}

func TestGetEventsIndexedBySession(t *testing.T) {
	svc, rt, _ := newTestService(t)

	rt.Emit(t.Context(), "completion:result", map[string]any{"session_id": "sess-1", "result": "ok"}, nil)
	rt.Emit(t.Context(), "completion:result", map[string]any{"session_id": "sess-2", "result": "ok"}, nil)

	// The index is written by a background batcher.
	require.Eventually(t, func() bool {
		svc.log.Flush()
		resp := call(t, rt, "monitor:get_events", map[string]any{"session_id": "sess-1"})
		return resp["count"] == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGetSessionEvents(t *testing.T) {
	svc, rt, _ := newTestService(t)

	resp := call(t, rt, "monitor:get_session_events", map[string]any{})
	assert.Equal(t, "session_id required", resp["error"])

	rt.Emit(t.Context(), "agent:spawned", map[string]any{"session_id": "sess-9"}, nil)
	rt.Emit(t.Context(), "completion:result", map[string]any{"session_id": "sess-9"}, nil)

	require.Eventually(t, func() bool {
		svc.log.Flush()
		resp := call(t, rt, "monitor:get_session_events", map[string]any{"session_id": "sess-9"})
		return resp["count"] == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGetStats(t *testing.T) {
	_, rt, _ := newTestService(t)

	rt.Emit(t.Context(), "system:health", nil, nil)
	resp := call(t, rt, "monitor:get_stats", nil)

	stats, ok := resp["events"].(eventlog.Stats)
	require.True(t, ok)
	assert.GreaterOrEqual(t, stats.TotalAppended, uint64(1))
	assert.Equal(t, 0, resp["subscribers"])

	tstats, ok := resp["traces"].(correlation.Stats)
	require.True(t, ok)
	assert.GreaterOrEqual(t, tstats.Total, 1)
}

type chanWriter struct {
	ch chan []byte
}

func (w *chanWriter) WriteLine(line []byte) error {
	w.ch <- append([]byte(nil), line...)
	return nil
}

func TestSubscribeStreamsToWriter(t *testing.T) {
	_, rt, _ := newTestService(t)

	w := &chanWriter{ch: make(chan []byte, 16)}
	ectx := &event.Context{ClientID: "client-mon", Writer: w}
	resp := rt.EmitFirst(t.Context(), "monitor:subscribe", map[string]any{"patterns": []any{"job:*"}}, ectx)

	m := resp.(map[string]any)
	require.Equal(t, "subscribed", m["status"])
	require.Equal(t, "client-mon", m["client_id"])
	require.Equal(t, 1, rt.SubscriberCount())

	rt.Emit(t.Context(), "job:created", map[string]any{"job": "j1"}, nil)

	select {
	case line := <-w.ch:
		var push map[string]any
		require.NoError(t, json.Unmarshal(line, &push))
		assert.Equal(t, "job:created", push["event"])
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber received nothing")
	}

	resp = rt.EmitFirst(t.Context(), "monitor:unsubscribe", nil, ectx)
	assert.Equal(t, "unsubscribed", resp.(map[string]any)["status"])
	assert.Equal(t, 0, rt.SubscriberCount())
}

func TestSubscribeDefaultsToAllEvents(t *testing.T) {
	_, rt, _ := newTestService(t)

	w := &chanWriter{ch: make(chan []byte, 16)}
	ectx := &event.Context{ClientID: "client-all", Writer: w}
	resp := rt.EmitFirst(t.Context(), "monitor:subscribe", nil, ectx)
	require.Equal(t, []string{"*"}, resp.(map[string]any)["patterns"])

	rt.Emit(t.Context(), "anything:goes", nil, nil)
	select {
	case <-w.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard subscriber received nothing")
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	_, rt, _ := newTestService(t)

	// Internal emission carries no client identity.
	resp := call(t, rt, "monitor:subscribe", map[string]any{"patterns": []any{"*"}})
	assert.Equal(t, "subscribe requires a client connection", resp["error"])

	resp = call(t, rt, "monitor:unsubscribe", nil)
	assert.Contains(t, resp["error"], "requires a client connection")
}

func TestSubscribeBadPattern(t *testing.T) {
	_, rt, _ := newTestService(t)

	w := &chanWriter{ch: make(chan []byte, 1)}
	ectx := &event.Context{ClientID: "client-bad", Writer: w}
	resp := rt.EmitFirst(t.Context(), "monitor:subscribe", map[string]any{"patterns": []any{"bad*glob:x"}}, ectx)
	assert.Contains(t, resp.(map[string]any)["error"], "pattern")
	assert.Equal(t, 0, rt.SubscriberCount())
}

func TestTraceLookup(t *testing.T) {
	_, rt, traces := newTestService(t)

	traces.Begin("root-1", "", "agent:spawn", map[string]any{"agent_id": "a1"})
	traces.End("root-1", map[string]any{"status": "ready"}, "")

	resp := call(t, rt, "correlation:trace", map[string]any{"correlation_id": "root-1"})
	tr, ok := resp["trace"].(*correlation.Trace)
	require.True(t, ok)
	assert.Equal(t, "agent:spawn", tr.EventName)
	require.NotNil(t, tr.CompletedAt)

	resp = call(t, rt, "correlation:trace", map[string]any{"correlation_id": "nope"})
	assert.Equal(t, "trace nope not found", resp["error"])

	resp = call(t, rt, "correlation:trace", nil)
	assert.Equal(t, "correlation_id required", resp["error"])
}

func TestChainAndTree(t *testing.T) {
	_, rt, traces := newTestService(t)

	traces.Begin("root-2", "", "agent:spawn", nil)
	traces.Begin("mid-2", "root-2", "completion:async", nil)
	traces.Begin("leaf-2", "mid-2", "completion:result", nil)

	for _, name := range []string{"correlation:chain", "monitor:get_correlation_chain"} {
		resp := call(t, rt, name, map[string]any{"correlation_id": "leaf-2"})
		require.Equal(t, 3, resp["count"], name)
		chain, ok := resp["chain"].([]*correlation.Trace)
		require.True(t, ok, name)
		assert.Equal(t, "leaf-2", chain[0].CorrelationID)
		assert.Equal(t, "root-2", chain[2].CorrelationID)
	}

	// Tree resolves to the chain root no matter which node is named.
	resp := call(t, rt, "correlation:tree", map[string]any{"correlation_id": "leaf-2"})
	node, ok := resp["tree"].(*correlation.Node)
	require.True(t, ok)
	assert.Equal(t, "root-2", node.Trace.CorrelationID)
	require.Len(t, node.Children, 1)
	assert.Equal(t, "mid-2", node.Children[0].Trace.CorrelationID)

	resp = call(t, rt, "correlation:tree", map[string]any{"correlation_id": "missing"})
	assert.Equal(t, "trace missing not found", resp["error"])
}

func TestTraceStatsAndCleanup(t *testing.T) {
	_, rt, traces := newTestService(t)

	traces.Begin("old-1", "", "state:set", nil)
	traces.End("old-1", nil, "")
	traces.Begin("live-1", "", "completion:async", nil)

	resp := rt.EmitFirst(t.Context(), "correlation:stats", nil, nil)
	stats, ok := resp.(correlation.Stats)
	require.True(t, ok)
	// The dispatches themselves mint traces too, so compare to live counts.
	assert.GreaterOrEqual(t, stats.Open, 1)
	assert.GreaterOrEqual(t, stats.Completed, 1)

	time.Sleep(10 * time.Millisecond)
	m := call(t, rt, "correlation:cleanup", map[string]any{"max_age_hours": 0.000001})
	require.GreaterOrEqual(t, m["removed"].(int), 1)

	_, found := traces.Get("old-1")
	assert.False(t, found, "aged completed trace should be purged")
	_, found = traces.Get("live-1")
	assert.True(t, found, "open trace must survive cleanup")
}
