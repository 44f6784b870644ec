package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadLoaderLastLineOfJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeJSONLine(t, path, map[string]any{"request_id": "req-1", "result": "first"})
	writeJSONLine(t, path, map[string]any{"request_id": "req-2", "result": "second"})

	loader, err := NewPayloadLoader(8)
	require.NoError(t, err)

	v, err := loader.Load(path)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req-2", m["request_id"])
}

func TestPayloadLoaderPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("composed prompt text"), 0o644))

	loader, err := NewPayloadLoader(8)
	require.NoError(t, err)

	v, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "composed prompt text", v)
}

func TestPayloadLoaderCacheInvalidatesOnAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeJSONLine(t, path, map[string]any{"request_id": "req-1"})

	loader, err := NewPayloadLoader(8)
	require.NoError(t, err)

	v1, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "req-1", v1.(map[string]any)["request_id"])

	// Appending changes the file size, so the next load re-reads.
	writeJSONLine(t, path, map[string]any{"request_id": "req-2"})
	v2, err := loader.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "req-2", v2.(map[string]any)["request_id"])
}

func TestPayloadLoaderMissingFile(t *testing.T) {
	loader, err := NewPayloadLoader(8)
	require.NoError(t, err)

	_, err = loader.Load(filepath.Join(t.TempDir(), "gone.jsonl"))
	require.Error(t, err)
}

func TestHydrateBestEffort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	writeJSONLine(t, path, map[string]any{"result": "real content"})

	loader, err := NewPayloadLoader(8)
	require.NoError(t, err)

	data := map[string]any{
		"result": "<ref:" + path + ">",
		"prompt": "<ref:/nonexistent/file>",
		"other":  "untouched",
	}
	out := loader.Hydrate(data, map[string]string{
		"result": path,
		"prompt": "/nonexistent/file",
	})

	assert.Equal(t, "real content", out["result"].(map[string]any)["result"])
	// Failed loads leave the sentinel in place.
	assert.Equal(t, "<ref:/nonexistent/file>", out["prompt"])
	assert.Equal(t, "untouched", out["other"])
}
