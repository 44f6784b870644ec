package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PayloadLoader resolves externalized payload references back into
// values on the query path. Loads go through an LRU keyed by
// path+size, so appends to a response file naturally invalidate the
// cached value.
type PayloadLoader struct {
	cache *lru.Cache[string, any]
}

// NewPayloadLoader builds a loader with the given cache capacity.
func NewPayloadLoader(cacheSize int) (*PayloadLoader, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, any](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build payload cache: %w", err)
	}
	return &PayloadLoader{cache: cache}, nil
}

// Load reads the content a reference points at. JSONL files yield the
// parsed last line (session response files append one completion per
// line, so the last line is the referenced response); anything else
// yields the raw file content as a string.
func (l *PayloadLoader) Load(path string) (any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat payload ref %s: %w", path, err)
	}
	key := fmt.Sprintf("%s:%d", path, info.Size())
	if v, ok := l.cache.Get(key); ok {
		return v, nil
	}

	var value any
	if strings.HasSuffix(path, ".jsonl") {
		line, err := lastLine(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(line, &value); err != nil {
			// A torn final line still hydrates as text.
			value = string(line)
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload ref %s: %w", path, err)
		}
		value = string(raw)
	}

	l.cache.Add(key, value)
	return value, nil
}

// Hydrate replaces "<ref:...>" sentinels in data with loaded content
// for every field in refs. Load failures leave the sentinel in place;
// hydration is best effort.
func (l *PayloadLoader) Hydrate(data map[string]any, refs map[string]string) map[string]any {
	if len(refs) == 0 || data == nil {
		return data
	}
	for field, path := range refs {
		v, err := l.Load(path)
		if err != nil {
			continue
		}
		data[field] = v
	}
	return data
}

// lastLine returns the final non-empty line of a file.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open payload ref %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var last []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan payload ref %s: %w", path, err)
	}
	if len(last) == 0 {
		return nil, fmt.Errorf("payload ref %s is empty", path)
	}
	return last, nil
}
