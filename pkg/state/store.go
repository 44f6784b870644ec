// Package state is the SQLite-backed shared state store: namespaced
// key/value entries, per-session scratch data, and FIFO async queues
// with optional per-item TTL.
//
// Writes to one (namespace, key) are serialized by an in-process keyed
// mutex; SQLite's WAL handles cross-process readers. Values round-trip
// as JSON.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ksi-project/ksi/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultNamespace is used when an operation omits the namespace.
const DefaultNamespace = "global"

// ErrNotFound is returned by the typed accessors when the entry does
// not exist. The plain Get/Pop forms report absence with a bool
// instead.
var ErrNotFound = errors.New("state: not found")

// Store wraps the state database.
type Store struct {
	db   *sql.DB
	keys *keyedMutex
}

// Open opens (creating if needed) the state database at path and
// applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return &Store{db: db, keys: newKeyedMutex()}, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return string(b), nil
}

func decodeValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		// Pre-JSON rows or hand-edited files; surface the raw text.
		return s
	}
	return v
}

const setSQL = `
INSERT INTO kv (namespace, key, value, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET
	value = excluded.value,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`

// Set upserts one entry. A nil metadata map stores empty metadata.
func (s *Store) Set(ctx context.Context, namespace, key string, value any, metadata map[string]any) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return err
	}
	meta := ""
	if len(metadata) > 0 {
		if meta, err = encodeValue(metadata); err != nil {
			return err
		}
	}

	unlock := s.keys.lock(namespace + "\x00" + key)
	defer unlock()

	ts := now()
	_, err = s.db.ExecContext(ctx, setSQL, namespace, key, encoded, meta, ts, ts)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Entry is one KV read result.
type Entry struct {
	Namespace string
	Key       string
	Value     any
	Metadata  map[string]any
	CreatedAt float64
	UpdatedAt float64
}

const getSQL = `
SELECT value, metadata, created_at, updated_at
FROM kv WHERE namespace = ? AND key = ?`

// Get reads one entry. Absence is reported via found, not an error.
func (s *Store) Get(ctx context.Context, namespace, key string) (*Entry, bool, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var value, meta string
	e := &Entry{Namespace: namespace, Key: key}
	err := s.db.QueryRowContext(ctx, getSQL, namespace, key).
		Scan(&value, &meta, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	e.Value = decodeValue(value)
	if meta != "" {
		if m, ok := decodeValue(meta).(map[string]any); ok {
			e.Metadata = m
		}
	}
	return e, true, nil
}

// GetJSON reads one entry and decodes its value into out. Returns
// ErrNotFound when the entry does not exist.
func (s *Store) GetJSON(ctx context.Context, namespace, key string, out any) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var value string
	var meta string
	var created, updated float64
	err := s.db.QueryRowContext(ctx, getSQL, namespace, key).
		Scan(&value, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", namespace, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes one entry and reports whether it existed.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	unlock := s.keys.lock(namespace + "\x00" + key)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Keys lists the keys in a namespace, sorted.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return s.stringColumn(ctx,
		`SELECT key FROM kv WHERE namespace = ? ORDER BY key`, namespace)
}

// Namespaces lists the distinct namespaces with at least one entry.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx,
		`SELECT DISTINCT namespace FROM kv ORDER BY namespace`)
}

// Clear removes every entry in a namespace and returns the count.
func (s *Store) Clear(ctx context.Context, namespace string) (int64, error) {
	if namespace == "" {
		return 0, fmt.Errorf("clear: namespace required")
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", namespace, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
