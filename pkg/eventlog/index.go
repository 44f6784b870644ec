package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ksi-project/ksi/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Index is the SQLite metadata index over the JSONL files: one row per
// event with indexed routing columns plus the file/offset needed to
// load the full entry back.
type Index struct {
	db *sql.DB
}

// Row is one index row. Data is not stored in the index; LoadEntry
// reads it from the JSONL file the row points at.
type Row struct {
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
	FilePath      string            `json:"file_path"`
	FileOffset    int64             `json:"file_offset"`
	PayloadRefs   map[string]string `json:"payload_refs,omitempty"`
}

// QueryOptions filter a metadata query. Zero values mean "no filter".
type QueryOptions struct {
	// EventPatterns are exact names or suffix globs ("completion:*").
	EventPatterns []string
	OriginatorID  string
	SessionID     string
	CorrelationID string
	// StartTime/EndTime bound the float-seconds timestamp, inclusive.
	StartTime float64
	EndTime   float64
	// Limit caps returned rows; 0 applies the default of 100.
	Limit int
}

// OpenIndex opens the index database at path and applies migrations.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := database.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event index: %w", err)
	}
	return &Index{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (ix *Index) DB() *sql.DB { return ix.db }

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

const insertEventSQL = `
INSERT INTO events (
	event_id, timestamp, event_name, event_type, originator_id,
	construct_id, correlation_id, request_id, session_id, status,
	model, purpose, file_path, file_offset, payload_refs
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`

// InsertBatch writes index rows for one flushed JSONL batch in a single
// transaction, so the index and the file agree per batch.
func (ix *Index) InsertBatch(ctx context.Context, entries []*Entry, filePath string, offsets []int64) error {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) != len(offsets) {
		return fmt.Errorf("entries/offsets length mismatch: %d vs %d", len(entries), len(offsets))
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("prepare index insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, e := range entries {
		refs := ""
		if len(e.PayloadRefs) > 0 {
			raw, err := json.Marshal(e.PayloadRefs)
			if err != nil {
				return fmt.Errorf("marshal payload refs for %s: %w", e.EventID, err)
			}
			refs = string(raw)
		}
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.Timestamp, e.EventName, e.EventType, e.OriginatorID,
			e.ConstructID, e.CorrelationID, e.RequestID, e.SessionID, e.Status,
			e.Model, e.Purpose, filePath, offsets[i], refs,
		); err != nil {
			return fmt.Errorf("insert index row %s: %w", e.EventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index batch: %w", err)
	}
	return nil
}

// Query returns matching rows newest-first. Wildcards in event patterns
// translate to SQL LIKE.
func (ix *Index) Query(ctx context.Context, opts QueryOptions) ([]*Row, error) {
	var where []string
	var args []any

	if len(opts.EventPatterns) > 0 {
		var pats []string
		for _, p := range opts.EventPatterns {
			if strings.Contains(p, "*") {
				pats = append(pats, "event_name LIKE ?")
				args = append(args, strings.ReplaceAll(p, "*", "%"))
			} else {
				pats = append(pats, "event_name = ?")
				args = append(args, p)
			}
		}
		where = append(where, "("+strings.Join(pats, " OR ")+")")
	}
	if opts.OriginatorID != "" {
		where = append(where, "originator_id = ?")
		args = append(args, opts.OriginatorID)
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, opts.CorrelationID)
	}
	if opts.StartTime > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.StartTime)
	}
	if opts.EndTime > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, opts.EndTime)
	}

	query := `SELECT event_id, timestamp, event_name, event_type, originator_id,
		construct_id, correlation_id, request_id, session_id, status,
		model, purpose, file_path, file_offset, payload_refs FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query event index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Row
	for rows.Next() {
		r := &Row{}
		var refs string
		if err := rows.Scan(
			&r.EventID, &r.Timestamp, &r.EventName, &r.EventType, &r.OriginatorID,
			&r.ConstructID, &r.CorrelationID, &r.RequestID, &r.SessionID, &r.Status,
			&r.Model, &r.Purpose, &r.FilePath, &r.FileOffset, &refs,
		); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		if refs != "" {
			if err := json.Unmarshal([]byte(refs), &r.PayloadRefs); err != nil {
				return nil, fmt.Errorf("unmarshal payload refs for %s: %w", r.EventID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of indexed events.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// DeleteBefore removes index rows older than the cutoff timestamp,
// returning the number deleted. Used by retention alongside removal of
// the aged day directories.
func (ix *Index) DeleteBefore(ctx context.Context, cutoff float64) (int64, error) {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete aged events: %w", err)
	}
	return res.RowsAffected()
}
