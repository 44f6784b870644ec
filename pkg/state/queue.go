package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queuePushSQL = `
INSERT INTO queue_items (namespace, key, seq, value, created_at, expires_at)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue_items WHERE namespace = ? AND key = ?), ?, ?, ?)`

// Push appends a value to the (namespace, key) queue. A positive ttl
// sets the item's expiry; zero means the item never expires. Returns
// the live queue length after the push.
func (s *Store) Push(ctx context.Context, namespace, key string, value any, ttl time.Duration) (int, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if key == "" {
		return 0, fmt.Errorf("push: key required")
	}
	encoded, err := encodeValue(value)
	if err != nil {
		return 0, err
	}

	unlock := s.keys.lock("queue\x00" + namespace + "\x00" + key)
	defer unlock()

	ts := now()
	var expires any
	if ttl > 0 {
		expires = ts + ttl.Seconds()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("push %s/%s: %w", namespace, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queuePushSQL,
		namespace, key, namespace, key, encoded, ts, expires); err != nil {
		return 0, fmt.Errorf("push %s/%s: %w", namespace, key, err)
	}
	var length int
	if err := tx.QueryRowContext(ctx, queueLengthSQL, namespace, key, ts).Scan(&length); err != nil {
		return 0, fmt.Errorf("push %s/%s: %w", namespace, key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("push %s/%s: %w", namespace, key, err)
	}
	return length, nil
}

const queuePopSQL = `
SELECT seq, value FROM queue_items
WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
ORDER BY seq LIMIT 1`

// Pop removes and returns the oldest live item. An empty queue (or one
// holding only expired items) reports found=false, not an error.
func (s *Store) Pop(ctx context.Context, namespace, key string) (any, bool, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	unlock := s.keys.lock("queue\x00" + namespace + "\x00" + key)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("pop %s/%s: %w", namespace, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var encoded string
	err = tx.QueryRowContext(ctx, queuePopSQL, namespace, key, now()).Scan(&seq, &encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pop %s/%s: %w", namespace, key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE namespace = ? AND key = ? AND seq = ?`,
		namespace, key, seq); err != nil {
		return nil, false, fmt.Errorf("pop %s/%s: %w", namespace, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("pop %s/%s: %w", namespace, key, err)
	}
	return decodeValue(encoded), true, nil
}

// GetQueue returns the live items in push order without consuming them.
func (s *Store) GetQueue(ctx context.Context, namespace, key string) ([]any, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM queue_items
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY seq`, namespace, key, now())
	if err != nil {
		return nil, fmt.Errorf("get queue %s/%s: %w", namespace, key, err)
	}
	defer func() { _ = rows.Close() }()

	var out []any
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("get queue %s/%s: %w", namespace, key, err)
		}
		out = append(out, decodeValue(encoded))
	}
	return out, rows.Err()
}

const queueLengthSQL = `
SELECT COUNT(*) FROM queue_items
WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`

// QueueLength counts the live items in a queue.
func (s *Store) QueueLength(ctx context.Context, namespace, key string) (int, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var n int
	err := s.db.QueryRowContext(ctx, queueLengthSQL, namespace, key, now()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue length %s/%s: %w", namespace, key, err)
	}
	return n, nil
}

// QueueKeys lists the keys in a namespace with at least one live item.
func (s *Store) QueueKeys(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return s.stringColumn(ctx,
		`SELECT DISTINCT key FROM queue_items
		 WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`, namespace, now())
}

// DeleteQueue removes a queue whole, expired items included, and
// returns the number of items removed. One statement, so concurrent
// pushers observe either the full queue or none of it.
func (s *Store) DeleteQueue(ctx context.Context, namespace, key string) (int64, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	unlock := s.keys.lock("queue\x00" + namespace + "\x00" + key)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return 0, fmt.Errorf("delete queue %s/%s: %w", namespace, key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpired purges items whose TTL has passed. The retention
// service calls this on interval; pop already skips expired items, so
// the sweep only reclaims space.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE expires_at IS NOT NULL AND expires_at <= ?`, now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
