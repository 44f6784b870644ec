package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const sessionUpsertSQL = `
INSERT INTO sessions (session_id, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
	data = excluded.data,
	updated_at = excluded.updated_at`

// SessionGet reads the scratch data for one session.
func (s *Store) SessionGet(ctx context.Context, sessionID string) (map[string]any, bool, error) {
	if sessionID == "" {
		return nil, false, fmt.Errorf("session get: session_id required")
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session get %s: %w", sessionID, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return data, true, nil
}

// SessionUpdate merges fields into the session's scratch data and
// returns the merged result. A missing session is created. A field set
// to nil is removed.
func (s *Store) SessionUpdate(ctx context.Context, sessionID string, fields map[string]any) (map[string]any, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session update: session_id required")
	}

	unlock := s.keys.lock("session\x00" + sessionID)
	defer unlock()

	data, _, err := s.SessionGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			delete(data, k)
			continue
		}
		data[k] = v
	}

	encoded, err := encodeValue(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, sessionUpsertSQL, sessionID, encoded, now()); err != nil {
		return nil, fmt.Errorf("session update %s: %w", sessionID, err)
	}
	return data, nil
}

// SessionDelete removes one session's scratch data.
func (s *Store) SessionDelete(ctx context.Context, sessionID string) (bool, error) {
	unlock := s.keys.lock("session\x00" + sessionID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("session delete %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
