package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SessionRecord is one persisted session row. Data holds arbitrary
// session-scoped fields as a JSON object.
type SessionRecord struct {
	SessionKey string         `json:"session_key"`
	Data       map[string]any `json:"data"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PatchSession merges fields into a session row, creating it if absent.
// A nil value in fields deletes that key.
func (s *Store) PatchSession(sessionKey string, fields map[string]any) (SessionRecord, error) {
	rec, err := s.GetSession(sessionKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, err
	}
	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	rec.SessionKey = sessionKey
	for k, v := range fields {
		if v == nil {
			delete(rec.Data, k)
			continue
		}
		rec.Data[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()

	blob, err := json.Marshal(rec.Data)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("encode session data: %w", err)
	}
	err = s.exec(
		`INSERT INTO sessions (session_key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sessionKey, string(blob), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("patch session: %w", err)
	}
	return rec, nil
}

// GetSession loads one session row. sql.ErrNoRows when absent.
func (s *Store) GetSession(sessionKey string) (SessionRecord, error) {
	s.mu.Lock()
	row := s.db.QueryRow(`SELECT data, updated_at FROM sessions WHERE session_key = ?`, sessionKey)
	s.mu.Unlock()

	var blob, updated string
	if err := row.Scan(&blob, &updated); err != nil {
		return SessionRecord{}, err
	}
	rec := SessionRecord{SessionKey: sessionKey}
	if err := json.Unmarshal([]byte(blob), &rec.Data); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session data: %w", err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, nil
}

// DeleteSession removes a session row. Deleting an absent key is a no-op.
func (s *Store) DeleteSession(sessionKey string) error {
	if err := s.exec(`DELETE FROM sessions WHERE session_key = ?`, sessionKey); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns every persisted session key.
func (s *Store) ListSessions() ([]string, error) {
	s.mu.Lock()
	rows, err := s.db.Query(`SELECT session_key FROM sessions ORDER BY session_key`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
