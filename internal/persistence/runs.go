package persistence

import (
	"fmt"
	"time"

	"github.com/basket/nodegate/internal/subagents"
)

// RecordRun persists a finalized subagent run. Satisfies
// subagents.RunRecorder.
func (s *Store) RecordRun(snapshot subagents.Snapshot, outcome subagents.Outcome) error {
	err := s.exec(
		`INSERT INTO subagent_runs (run_id, requester, task, status, error, started_at, ended_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, error = excluded.error, ended_at = excluded.ended_at`,
		snapshot.RunID,
		snapshot.RequesterDisplayKey,
		snapshot.Task,
		outcome.Status,
		outcome.Error,
		timestamp(snapshot.StartedAt),
		timestamp(snapshot.EndedAt),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RunHistoryEntry is one finalized run row.
type RunHistoryEntry struct {
	RunID     string `json:"run_id"`
	Requester string `json:"requester"`
	Task      string `json:"task"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// RunHistory returns the most recent finalized runs, newest first.
func (s *Store) RunHistory(limit int) ([]RunHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	rows, err := s.db.Query(
		`SELECT run_id, requester, task, status, error FROM subagent_runs ORDER BY created_at DESC LIMIT ?`, limit)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()

	var out []RunHistoryEntry
	for rows.Next() {
		var e RunHistoryEntry
		if err := rows.Scan(&e.RunID, &e.Requester, &e.Task, &e.Status, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneRuns deletes finalized run rows older than the retention window.
// Called from the maintenance loop; returns rows removed.
func (s *Store) PruneRuns(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM subagent_runs WHERE created_at < ?`, cutoff)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
