// Package persistence is the sqlite-backed store for session state, subagent
// run history, and the audit log table.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single sqlite handle. The connection pool is pinned to one
// connection; sqlite serializes writers anyway and a single handle keeps WAL
// bookkeeping simple.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// DefaultDBPath places the database under the gateway home directory.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "nodegate.db")
}

// Open opens (creating if needed) the gateway database and ensures the
// schema exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store := &Store{path: path, logger: logger.With("component", "persistence")}
	if err := store.open(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) open() error {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", s.path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return fmt.Errorf("configure pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subagent_runs (
			run_id TEXT PRIMARY KEY,
			requester TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			method TEXT NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle (the audit package writes through it).
func (s *Store) DB() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// exec runs a write statement. A "readonly" failure (stale WAL handle after
// the file was rotated or its permissions changed underneath us) is a
// transient infra condition: the handle is reopened and the statement
// retried exactly once before the error surfaces.
func (s *Store) exec(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(query, args...)
	if err == nil || !isReadonlyErr(err) {
		return err
	}
	s.logger.Warn("sqlite handle went readonly, reopening", "error", err)
	_ = s.db.Close()
	if openErr := s.open(); openErr != nil {
		return fmt.Errorf("reopen after readonly: %w", openErr)
	}
	_, err = s.db.Exec(query, args...)
	return err
}

func isReadonlyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "readonly") || strings.Contains(msg, "read-only")
}

func timestamp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
