// Package history persists a task lifecycle journal to SQLite. The journal
// is observability only: dispatch state lives in memory and is never
// restored from it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shuttle/internal/config"
)

// Store manages the journal database.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS task_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bead_id TEXT NOT NULL,
    worker TEXT NOT NULL DEFAULT '',
    event TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_bead ON task_events(bead_id);
CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);
`

// Open initializes or connects to the journal database in the log directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "history.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Event is one journal row.
type Event struct {
	BeadID    string
	Worker    string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Append records a task lifecycle event.
func (s *Store) Append(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return errors.New("history store unavailable")
	}
	if strings.TrimSpace(e.BeadID) == "" || strings.TrimSpace(e.Event) == "" {
		return errors.New("history event requires bead id and event name")
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (bead_id, worker, event, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.BeadID, e.Worker, e.Event, e.Detail, createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store unavailable")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT bead_id, worker, event, detail, created_at FROM task_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.BeadID, &e.Worker, &e.Event, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than the retention window. A retention of zero
// or less disables pruning.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("history store unavailable")
	}
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return removed, nil
}
