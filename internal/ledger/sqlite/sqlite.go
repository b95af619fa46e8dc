package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/wechat-bridge/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS delivery_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	open_id TEXT NOT NULL DEFAULT '',
	service_type TEXT NOT NULL DEFAULT 'default',
	outcome TEXT NOT NULL CHECK(outcome IN ('reply','timeout','error')),
	delivered INTEGER NOT NULL DEFAULT 0,
	push_attempts INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_delivery_entries_open_created ON delivery_entries(open_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new delivery entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := ledger.Validate(entry); err != nil {
		return err
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_entries(task_id, open_id, service_type, outcome, delivered, push_attempts, latency_ms, error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID,
		entry.OpenID,
		entry.ServiceType,
		string(entry.Outcome),
		entry.Delivered,
		entry.PushAttempts,
		entry.LatencyMillis,
		entry.Error,
		created.UTC(),
	)
	return err
}

// Summary returns aggregated outcome counts.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome='reply' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome='timeout' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome='error' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN delivered=1 THEN 1 ELSE 0 END), 0)
FROM delivery_entries`)

	var sum ledger.Summary
	if err := row.Scan(&sum.Total, &sum.Replies, &sum.Timeouts, &sum.Errors, &sum.Delivered); err != nil {
		return ledger.Summary{}, err
	}
	sum.Abandoned = sum.Total - sum.Delivered
	return sum, nil
}

// ListRecent returns the latest entries matching filter.
func (s *Store) ListRecent(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if filter.OpenID != "" {
		where = append(where, "open_id = ?")
		args = append(args, filter.OpenID)
	}
	if len(filter.Outcomes) > 0 {
		marks := make([]string, len(filter.Outcomes))
		for i, o := range filter.Outcomes {
			marks[i] = "?"
			args = append(args, string(o))
		}
		where = append(where, "outcome IN ("+strings.Join(marks, ",")+")")
	}
	query := `
SELECT id, task_id, open_id, service_type, outcome, delivered, push_attempts, latency_ms, COALESCE(error, ''), created_at
FROM delivery_entries`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY created_at DESC, id DESC\nLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.OpenID, &e.ServiceType, &outcome, &e.Delivered, &e.PushAttempts, &e.LatencyMillis, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
