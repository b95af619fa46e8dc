package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tokligence/wechat-bridge/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
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
	id BIGSERIAL PRIMARY KEY,
	task_id UUID NOT NULL,
	open_id TEXT NOT NULL DEFAULT '',
	service_type TEXT NOT NULL DEFAULT 'default',
	outcome TEXT NOT NULL CHECK(outcome IN ('reply','timeout','error')),
	delivered BOOLEAN NOT NULL DEFAULT FALSE,
	push_attempts INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_delivery_entries_open_created ON delivery_entries(open_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_delivery_entries_outcome ON delivery_entries(outcome) WHERE outcome <> 'reply';
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
	var errText any
	if entry.Error != "" {
		errText = entry.Error
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_entries(task_id, open_id, service_type, outcome, delivered, push_attempts, latency_ms, error, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.TaskID,
		entry.OpenID,
		entry.ServiceType,
		string(entry.Outcome),
		entry.Delivered,
		entry.PushAttempts,
		entry.LatencyMillis,
		errText,
		created,
	)
	return err
}

// Summary returns aggregated outcome counts.
func (s *Store) Summary(ctx context.Context) (ledger.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE outcome = 'reply'),
	COUNT(*) FILTER (WHERE outcome = 'timeout'),
	COUNT(*) FILTER (WHERE outcome = 'error'),
	COUNT(*) FILTER (WHERE delivered)
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
		args = append(args, filter.OpenID)
		where = append(where, fmt.Sprintf("open_id = $%d", len(args)))
	}
	if len(filter.Outcomes) > 0 {
		outcomes := make([]string, len(filter.Outcomes))
		for i, o := range filter.Outcomes {
			outcomes[i] = string(o)
		}
		args = append(args, pq.Array(outcomes))
		where = append(where, fmt.Sprintf("outcome = ANY($%d)", len(args)))
	}
	query := `
SELECT id, task_id, open_id, service_type, outcome, delivered, push_attempts, latency_ms, COALESCE(error, ''), created_at
FROM delivery_entries`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf("\nORDER BY created_at DESC, id DESC\nLIMIT $%d", len(args))

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
