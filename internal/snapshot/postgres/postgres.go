package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
)

// Store implements snapshot.Store backed by PostgreSQL.
type Store struct {
	db  *sql.DB
	key string
}

// New opens a PostgreSQL-backed snapshot store using the provided DSN.
func New(dsn, key string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, key: key}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS credential_snapshots (
	snapshot_key TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	app_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
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

func (s *Store) Load(ctx context.Context) (snapshot.Record, error) {
	var rec snapshot.Record
	err := s.db.QueryRowContext(ctx, `
SELECT access_token, expires_at, app_id, fingerprint, saved_at
FROM credential_snapshots
WHERE snapshot_key = $1`, s.key).Scan(&rec.Token, &rec.ExpiresAt, &rec.AppID, &rec.Fingerprint, &rec.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Record{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Record{}, err
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.SavedAt = rec.SavedAt.UTC()
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec snapshot.Record) error {
	saved := rec.SavedAt
	if saved.IsZero() {
		saved = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credential_snapshots(snapshot_key, access_token, expires_at, app_id, fingerprint, saved_at)
VALUES($1, $2, $3, $4, $5, $6)
ON CONFLICT(snapshot_key) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	expires_at = EXCLUDED.expires_at,
	app_id = EXCLUDED.app_id,
	fingerprint = EXCLUDED.fingerprint,
	saved_at = EXCLUDED.saved_at`,
		s.key, rec.Token, rec.ExpiresAt.UTC(), rec.AppID, rec.Fingerprint, saved)
	return err
}
