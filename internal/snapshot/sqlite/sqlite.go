package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
)

// Store implements snapshot.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	key string
}

// New opens (or creates) a SQLite snapshot store at the given path. Snapshots
// are keyed by app id so several bridges may share one database file.
func New(path, key string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db, key: key}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credential_snapshots (
	snapshot_key TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	app_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
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

func (s *Store) Load(ctx context.Context) (snapshot.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT access_token, expires_at, app_id, fingerprint, saved_at
FROM credential_snapshots
WHERE snapshot_key = ?`, s.key)

	var (
		rec              snapshot.Record
		expires, savedAt int64
	)
	if err := row.Scan(&rec.Token, &expires, &rec.AppID, &rec.Fingerprint, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snapshot.Record{}, snapshot.ErrNotFound
		}
		return snapshot.Record{}, err
	}
	rec.ExpiresAt = time.Unix(expires, 0).UTC()
	rec.SavedAt = time.Unix(savedAt, 0).UTC()
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec snapshot.Record) error {
	saved := rec.SavedAt
	if saved.IsZero() {
		saved = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credential_snapshots(snapshot_key, access_token, expires_at, app_id, fingerprint, saved_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(snapshot_key) DO UPDATE SET
	access_token = excluded.access_token,
	expires_at = excluded.expires_at,
	app_id = excluded.app_id,
	fingerprint = excluded.fingerprint,
	saved_at = excluded.saved_at`,
		s.key,
		rec.Token,
		rec.ExpiresAt.Unix(),
		rec.AppID,
		rec.Fingerprint,
		saved.Unix(),
	)
	return err
}
