package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot: not found")

// Record is the durable form of an access credential.
type Record struct {
	Token       string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	AppID       string    `json:"app_id"`
	Fingerprint string    `json:"fingerprint"`
	SavedAt     time.Time `json:"saved_at"`
}

// Store persists a single credential snapshot.
type Store interface {
	Load(ctx context.Context) (Record, error)
	Save(ctx context.Context, rec Record) error
	Close() error
}
