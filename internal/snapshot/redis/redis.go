package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
)

const defaultKeyPrefix = "wechat-bridge:credential:"

// Store implements snapshot.Store using a Redis string key. The key expires
// together with the credential it holds.
type Store struct {
	client goredis.UniversalClient
	key    string
	now    func() time.Time
}

// New connects to the Redis instance described by url (redis://[:pass@]host:port/db).
func New(url, key string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, key), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, key string) *Store {
	return &Store{client: client, key: defaultKeyPrefix + key, now: time.Now}
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Load(ctx context.Context) (snapshot.Record, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return snapshot.Record{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Record{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	var rec snapshot.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return snapshot.Record{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec snapshot.Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		// Already expired: keep it briefly for diagnostics only.
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
