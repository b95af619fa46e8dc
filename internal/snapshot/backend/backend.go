// Package backend selects a snapshot.Store implementation from a location string.
package backend

import (
	"fmt"
	"strings"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
	snapshotpg "github.com/tokligence/wechat-bridge/internal/snapshot/postgres"
	snapshotredis "github.com/tokligence/wechat-bridge/internal/snapshot/redis"
	snapshotsqlite "github.com/tokligence/wechat-bridge/internal/snapshot/sqlite"
)

// Kind names the storage backend a location resolves to.
type Kind string

const (
	KindFile     Kind = "file"
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
	KindRedis    Kind = "redis"
)

// Resolve splits a location into its backend kind and backend-specific target.
//
//	/var/lib/bridge/token.json        -> file
//	file:///var/lib/bridge/token.json -> file
//	sqlite:///var/lib/bridge/state.db -> sqlite
//	postgres://user:pw@host/db        -> postgres (DSN passed through)
//	redis://host:6379/0               -> redis (URL passed through)
func Resolve(location string) (Kind, string, error) {
	loc := strings.TrimSpace(location)
	if loc == "" {
		return "", "", fmt.Errorf("snapshot location is empty")
	}
	lower := strings.ToLower(loc)
	switch {
	case strings.HasPrefix(lower, "file://"):
		return KindFile, loc[len("file://"):], nil
	case strings.HasPrefix(lower, "sqlite://"):
		return KindSQLite, loc[len("sqlite://"):], nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return KindPostgres, loc, nil
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return KindRedis, loc, nil
	case strings.Contains(lower, "://"):
		return "", "", fmt.Errorf("unsupported snapshot location scheme %q", loc)
	default:
		return KindFile, loc, nil
	}
}

// Open resolves location and opens the matching store. key scopes the
// snapshot inside shared backends and is normally the app id.
func Open(location, key string) (snapshot.Store, error) {
	kind, target, err := Resolve(location)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSQLite:
		return snapshotsqlite.New(target, key)
	case KindPostgres:
		return snapshotpg.New(target, key)
	case KindRedis:
		return snapshotredis.New(target, key)
	default:
		return snapshot.NewFileStore(target), nil
	}
}
