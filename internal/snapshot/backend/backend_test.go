package backend

import (
	"path/filepath"
	"testing"

	"github.com/tokligence/wechat-bridge/internal/snapshot"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		location   string
		wantKind   Kind
		wantTarget string
		wantErr    bool
	}{
		{location: "data/token.json", wantKind: KindFile, wantTarget: "data/token.json"},
		{location: "file:///var/lib/token.json", wantKind: KindFile, wantTarget: "/var/lib/token.json"},
		{location: "sqlite:///var/lib/state.db", wantKind: KindSQLite, wantTarget: "/var/lib/state.db"},
		{location: "postgres://u:p@db/bridge", wantKind: KindPostgres, wantTarget: "postgres://u:p@db/bridge"},
		{location: "postgresql://db/bridge", wantKind: KindPostgres, wantTarget: "postgresql://db/bridge"},
		{location: "redis://cache:6379/2", wantKind: KindRedis, wantTarget: "redis://cache:6379/2"},
		{location: "s3://bucket/key", wantErr: true},
		{location: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			kind, target, err := Resolve(tt.location)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.location)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if kind != tt.wantKind || target != tt.wantTarget {
				t.Fatalf("Resolve(%q) = (%s, %s), want (%s, %s)", tt.location, kind, target, tt.wantKind, tt.wantTarget)
			}
		})
	}
}

func TestOpenFileAndSQLite(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := Open(filepath.Join(dir, "token.json"), "wx1")
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if _, ok := fileStore.(*snapshot.FileStore); !ok {
		t.Fatalf("expected *snapshot.FileStore, got %T", fileStore)
	}
	sqliteStore, err := Open("sqlite://"+filepath.Join(dir, "state.db"), "wx1")
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer sqliteStore.Close()
}
