package health

import (
	"context"
	"database/sql"
	"net/http"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/tokligence/wechat-bridge/internal/testutil"
)

type stubCredentials struct {
	available bool
	lastErr   string
}

func (s stubCredentials) Available() bool   { return s.available }
func (s stubCredentials) LastError() string { return s.lastErr }

type stubQueue int

func (q stubQueue) Pending() int { return int(q) }

func findComponent(t *testing.T, status HealthStatus, name string) Component {
	t.Helper()
	for _, comp := range status.Components {
		if comp.Name == name {
			return comp
		}
	}
	t.Fatalf("component %s missing from %+v", name, status.Components)
	return Component{}
}

func TestCheckAllHealthy(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{
		Credentials:        stubCredentials{available: true},
		Databases:          map[string]*sql.DB{"ledger_db": db},
		Queues:             map[string]Queue{"dispatch": stubQueue(3)},
		QueueLimit:         10,
		DownstreamURL:      srv.URL,
		MaxDatabaseLatency: 1 << 62,
	})
	status := c.Check(context.Background())
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", status)
	}
	if len(status.Components) != 4 {
		t.Fatalf("expected 4 components, got %d", len(status.Components))
	}
	if comp := findComponent(t, status, "downstream"); comp.Message != "Reachable (HTTP 404)" {
		t.Fatalf("unexpected downstream message %q", comp.Message)
	}
	if c.GetLastStatus().Status != StatusHealthy {
		t.Fatalf("last status not retained")
	}
}

func TestCheckDegradedWithoutCredential(t *testing.T) {
	c := New(Config{
		Credentials: stubCredentials{lastErr: "40164: invalid ip"},
		Queues:      map[string]Queue{"push": stubQueue(5)},
		QueueLimit:  5,
	})
	status := c.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
	cred := findComponent(t, status, "access_token")
	if cred.Error != "40164: invalid ip" {
		t.Fatalf("expected last error surfaced, got %q", cred.Error)
	}
	if q := findComponent(t, status, "push"); q.Status != StatusDegraded {
		t.Fatalf("expected full queue degraded, got %s", q.Status)
	}
}

func TestCheckUnhealthyDatabase(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Close()

	c := New(Config{Databases: map[string]*sql.DB{"snapshot_db": db}})
	status := c.Check(context.Background())
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestGetLastStatusBeforeCheck(t *testing.T) {
	if got := New(Config{}).GetLastStatus().Status; got != StatusHealthy {
		t.Fatalf("expected healthy default, got %s", got)
	}
}
