package ledger

import (
	"context"
	"time"
)

// Outcome is the recorded result of the downstream call for one message.
type Outcome string

const (
	OutcomeReply   Outcome = "reply"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeReply, OutcomeTimeout, OutcomeError:
		return true
	}
	return false
}

// Entry is one dispatched message as recorded in the delivery journal.
// Message content is never stored.
type Entry struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	OpenID        string    `json:"open_id"`
	ServiceType   string    `json:"service_type"`
	Outcome       Outcome   `json:"outcome"`
	Delivered     bool      `json:"delivered"`
	PushAttempts  int       `json:"push_attempts"`
	LatencyMillis int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary aggregates the journal.
type Summary struct {
	Total     int64 `json:"total"`
	Replies   int64 `json:"replies"`
	Timeouts  int64 `json:"timeouts"`
	Errors    int64 `json:"errors"`
	Delivered int64 `json:"delivered"`
	Abandoned int64 `json:"abandoned"`
}

// Filter narrows ListRecent. Zero values match everything.
type Filter struct {
	OpenID   string
	Outcomes []Outcome
	Limit    int
}

// Store defines persistence behaviour for the delivery journal.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}
