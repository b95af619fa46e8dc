package hooks

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/wechat-bridge/internal/ledger"
)

var errNoLedger = errors.New("hooks: no ledger behind tap")

// LedgerTap is a ledger.Store that emits one Event per recorded entry before
// passing the entry on. Queries go straight to the wrapped store.
type LedgerTap struct {
	next       ledger.Store // may be nil when only hooks are wanted
	dispatcher *Dispatcher
	logger     *log.Logger
	now        func() time.Time
}

// NewLedgerTap wraps next. Hook failures are logged and never fail Record.
func NewLedgerTap(next ledger.Store, dispatcher *Dispatcher, logger *log.Logger) *LedgerTap {
	return &LedgerTap{next: next, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// EventFor classifies a journal entry.
func EventFor(entry ledger.Entry) EventType {
	switch {
	case !entry.Delivered:
		return EventDeliveryAbandoned
	case entry.Outcome == ledger.OutcomeReply:
		return EventReplyDelivered
	default:
		return EventFallbackDelivered
	}
}

func (t *LedgerTap) Record(ctx context.Context, entry ledger.Entry) error {
	var err error
	if t.next != nil {
		err = t.next.Record(ctx, entry)
	}
	evt := Event{
		ID:         uuid.NewString(),
		Type:       EventFor(entry),
		OccurredAt: t.now().UTC(),
		TaskID:     entry.TaskID,
		OpenID:     entry.OpenID,
		Metadata: map[string]any{
			"service_type":  entry.ServiceType,
			"outcome":       string(entry.Outcome),
			"push_attempts": entry.PushAttempts,
			"latency_ms":    entry.LatencyMillis,
		},
	}
	if entry.Error != "" {
		evt.Metadata["error"] = entry.Error
	}
	if herr := t.dispatcher.Emit(ctx, evt); herr != nil && t.logger != nil {
		t.logger.Printf("hook for task %s failed: %v", entry.TaskID, herr)
	}
	return err
}

func (t *LedgerTap) Summary(ctx context.Context) (ledger.Summary, error) {
	if t.next == nil {
		return ledger.Summary{}, errNoLedger
	}
	return t.next.Summary(ctx)
}

func (t *LedgerTap) ListRecent(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	if t.next == nil {
		return nil, errNoLedger
	}
	return t.next.ListRecent(ctx, filter)
}

func (t *LedgerTap) Close() error {
	if t.next == nil {
		return nil
	}
	return t.next.Close()
}
