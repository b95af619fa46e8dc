package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout marks a downstream call the adapter stopped waiting for.
var ErrTimeout = errors.New("dispatch: downstream timeout")

// Outcome is the result variant of the downstream leg.
type Outcome int

const (
	OutcomeReply Outcome = iota + 1
	OutcomeTimeout
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "reply"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	}
	return "unknown"
}

// Result is what the downstream leg produced. Err is set for OutcomeTimeout
// and OutcomeError.
type Result struct {
	Outcome Outcome
	Reply   Reply
	Err     error
	Latency time.Duration
}

// Delivery describes the push leg.
type Delivery struct {
	Kind      string
	Content   string
	Attempts  int
	Delivered bool
	Err       error
}

// State tracks a task through its two legs.
type State int32

const (
	StateQueued State = iota
	StateCalling
	StatePushing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateCalling:
		return "calling"
	case StatePushing:
		return "pushing"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Task is the handle returned by Adapter.Dispatch.
type Task struct {
	ID      string
	OpenID  string
	Service ServiceType
	Created time.Time

	state atomic.Int32
	done  chan struct{}

	mu       sync.Mutex
	result   Result
	hasRes   bool
	delivery Delivery
}

func newTask(id, openID string, service ServiceType, created time.Time) *Task {
	return &Task{ID: id, OpenID: openID, Service: service, Created: created, done: make(chan struct{})}
}

// State returns the current leg.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the push leg has finished (delivered or abandoned).
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task is done or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		res, _ := t.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the downstream result once the first leg has completed.
func (t *Task) Result() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.hasRes
}

// Delivery returns the push leg outcome. It is final once Done is closed.
func (t *Task) Delivery() Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivery
}

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

func (t *Task) setResult(r Result) {
	t.mu.Lock()
	t.result = r
	t.hasRes = true
	t.mu.Unlock()
}

func (t *Task) finish(d Delivery) {
	t.mu.Lock()
	t.delivery = d
	t.mu.Unlock()
	t.setState(StateDone)
	close(t.done)
}
