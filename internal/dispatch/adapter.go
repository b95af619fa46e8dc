// Package dispatch forwards decoded messages to a downstream responder and
// pushes the mapped answer back to the user, both off the inbound request path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/wechat-bridge/internal/ledger"
	"github.com/tokligence/wechat-bridge/internal/message"
	"github.com/tokligence/wechat-bridge/internal/push"
)

// Default user-visible fallback texts.
const (
	DefaultTimeoutText     = "请求处理超时，请稍后再试"
	DefaultUnavailableText = "服务暂时不可用，请稍后重试"
	DefaultEmptyReplyText  = "未收到有效回复"
)

// Fallbacks are pushed instead of a downstream answer.
type Fallbacks struct {
	Timeout     string
	Unavailable string
	EmptyReply  string
}

func (f Fallbacks) withDefaults() Fallbacks {
	if f.Timeout == "" {
		f.Timeout = DefaultTimeoutText
	}
	if f.Unavailable == "" {
		f.Unavailable = DefaultUnavailableText
	}
	if f.EmptyReply == "" {
		f.EmptyReply = DefaultEmptyReplyText
	}
	return f
}

// Pusher delivers the final message to the user.
type Pusher interface {
	Deliver(ctx context.Context, msg push.Message) (int, error)
}

// Recorder receives per-task observations.
type Recorder interface {
	ObserveDispatch(service string, outcome string, latency time.Duration)
	ObservePush(delivered bool, attempts int)
}

// Config configures an Adapter.
type Config struct {
	Endpoint  string
	Service   ServiceType
	Mapper    Mapper // overrides the mapper derived from Service
	Model     string
	Timeout   time.Duration // default 5s
	Fallbacks Fallbacks

	Caller Caller
	Pusher Pusher

	DispatchWorkers int // default 10
	PushWorkers     int // default 20
	QueueSize       int // default 1000 per pool

	Ledger   ledger.Store // optional
	Recorder Recorder     // optional
	Logger   *log.Logger
	LogLevel string
	Now      func() time.Time
}

// Adapter runs the two legs of every dispatched message on separate pools
// so that push backoff cannot starve new downstream calls.
type Adapter struct {
	endpoint  string
	service   ServiceType
	mapper    Mapper
	timeout   time.Duration
	fallbacks Fallbacks
	caller    Caller
	pusher    Pusher
	ledger    ledger.Store
	recorder  Recorder
	logger    *log.Logger
	logLevel  string
	now       func() time.Time

	dispatchPool *Pool
	pushPool     *Pool
}

// New constructs an Adapter and starts its worker pools.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("dispatch: endpoint required")
	}
	if cfg.Caller == nil {
		return nil, errors.New("dispatch: caller required")
	}
	if cfg.Pusher == nil {
		return nil, errors.New("dispatch: pusher required")
	}
	if cfg.Service == "" {
		cfg.Service = ServiceDefault
	}
	if cfg.Mapper == nil {
		cfg.Mapper = NewMapper(cfg.Service, MapperOptions{Model: cfg.Model})
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 10
	}
	if cfg.PushWorkers <= 0 {
		cfg.PushWorkers = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		endpoint:     cfg.Endpoint,
		service:      cfg.Service,
		mapper:       cfg.Mapper,
		timeout:      cfg.Timeout,
		fallbacks:    cfg.Fallbacks.withDefaults(),
		caller:       cfg.Caller,
		pusher:       cfg.Pusher,
		ledger:       cfg.Ledger,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger,
		logLevel:     strings.ToLower(strings.TrimSpace(cfg.LogLevel)),
		now:          cfg.Now,
		dispatchPool: NewPool("dispatch", cfg.DispatchWorkers, cfg.QueueSize, cfg.Logger),
		pushPool:     NewPool("push", cfg.PushWorkers, cfg.QueueSize, cfg.Logger),
	}, nil
}

// Service returns the configured service type.
func (a *Adapter) Service() ServiceType { return a.service }

// Dispatch maps msg and queues it. It never waits on the network; the
// returned task completes after the push leg. A request mapping failure is
// not returned: the task goes straight to the push leg with the unavailable
// fallback. Only a full or closed pool is reported as an error.
func (a *Adapter) Dispatch(ctx context.Context, msg message.Message) (*Task, error) {
	openID := msg.FromUserName()
	if openID == "" {
		return nil, fmt.Errorf("%w: message has no FromUserName", ErrMapping)
	}
	task := newTask(uuid.NewString(), openID, a.service, a.now())
	// The legs outlive the inbound request.
	bg := context.WithoutCancel(ctx)

	request, mapErr := a.toRequest(msg)
	if mapErr != nil {
		a.logf("task %s: request mapping failed: %v", task.ID, mapErr)
		res := Result{Outcome: OutcomeError, Err: fmt.Errorf("%w: %w", ErrMapping, mapErr)}
		if err := a.dispatchPool.Submit(func() { a.deliver(bg, task, res) }); err != nil {
			return nil, err
		}
		return task, nil
	}

	a.debugf("task %s: queued for %s (%s)", task.ID, a.endpoint, a.service)
	if err := a.dispatchPool.Submit(func() { a.run(bg, task, request) }); err != nil {
		return nil, err
	}
	return task, nil
}

type callResult struct {
	body []byte
	err  error
}

// run is the downstream leg. The call itself is never cancelled; the
// timeout only bounds how long the task waits for it.
func (a *Adapter) run(ctx context.Context, task *Task, request any) {
	task.setState(StateCalling)
	start := a.now()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: caller panicked: %v", ErrDownstream, r)}
			}
		}()
		body, err := a.caller.Call(ctx, a.endpoint, request)
		done <- callResult{body: body, err: err}
	}()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	var res Result
	select {
	case cr := <-done:
		res = a.mapResult(cr)
	case <-timer.C:
		a.logf("task %s: downstream did not answer within %s", task.ID, a.timeout)
		res = Result{Outcome: OutcomeTimeout, Err: ErrTimeout}
	}
	res.Latency = a.now().Sub(start)
	a.deliver(ctx, task, res)
}

func (a *Adapter) mapResult(cr callResult) Result {
	if cr.err != nil {
		if !errors.Is(cr.err, ErrDownstream) {
			cr.err = fmt.Errorf("%w: %w", ErrDownstream, cr.err)
		}
		a.logf("downstream call failed: %v", cr.err)
		return Result{Outcome: OutcomeError, Err: cr.err}
	}
	reply, err := a.toReply(cr.body)
	if err != nil {
		a.logf("response mapping failed: %v", err)
		return Result{Outcome: OutcomeError, Err: err}
	}
	return Result{Outcome: OutcomeReply, Reply: reply}
}

// toRequest and toReply turn mapper panics on unexpected shapes into ErrMapping.
func (a *Adapter) toRequest(msg message.Message) (req any, err error) {
	defer func() {
		if r := recover(); r != nil {
			req, err = nil, fmt.Errorf("%w: request mapper panicked: %v", ErrMapping, r)
		}
	}()
	return a.mapper.ToRequest(msg)
}

func (a *Adapter) toReply(body []byte) (reply Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = Reply{}, fmt.Errorf("%w: reply mapper panicked: %v", ErrMapping, r)
		}
	}()
	return a.mapper.ToReply(body)
}

// deliver records the downstream result and hands it to the push pool.
func (a *Adapter) deliver(ctx context.Context, task *Task, res Result) {
	task.setResult(res)
	if a.recorder != nil {
		a.recorder.ObserveDispatch(string(a.service), res.Outcome.String(), res.Latency)
	}
	kind, content := a.pushContent(res)
	task.setState(StatePushing)

	err := a.pushPool.Submit(func() {
		attempts, err := a.push(ctx, push.Message{ToUser: task.OpenID, Kind: kind, Content: content})
		a.complete(ctx, task, res, Delivery{Kind: kind, Content: content, Attempts: attempts, Delivered: err == nil, Err: err})
	})
	if err != nil {
		a.logf("task %s: push not queued: %v", task.ID, err)
		a.complete(ctx, task, res, Delivery{Kind: kind, Content: content, Err: err})
	}
}

func (a *Adapter) push(ctx context.Context, msg push.Message) (attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			attempts, err = 0, fmt.Errorf("%w: pusher panicked: %v", push.ErrDelivery, r)
		}
	}()
	return a.pusher.Deliver(ctx, msg)
}

// pushContent picks what the user receives for each outcome.
func (a *Adapter) pushContent(res Result) (kind, content string) {
	switch res.Outcome {
	case OutcomeReply:
		kind = res.Reply.Kind
		if kind == "" {
			kind = message.KindText
		}
		if strings.TrimSpace(res.Reply.Content) == "" {
			return message.KindText, a.fallbacks.EmptyReply
		}
		return kind, res.Reply.Content
	case OutcomeTimeout:
		return message.KindText, a.fallbacks.Timeout
	case OutcomeError:
		return message.KindText, a.fallbacks.Unavailable
	default:
		return message.KindText, a.fallbacks.Unavailable
	}
}

func (a *Adapter) complete(ctx context.Context, task *Task, res Result, d Delivery) {
	if a.recorder != nil {
		a.recorder.ObservePush(d.Delivered, d.Attempts)
	}
	if a.ledger != nil {
		entry := ledger.Entry{
			TaskID:        task.ID,
			OpenID:        task.OpenID,
			ServiceType:   string(task.Service),
			Outcome:       ledger.Outcome(res.Outcome.String()),
			Delivered:     d.Delivered,
			PushAttempts:  d.Attempts,
			LatencyMillis: res.Latency.Milliseconds(),
			CreatedAt:     task.Created.UTC(),
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		} else if d.Err != nil {
			entry.Error = d.Err.Error()
		}
		if err := a.ledger.Record(ctx, entry); err != nil {
			a.logf("task %s: ledger record failed: %v", task.ID, err)
		}
	}
	if d.Delivered {
		a.debugf("task %s: delivered %s after %d attempt(s)", task.ID, res.Outcome, d.Attempts)
	}
	task.finish(d)
}

// Stats reports queue depth for health and metrics.
type Stats struct {
	DispatchPending int
	DispatchRunning int64
	PushPending     int
	PushRunning     int64
}

func (a *Adapter) Stats() Stats {
	return Stats{
		DispatchPending: a.dispatchPool.Pending(),
		DispatchRunning: a.dispatchPool.Running(),
		PushPending:     a.pushPool.Pending(),
		PushRunning:     a.pushPool.Running(),
	}
}

// Close drains the dispatch pool first, since its jobs feed the push pool.
func (a *Adapter) Close() {
	a.dispatchPool.Close()
	a.pushPool.Close()
}

func (a *Adapter) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

func (a *Adapter) debugf(format string, args ...any) {
	if a.logger != nil && a.logLevel == "debug" {
		a.logger.Printf("DEBUG "+format, args...)
	}
}
