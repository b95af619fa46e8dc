package dispatch

import (
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the queue is at capacity.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("dispatch: pool closed")
)

// Pool is a fixed set of workers draining a bounded job queue.
type Pool struct {
	name    string
	jobs    chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *log.Logger
	running atomic.Int64
}

// NewPool starts workers goroutines reading from a queue of the given size.
func NewPool(name string, workers, queue int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		name:   name,
		jobs:   make(chan func(), queue),
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	if logger != nil {
		logger.Printf("[%s-pool] started %d worker(s), queue=%d", name, workers, queue)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job func()) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Printf("[%s-pool] worker-%d ERROR job panicked: %v\n%s", p.name, id, r, debug.Stack())
		}
	}()
	job()
}

// Submit queues job without blocking.
func (p *Pool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int { return len(p.jobs) }

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int64 { return p.running.Load() }

// Close stops accepting jobs and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
