package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("ingest pool closed")
)

// Job is one unit of ingestion work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers behind a bounded queue.
// Submit never blocks.
type Pool struct {
	workers int
	jobs    chan Job
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{workers: workers, jobs: make(chan Job, queueSize), logger: logger}
}

// Start launches the workers. Jobs receive ctx.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.run(ctx, job)
			}
		}()
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("ingest job panic", "panic", r)
		}
	}()
	job(ctx)
}

// Submit queues job or fails with ErrQueueFull or ErrClosed.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Close stops accepting jobs, drains the queue and waits for the workers.
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
