package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts resumed-action executions.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when a job is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("scheduler pool is shut down")
	// ErrJobInFlight is returned when a job with the same ID is already
	// waiting for a slot or running.
	ErrJobInFlight = errors.New("scheduled action already in flight")
)

// Pool runs resumed actions on a bounded number of goroutines, at most one
// per scheduled action ID.
type Pool struct {
	slots  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}

	active, completed, failed, panics atomic.Int64
}

// NewPool creates a pool running at most size jobs at once.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		slots:    make(chan struct{}, size),
		done:     make(chan struct{}),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Submit starts fn for jobID once a slot frees up. It blocks while the pool
// is full and gives up when ctx is cancelled or the pool shuts down. A panic
// in fn is recovered and counted as a failure.
func (p *Pool) Submit(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	if err := p.claim(jobID); err != nil {
		return err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.finish(jobID)
		return ctx.Err()
	case <-p.done:
		p.finish(jobID)
		return ErrPoolShutdown
	}

	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
				p.logger.Error("scheduled action panicked",
					slog.String("scheduled_id", jobID),
					slog.String("panic", fmt.Sprint(r)))
			}
			p.active.Add(-1)
			<-p.slots
			p.finish(jobID)
		}()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// claim registers jobID under the lock so Shutdown's Wait covers it.
func (p *Pool) claim(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	if _, ok := p.inflight[jobID]; ok {
		return ErrJobInFlight
	}
	p.inflight[jobID] = struct{}{}
	p.wg.Add(1)
	return nil
}

func (p *Pool) finish(jobID string) {
	p.mu.Lock()
	delete(p.inflight, jobID)
	p.mu.Unlock()
	p.wg.Done()
}

// InFlight reports whether jobID is waiting for a slot or running.
func (p *Pool) InFlight(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[jobID]
	return ok
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects further submissions and waits for running jobs.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
