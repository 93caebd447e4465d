package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("pool is shut down")

// Func does the work of one job.
type Func func(ctx context.Context, job *Job) error

// Pool runs jobs on at most size goroutines at once. Submit blocks while the
// pool is full, which pushes back on the message subscription.
type Pool struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle tracks a submitted job.
type Handle struct {
	job  *Job
	done chan struct{}
	err  error
}

func (h *Handle) Job() *Job { return h.job }

// Wait blocks until the job finished or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the job finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Submit waits for a free slot and starts fn. The job runs on the pool's own
// context, so canceling ctx only abandons the wait for a slot.
func (p *Pool) Submit(ctx context.Context, job *Job, fn Func) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return nil, fmt.Errorf("wait for worker slot: %w", err)
	}

	h := &Handle{job: job, done: make(chan struct{})}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer close(h.done)

		logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "asset_id", job.AssetID)
		MarkRunning(job)
		logger.Debug("job started")

		err := p.run(job, fn)
		if err != nil {
			MarkFailed(job, err)
			logger.Error("job failed", "err", err, "duration_ms", job.Duration().Milliseconds())
		} else {
			MarkSucceeded(job)
			logger.Debug("job finished", "duration_ms", job.Duration().Milliseconds())
		}
		h.err = err
	}()
	return h, nil
}

func (p *Pool) run(job *Job, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(p.ctx, job)
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first, running jobs are canceled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
