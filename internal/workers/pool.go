// Package workers provides a bounded, rate-paced worker pool. Every job that
// is accepted by Submit produces exactly one Result, including jobs that are
// still queued when the pool's context is canceled.
package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/postalscan/internal/logging"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	Job      Job
	Error    error
	Duration time.Duration
	// Skipped is set when the job never ran because the pool was canceled.
	Skipped bool
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the capacity of the job and result queues.
	QueueSize int
	// RateLimit is the maximum number of job starts per second (0 = no limit).
	RateLimit float64
	// Burst is the token bucket depth; values below 1 are treated as 1.
	Burst int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:      10,
		QueueSize: 100,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config  Config
	jobs    chan Job
	results chan Result
	limiter *rate.Limiter
	logger  *logging.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	startOnce sync.Once
	closed    atomic.Bool
}

// New creates a new worker pool with the given configuration.
func New(config Config, logger *logging.Logger) *Pool {
	if config.Size < 1 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if logger == nil {
		logger = logging.Default()
	}

	p := &Pool{
		config:  config,
		jobs:    make(chan Job, config.QueueSize),
		results: make(chan Result, config.QueueSize),
		logger:  logger.WithComponent("workers"),
	}

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return p
}

// Start launches the workers. Jobs run under ctx; once it is canceled,
// remaining queued jobs are reported as skipped instead of executed.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(ctx, i)
		}

		go func() {
			p.wg.Wait()
			close(p.results)
		}()
	})
}

// Submit queues a job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel on which job results are delivered. It is
// closed after Close has been called and every accepted job has reported.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting jobs. Workers finish the queue and then exit.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	close(p.jobs)
	p.mu.Unlock()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.results <- p.execute(ctx, job)
	}

	p.logger.Debug("Worker stopped", "worker_id", id)
}

func (p *Pool) execute(ctx context.Context, job Job) Result {
	if ctx.Err() != nil {
		return Result{Job: job, Error: ctx.Err(), Skipped: true}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Result{Job: job, Error: err, Skipped: true}
		}
	}

	start := time.Now()
	err := job.Execute(ctx)
	return Result{Job: job, Error: err, Duration: time.Since(start)}
}
