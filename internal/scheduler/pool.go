package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"

	"tpslguard/internal/core"
)

// PoolConfig configures the bounded worker pool backing the scheduler's
// global semaphore (§5.2).
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool wraps alitto/pond with a standardized config and logging.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
	mu     sync.RWMutex
}

// NewWorkerPool builds a WorkerPool, defaulting unset fields.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 15
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 200
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit enqueues task without blocking; if the pool is at capacity it
// returns an error and the task is not run.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
	}
	return nil
}

// Stop drains and stops the pool.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// StopWithTimeout awaits in-flight tasks up to timeout, for graceful shutdown (§5.4).
func (wp *WorkerPool) StopWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wp.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		wp.logger.Warn("worker pool did not drain within timeout")
	}
}

// Stats reports pool occupancy for observability.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}
