// Package scheduler implements the cooperative monitor-pass loop (C6): one
// ticker computing urgency and selecting due monitors, a bounded worker pool
// standing in for the global semaphore, and per-monitor mutual exclusion via
// each Record's own lock.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
	"tpslguard/internal/telemetry"
)

// MarkPriceFn resolves the current mark price for a monitor's symbol/account,
// used for urgency classification only (never for order math).
type MarkPriceFn func(ctx context.Context, rec *monitor.Record) decimal.Decimal

// PassFunc runs one monitor pass (§4.6); supplied by the engine package.
type PassFunc func(ctx context.Context, rec *monitor.Record)

// Config holds the scheduler's tunables.
type Config struct {
	TickInterval          time.Duration
	Intervals             Intervals
	MaxConcurrentDefault  int
	MaxConcurrentCeiling  int
	CriticalCountForRaise int
	PassTimeout           time.Duration
	ShutdownDrain         time.Duration
}

// DefaultConfig matches §4.5/§5.2/§5.4's documented defaults.
var DefaultConfig = Config{
	TickInterval:          1 * time.Second,
	Intervals:             DefaultIntervals,
	MaxConcurrentDefault:  15,
	MaxConcurrentCeiling:  20,
	CriticalCountForRaise: 5,
	PassTimeout:           90 * time.Second,
	ShutdownDrain:         30 * time.Second,
}

// Scheduler coordinates monitor passes across both accounts.
type Scheduler struct {
	cfg    Config
	logger core.ILogger
	pool   *WorkerPool
	mark   MarkPriceFn
	run    PassFunc

	mu       sync.RWMutex
	monitors map[string]*monitor.Record

	concurrencyMu sync.Mutex
	inFlight      int
	limit         int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. run is invoked once per due monitor; mark resolves
// the current price used only to classify urgency.
func New(cfg Config, logger core.ILogger, mark MarkPriceFn, run PassFunc) *Scheduler {
	logger = logger.WithField("component", "scheduler")
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		pool:     NewWorkerPool(PoolConfig{Name: "monitor-passes", MaxWorkers: cfg.MaxConcurrentCeiling, MaxCapacity: 1000}, logger),
		mark:     mark,
		run:      run,
		monitors: make(map[string]*monitor.Record),
		limit:    cfg.MaxConcurrentDefault,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds or replaces a monitor in the scheduled set.
func (s *Scheduler) Register(rec *monitor.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[rec.Key] = rec
}

// Unregister removes a monitor (used on CLOSED tear-down).
func (s *Scheduler) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, key)
}

// Get returns the monitor for key, if scheduled.
func (s *Scheduler) Get(key string) (*monitor.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.monitors[key]
	return rec, ok
}

// Snapshot returns every monitor's read-only projection (ListMonitors).
func (s *Scheduler) Snapshot() []core.MonitorSnapshot {
	s.mu.RLock()
	recs := make([]*monitor.Record, 0, len(s.monitors))
	for _, r := range s.monitors {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]core.MonitorSnapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.SnapshotFor())
	}
	return out
}

// Start runs the tick loop until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the tick loop, awaits in-flight passes up to ShutdownDrain, then
// returns. Final persistence flush is the caller's responsibility.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.pool.StopWithTimeout(s.cfg.ShutdownDrain)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.RLock()
	recs := make([]*monitor.Record, 0, len(s.monitors))
	for _, r := range s.monitors {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	criticalCount := 0
	type candidate struct {
		rec     *monitor.Record
		urgency core.Urgency
	}
	var due []candidate

	for _, rec := range recs {
		rec.Mu.Lock()
		mark := s.mark(ctx, rec)
		urgency := ComputeUrgency(rec, mark, now)
		rec.Urgency = urgency
		if rec.NextDueAt.IsZero() {
			rec.NextDueAt = now
		}
		isDue := !rec.NextDueAt.After(now)
		rec.Mu.Unlock()

		if urgency == core.UrgencyCritical {
			criticalCount++
		}
		if isDue {
			due = append(due, candidate{rec: rec, urgency: urgency})
		}
	}

	s.adjustLimit(criticalCount)
	telemetry.GetGlobalMetrics().SetMonitorsActive("CRITICAL", int64(criticalCount))

	sort.Slice(due, func(i, j int) bool {
		if due[i].urgency != due[j].urgency {
			return due[i].urgency > due[j].urgency
		}
		return due[i].rec.NextDueAt.Before(due[j].rec.NextDueAt)
	})

	for _, c := range due {
		if !s.tryAcquire() {
			break
		}
		rec := c.rec
		s.pool.Submit(func() {
			defer s.release()
			passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
			defer cancel()
			s.runOne(passCtx, rec)
		})
	}
}

func (s *Scheduler) runOne(ctx context.Context, rec *monitor.Record) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()

	metrics := telemetry.GetGlobalMetrics()
	metrics.MonitorPassesTotal.Add(ctx, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx, rec)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		metrics.MonitorPassErrors.Add(ctx, 1)
		s.logger.Warn("monitor pass exceeded wall-clock ceiling", "key", rec.Key)
		rec.Urgency = core.UrgencyUrgent
	}

	rec.NextDueAt = time.Now().Add(s.cfg.Intervals.IntervalFor(rec.Urgency))
}

func (s *Scheduler) adjustLimit(criticalCount int) {
	s.concurrencyMu.Lock()
	defer s.concurrencyMu.Unlock()
	if criticalCount > s.cfg.CriticalCountForRaise {
		s.limit = s.cfg.MaxConcurrentCeiling
	} else {
		s.limit = s.cfg.MaxConcurrentDefault
	}
}

func (s *Scheduler) tryAcquire() bool {
	s.concurrencyMu.Lock()
	defer s.concurrencyMu.Unlock()
	if s.inFlight >= s.limit {
		return false
	}
	s.inFlight++
	return true
}

func (s *Scheduler) release() {
	s.concurrencyMu.Lock()
	defer s.concurrencyMu.Unlock()
	s.inFlight--
}
