package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricMonitorsActive       = "tpslguard_monitors_active"
	MetricMonitorPassesTotal   = "tpslguard_monitor_passes_total"
	MetricMonitorPassErrors    = "tpslguard_monitor_pass_errors_total"
	MetricFillsProcessedTotal  = "tpslguard_fills_processed_total"
	MetricRebalancesTotal      = "tpslguard_rebalances_total"
	MetricTPHitsTotal          = "tpslguard_tp_hits_total"
	MetricSLHitsTotal          = "tpslguard_sl_hits_total"
	MetricCacheHitsTotal       = "tpslguard_cache_hits_total"
	MetricCacheMissesTotal     = "tpslguard_cache_misses_total"
	MetricPersistenceDegraded  = "tpslguard_persistence_degraded"
	MetricPersistenceFlushMs   = "tpslguard_persistence_flush_ms"
	MetricExchangeLatencyMs    = "tpslguard_exchange_latency_ms"
	MetricCircuitBreakerOpen   = "tpslguard_circuit_breaker_open"
	MetricSchedulerQueueDepth  = "tpslguard_scheduler_queue_depth"
)

// MetricsHolder holds every process-wide instrument and the state backing
// the observable gauges.
type MetricsHolder struct {
	MonitorPassesTotal  metric.Int64Counter
	MonitorPassErrors   metric.Int64Counter
	FillsProcessedTotal metric.Int64Counter
	RebalancesTotal     metric.Int64Counter
	TPHitsTotal         metric.Int64Counter
	SLHitsTotal         metric.Int64Counter
	CacheHitsTotal      metric.Int64Counter
	CacheMissesTotal    metric.Int64Counter
	ExchangeLatencyMs   metric.Float64Histogram
	PersistenceFlushMs  metric.Float64Histogram

	MonitorsActive     metric.Int64ObservableGauge
	PersistenceDegraded metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	SchedulerQueueDepth metric.Int64ObservableGauge

	mu                   sync.RWMutex
	monitorsActiveMap    map[string]int64 // keyed by urgency tier
	persistenceDegraded  int64
	cbOpenMap            map[string]int64 // keyed by account
	schedulerQueueDepth  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics singleton.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			monitorsActiveMap: make(map[string]int64),
			cbOpenMap:         make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates every instrument against meter. Called once from
// telemetry.Setup.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.MonitorPassesTotal, err = meter.Int64Counter(MetricMonitorPassesTotal, metric.WithDescription("Monitor passes executed")); err != nil {
		return err
	}
	if m.MonitorPassErrors, err = meter.Int64Counter(MetricMonitorPassErrors, metric.WithDescription("Monitor passes that errored")); err != nil {
		return err
	}
	if m.FillsProcessedTotal, err = meter.Int64Counter(MetricFillsProcessedTotal, metric.WithDescription("Entry/TP/SL fills observed")); err != nil {
		return err
	}
	if m.RebalancesTotal, err = meter.Int64Counter(MetricRebalancesTotal, metric.WithDescription("Rebalance attempts, labelled by result")); err != nil {
		return err
	}
	if m.TPHitsTotal, err = meter.Int64Counter(MetricTPHitsTotal, metric.WithDescription("Take-profit fills observed")); err != nil {
		return err
	}
	if m.SLHitsTotal, err = meter.Int64Counter(MetricSLHitsTotal, metric.WithDescription("Stop-loss fills observed")); err != nil {
		return err
	}
	if m.CacheHitsTotal, err = meter.Int64Counter(MetricCacheHitsTotal, metric.WithDescription("Monitoring cache hits")); err != nil {
		return err
	}
	if m.CacheMissesTotal, err = meter.Int64Counter(MetricCacheMissesTotal, metric.WithDescription("Monitoring cache misses")); err != nil {
		return err
	}
	if m.ExchangeLatencyMs, err = meter.Float64Histogram(MetricExchangeLatencyMs, metric.WithDescription("Exchange REST call latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.PersistenceFlushMs, err = meter.Float64Histogram(MetricPersistenceFlushMs, metric.WithDescription("Snapshot flush latency"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.MonitorsActive, err = meter.Int64ObservableGauge(MetricMonitorsActive, metric.WithDescription("Monitors currently scheduled, by urgency"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for urgency, val := range m.monitorsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("urgency", urgency)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PersistenceDegraded, err = meter.Int64ObservableGauge(MetricPersistenceDegraded, metric.WithDescription("1 if persistence is degraded (writes falling back to in-memory)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.persistenceDegraded)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Exchange HTTP circuit breaker open state, by account"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SchedulerQueueDepth, err = meter.Int64ObservableGauge(MetricSchedulerQueueDepth, metric.WithDescription("Monitors waiting for a worker pool slot"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.schedulerQueueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) SetMonitorsActive(urgency string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorsActiveMap[urgency] = count
}

func (m *MetricsHolder) SetPersistenceDegraded(degraded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if degraded {
		m.persistenceDegraded = 1
	} else {
		m.persistenceDegraded = 0
	}
}

func (m *MetricsHolder) SetCircuitBreakerOpen(account string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[account] = val
}

func (m *MetricsHolder) SetSchedulerQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedulerQueueDepth = depth
}
