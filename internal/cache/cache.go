// Package cache implements the single process-wide Monitoring Cache (C2):
// per-account positions/orders keyspaces, TTL-gated refresh, single-flight
// per (account, kind), and extended TTL under load.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tpslguard/internal/core"
	"tpslguard/internal/telemetry"
)

const (
	defaultTTL       = 15 * time.Second
	executionTTL     = 5 * time.Second
	refreshGuard     = 15 * time.Second
	extendedTTLLow   = 60 * time.Second
	extendedTTLHigh  = 90 * time.Second
	criticalBypassAge = 2 * time.Second
	criticalThreshold = 5
)

type entry[T any] struct {
	data       []T
	fetchedAt  time.Time
	lastRefreshAttempt time.Time
}

// Cache is the shared positions/orders snapshot cache, keyed by account.
type Cache struct {
	mu sync.RWMutex

	positions map[core.Account]*entry[core.Position]
	orders    map[core.Account]*entry[core.Order]

	fetchPositions func(ctx context.Context, account core.Account) ([]core.Position, error)
	fetchOrders    func(ctx context.Context, account core.Account) ([]core.Order, error)

	group singleflight.Group

	defaultTTL   time.Duration
	executionTTL time.Duration

	executionMode bool
	criticalCount int
}

// New builds a Cache backed by the given fetch functions (the exchange
// client's GetAllPositions/GetAllOpenOrders for the named account).
func New(
	fetchPositions func(ctx context.Context, account core.Account) ([]core.Position, error),
	fetchOrders func(ctx context.Context, account core.Account) ([]core.Order, error),
	defaultTTL, executionTTL time.Duration,
) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = defaultTTLFallback()
	}
	if executionTTL <= 0 {
		executionTTL = executionTTLFallback()
	}
	return &Cache{
		positions:      make(map[core.Account]*entry[core.Position]),
		orders:         make(map[core.Account]*entry[core.Order]),
		fetchPositions: fetchPositions,
		fetchOrders:    fetchOrders,
		defaultTTL:     defaultTTL,
		executionTTL:   executionTTL,
	}
}

func defaultTTLFallback() time.Duration   { return defaultTTL }
func executionTTLFallback() time.Duration { return executionTTL }

// SetExecutionMode records the execution-mode flag (§5.3). ttlFor returns the
// shorter execution TTL only when asked for the acting account; Positions and
// OpenOrders always ask with actingAccount false, so the flag does not change
// the TTL any read uses. The cache has no concurrency setting of its own.
func (c *Cache) SetExecutionMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionMode = on
}

// SetCriticalCount records how many monitors are currently CRITICAL, driving
// the extended-TTL-under-load behavior (§4.2).
func (c *Cache) SetCriticalCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.criticalCount = n
}

func (c *Cache) ttlFor(account core.Account, actingAccount bool) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if actingAccount && c.executionMode {
		return c.executionTTL
	}
	if c.criticalCount > criticalThreshold {
		return extendedTTLLow
	}
	return c.defaultTTL
}

// Positions returns the account's cached position snapshot, refreshing on
// miss/stale via a single-flight fetch that populates both keyspaces.
func (c *Cache) Positions(ctx context.Context, account core.Account) ([]core.Position, error) {
	if err := c.ensureFresh(ctx, account); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.positions[account]
	if e == nil {
		return nil, nil
	}
	out := make([]core.Position, len(e.data))
	copy(out, e.data)
	return out, nil
}

// OpenOrders returns the account's cached open-order snapshot.
func (c *Cache) OpenOrders(ctx context.Context, account core.Account) ([]core.Order, error) {
	if err := c.ensureFresh(ctx, account); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.orders[account]
	if e == nil {
		return nil, nil
	}
	out := make([]core.Order, len(e.data))
	copy(out, e.data)
	return out, nil
}

// Invalidate forces the next read for account to refresh, regardless of TTL.
func (c *Cache) Invalidate(account core.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, account)
	delete(c.orders, account)
}

func (c *Cache) ensureFresh(ctx context.Context, account core.Account) error {
	metrics := telemetry.GetGlobalMetrics()

	c.mu.RLock()
	posEntry := c.positions[account]
	ordEntry := c.orders[account]
	ttl := c.ttlFor(account, false)
	c.mu.RUnlock()

	now := time.Now()
	posStale := posEntry == nil || now.Sub(posEntry.fetchedAt) > ttl
	ordStale := ordEntry == nil || now.Sub(ordEntry.fetchedAt) > ttl

	if !posStale && !ordStale {
		metrics.CacheHitsTotal.Add(ctx, 1)
		return nil
	}

	// Refresh guard: skip if a refresh completed inside the guard window.
	if posEntry != nil && now.Sub(posEntry.lastRefreshAttempt) < refreshGuard &&
		ordEntry != nil && now.Sub(ordEntry.lastRefreshAttempt) < refreshGuard {
		metrics.CacheHitsTotal.Add(ctx, 1)
		return nil
	}

	metrics.CacheMissesTotal.Add(ctx, 1)

	key := string(account)
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		positions, perr := c.fetchPositions(ctx, account)
		if perr != nil {
			return nil, perr
		}
		orders, oerr := c.fetchOrders(ctx, account)
		if oerr != nil {
			return nil, oerr
		}

		c.mu.Lock()
		t := time.Now()
		c.positions[account] = &entry[core.Position]{data: positions, fetchedAt: t, lastRefreshAttempt: t}
		c.orders[account] = &entry[core.Order]{data: orders, fetchedAt: t, lastRefreshAttempt: t}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
