package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
)

func countingFetchers() (
	fetchPositions func(ctx context.Context, account core.Account) ([]core.Position, error),
	fetchOrders func(ctx context.Context, account core.Account) ([]core.Order, error),
	posCalls, ordCalls *int32,
) {
	posCalls = new(int32)
	ordCalls = new(int32)
	fetchPositions = func(ctx context.Context, account core.Account) ([]core.Position, error) {
		atomic.AddInt32(posCalls, 1)
		return []core.Position{{Symbol: "BTCUSDT"}}, nil
	}
	fetchOrders = func(ctx context.Context, account core.Account) ([]core.Order, error) {
		atomic.AddInt32(ordCalls, 1)
		return []core.Order{{Symbol: "BTCUSDT"}}, nil
	}
	return
}

func TestPositions_FetchesOnFirstCallThenServesFromCache(t *testing.T) {
	fp, fo, posCalls, _ := countingFetchers()
	c := New(fp, fo, time.Hour, time.Hour)

	_, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)
	_, err = c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(posCalls), "second call within TTL must not refetch")
}

func TestPositions_RefetchesAfterTTLExpires(t *testing.T) {
	fp, fo, posCalls, _ := countingFetchers()
	c := New(fp, fo, 10*time.Millisecond, time.Hour)

	_, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	// Force the entry stale without waiting out the refresh guard too.
	c.mu.Lock()
	c.positions[core.AccountMain].fetchedAt = time.Now().Add(-time.Hour)
	c.positions[core.AccountMain].lastRefreshAttempt = time.Now().Add(-time.Hour)
	c.orders[core.AccountMain].fetchedAt = time.Now().Add(-time.Hour)
	c.orders[core.AccountMain].lastRefreshAttempt = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	_, err = c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(posCalls))
}

func TestEnsureFresh_RefreshGuardSuppressesRefetchDespiteStaleTTL(t *testing.T) {
	fp, fo, posCalls, _ := countingFetchers()
	c := New(fp, fo, time.Millisecond, time.Hour)

	_, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	// The TTL (1ms) has certainly lapsed, but lastRefreshAttempt is fresh,
	// so the guard window (15s) must suppress a second fetch.
	time.Sleep(5 * time.Millisecond)
	_, err = c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(posCalls), "refresh guard must block refetch within its window")
}

func TestEnsureFresh_SingleFlightDedupsConcurrentFetches(t *testing.T) {
	posCalls := new(int32)
	release := make(chan struct{})
	fp := func(ctx context.Context, account core.Account) ([]core.Position, error) {
		atomic.AddInt32(posCalls, 1)
		<-release
		return []core.Position{{Symbol: "BTCUSDT"}}, nil
	}
	fo := func(ctx context.Context, account core.Account) ([]core.Order, error) {
		return nil, nil
	}
	c := New(fp, fo, time.Hour, time.Hour)

	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = c.Positions(context.Background(), core.AccountMain)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(posCalls), "concurrent misses for the same account must collapse into one fetch")
}

func TestInvalidate_ForcesRefetchRegardlessOfTTL(t *testing.T) {
	fp, fo, posCalls, _ := countingFetchers()
	c := New(fp, fo, time.Hour, time.Hour)

	_, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	c.Invalidate(core.AccountMain)

	_, err = c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(posCalls))
}

func TestTtlFor_ExecutionModeShrinksTTLForActingAccountOnly(t *testing.T) {
	c := New(nil, nil, time.Minute, 5*time.Second)
	c.SetExecutionMode(true)

	assert.Equal(t, 5*time.Second, c.ttlFor(core.AccountMain, true))
	assert.Equal(t, time.Minute, c.ttlFor(core.AccountMain, false), "execution-mode TTL only applies to the acting account's own reads")
}

func TestTtlFor_CriticalCountAboveThresholdExtendsTTL(t *testing.T) {
	c := New(nil, nil, time.Minute, time.Second)
	c.SetCriticalCount(criticalThreshold + 1)

	assert.Equal(t, extendedTTLLow, c.ttlFor(core.AccountMain, false))
}

func TestTtlFor_CriticalCountAtThresholdUsesDefaultTTL(t *testing.T) {
	c := New(nil, nil, time.Minute, time.Second)
	c.SetCriticalCount(criticalThreshold)

	assert.Equal(t, time.Minute, c.ttlFor(core.AccountMain, false))
}

func TestPositions_ReturnsCopyNotSharedSlice(t *testing.T) {
	fp, fo, _, _ := countingFetchers()
	c := New(fp, fo, time.Hour, time.Hour)

	got, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Symbol = "MUTATED"

	again, err := c.Positions(context.Background(), core.AccountMain)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", again[0].Symbol, "callers must not be able to mutate the cached snapshot")
}

func TestPositions_PropagatesFetchError(t *testing.T) {
	fp := func(ctx context.Context, account core.Account) ([]core.Position, error) {
		return nil, assert.AnError
	}
	fo := func(ctx context.Context, account core.Account) ([]core.Order, error) {
		return nil, nil
	}
	c := New(fp, fo, time.Hour, time.Hour)

	_, err := c.Positions(context.Background(), core.AccountMain)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNew_FallsBackToDefaultTTLsWhenNonPositive(t *testing.T) {
	c := New(nil, nil, 0, 0)
	assert.Equal(t, defaultTTL, c.defaultTTL)
	assert.Equal(t, executionTTL, c.executionTTL)
}
