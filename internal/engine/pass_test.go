package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

func newBuildingRecord(account core.Account) *monitor.Record {
	rec := monitor.New("BTCUSDT", core.SideBuy, account, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.EntryOrders = []core.EntryOrder{
		{OrderLinkID: "entry-1", Status: core.OrderStatusPartiallyFilled, Qty: dec("1.0")},
	}
	return rec
}

func TestRunPass_EntryFillTransitionsToMonitoring(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	cache := newFakeCache()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := testEngineWithCache(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier, cache)

	rec := newBuildingRecord(core.AccountMain)
	cache.setPositions(core.AccountMain, []core.Position{
		{Symbol: "BTCUSDT", Side: core.SideBuy, Size: dec("1.0"), EntryPrice: dec("100"), MarkPrice: dec("100")},
	})

	e.runPass(context.Background(), rec)

	assert.Equal(t, core.PhaseMonitoring, rec.Phase)
	require.Len(t, rec.Fills, 1)
	assert.True(t, rec.CurrentSize.Equal(dec("1.0")))
	assert.Contains(t, notifier.kinds(), core.EventEntryFilled)
}

func TestRunPass_PositionGoneTriggersClosureAfterTwoConfirmations(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	cache := newFakeCache()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := testEngineWithCache(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier, cache)

	rec := newBuildingRecord(core.AccountMain)
	rec.Phase = core.PhaseMonitoring
	rec.CurrentSize = dec("1.0")
	rec.LastKnownSize = dec("1.0")
	// cache positions left empty: position is gone.

	e.runPass(context.Background(), rec)
	assert.Equal(t, 1, rec.ClosedConfirmations)
	assert.NotEqual(t, core.PhaseClosed, rec.Phase)

	e.runPass(context.Background(), rec)
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	assert.Contains(t, notifier.kinds(), core.EventPositionClosed)
}

func TestRunPass_TP1FillTriggersBreakevenAndLimitCancel(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	cache := newFakeCache()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := testEngineWithCache(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier, cache)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.Phase = core.PhaseMonitoring
	rec.CurrentSize = dec("1.0")
	rec.LastKnownSize = dec("1.0")
	rec.AvgEntryPrice = dec("100")
	rec.TPOrders[1] = core.TPOrder{Index: 1, TriggerPrice: dec("110"), Qty: dec("0.85"), OrderLinkID: "tp1-link"}
	rec.EntryOrders = []core.EntryOrder{
		{OrderLinkID: "entry-limit", Status: core.OrderStatusNew, Qty: dec("0.0")},
	}

	cache.setPositions(core.AccountMain, []core.Position{
		{Symbol: "BTCUSDT", Side: core.SideBuy, Size: dec("0.15"), MarkPrice: dec("110")},
	})

	e.runPass(context.Background(), rec)

	assert.True(t, rec.TP1Hit)
	assert.Equal(t, core.PhaseProfitTaking, rec.Phase)
	assert.True(t, rec.SLMovedToBE)
	assert.Contains(t, notifier.kinds(), core.EventLimitsCancelledOnTP1)
	assert.Contains(t, notifier.kinds(), core.EventSLMovedToBreakeven)
}

func TestFindPosition(t *testing.T) {
	positions := []core.Position{
		{Symbol: "ETHUSDT", Side: core.SideSell, Size: dec("2")},
		{Symbol: "BTCUSDT", Side: core.SideBuy, Size: dec("1")},
	}
	pos, found := findPosition(positions, "BTCUSDT", core.SideBuy)
	require.True(t, found)
	assert.True(t, pos.Size.Equal(dec("1")))

	_, found = findPosition(positions, "BTCUSDT", core.SideSell)
	assert.False(t, found)
}

func TestAllTPsFilled(t *testing.T) {
	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	assert.False(t, allTPsFilled(rec))

	rec.TPOrders[1] = core.TPOrder{Qty: dec("0.85"), FilledQty: dec("0.85")}
	rec.TPOrders[2] = core.TPOrder{Qty: dec("0.05"), FilledQty: dec("0.05")}
	rec.TPOrders[3] = core.TPOrder{Qty: dec("0.05"), FilledQty: dec("0.05")}
	rec.TPOrders[4] = core.TPOrder{Qty: dec("0.05"), FilledQty: dec("0.05")}
	assert.True(t, allTPsFilled(rec))
}
