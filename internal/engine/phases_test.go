package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
	apperrors "tpslguard/pkg/errors"
)

func TestBreakevenTrigger_Buy(t *testing.T) {
	trigger := breakevenTrigger(dec("100"), core.SideBuy, 0.00055, 0.0005)
	// margin = 0.00055*2 + 0.0005 = 0.0016; trigger = 100 * 1.0016
	assert.True(t, trigger.Equal(dec("100.16")), "got %s", trigger)
}

func TestBreakevenTrigger_Sell(t *testing.T) {
	trigger := breakevenTrigger(dec("100"), core.SideSell, 0.00055, 0.0005)
	assert.True(t, trigger.Equal(dec("99.84")), "got %s", trigger)
}

func TestMoveSLToBreakeven_CancelsOldAndPlacesNew(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), &fakeNotifier{})

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.AvgEntryPrice = dec("100")
	rec.CurrentSize = dec("1.0")
	rec.SLOrder = core.SLOrder{TriggerPrice: dec("90"), Qty: dec("1.0"), OrderLinkID: "old-sl"}

	err := e.moveSLToBreakeven(context.Background(), rec)
	require.NoError(t, err)

	assert.True(t, exch.cancelled["old-sl"])
	assert.True(t, rec.SLMovedToBE)
	assert.True(t, rec.SLOrder.BreakevenApplied)
	assert.True(t, rec.SLOrder.TriggerPrice.Equal(dec("100.16")))
}

func TestMoveSLToBreakeven_RegeneratesLinkIDOnDuplicate(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	exch.placeResults = []placeScript{
		{result: core.OrderResult{Category: core.CategoryDuplicateLinkID}, err: apperrors.New(apperrors.KindDuplicateLinkID, "place_order", context.Canceled)},
		{result: core.OrderResult{Order: core.Order{OrderID: "sl-2"}, Category: core.CategoryOK}},
	}
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), &fakeNotifier{})

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.AvgEntryPrice = dec("100")
	rec.CurrentSize = dec("1.0")

	err := e.moveSLToBreakeven(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "sl-2", rec.SLOrder.OrderID)
	assert.Len(t, exch.placeCalls, 2)
	assert.NotEqual(t, exch.placeCalls[0].OrderLinkID, exch.placeCalls[1].OrderLinkID)
}

func TestCancelUnfilledEntryLimits_SkipsTerminalOrders(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), nil)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.EntryOrders = []core.EntryOrder{
		{OrderLinkID: "filled", Status: core.OrderStatusFilled},
		{OrderLinkID: "pending", Status: core.OrderStatusNew},
	}

	err := e.cancelUnfilledEntryLimits(context.Background(), rec)
	require.NoError(t, err)

	assert.False(t, exch.cancelled["filled"])
	assert.True(t, exch.cancelled["pending"])
	assert.Equal(t, core.OrderStatusCancelled, rec.EntryOrders[1].Status)
}

func TestTearDown_CancelsResidualOrdersAndEmitsClosed(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	cache := newFakeCache()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := testEngineWithCache(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier, cache)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.LastKnownSize = dec("1.0")
	rec.AvgEntryPrice = dec("100")
	rec.TPOrders[1] = core.TPOrder{OrderLinkID: "tp1", TriggerPrice: dec("110"), FilledQty: dec("0.85")}
	rec.TPOrders[2] = core.TPOrder{OrderLinkID: "tp2", TriggerPrice: dec("120")}
	rec.SLOrder = core.SLOrder{OrderLinkID: "sl1", TriggerPrice: dec("90")}

	e.tearDown(context.Background(), rec)

	assert.True(t, exch.cancelled["tp2"], "unfilled TP must be cancelled")
	assert.True(t, exch.cancelled["tp1"], "tear-down cancels every tracked link id, filled or not")
	assert.True(t, exch.cancelled["sl1"])
	assert.Equal(t, core.PhaseClosed, rec.Phase)
	assert.Contains(t, store.removed, rec.Key)
	assert.Contains(t, notifier.kinds(), core.EventPositionClosed)
}

func TestComputePnL_WeightsExitsByTriggerPrice(t *testing.T) {
	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.AvgEntryPrice = dec("100")
	rec.LastKnownSize = dec("1.0")
	rec.TPOrders[1] = core.TPOrder{TriggerPrice: dec("110"), FilledQty: dec("0.85")}
	rec.TPOrders[2] = core.TPOrder{TriggerPrice: dec("120"), FilledQty: dec("0.15")}

	pnl := computePnL(rec)
	// avg exit = (0.85*110 + 0.15*120)/1.0 = 93.5+18 = 111.5
	// gross = (111.5-100)*1.0 = 11.5
	assert.True(t, pnl.GrossPnL.Equal(dec("11.5")), "got %s", pnl.GrossPnL)
	assert.True(t, pnl.NetPnL.LessThan(pnl.GrossPnL))
}

func TestSLTriggerDirection(t *testing.T) {
	assert.Equal(t, core.TriggerDirectionDown, slTriggerDirection(core.SideBuy))
	assert.Equal(t, core.TriggerDirectionUp, slTriggerDirection(core.SideSell))
}
