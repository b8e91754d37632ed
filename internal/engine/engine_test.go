package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
	apperrors "tpslguard/pkg/errors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSplitByPercent_85_5_5_5(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	qtys := splitByPercent(dec("1.000"), monitor.TPPercents, instrument)

	assert.True(t, qtys[0].Equal(dec("0.850")), "TP1 got %s", qtys[0])
	assert.True(t, qtys[1].Equal(dec("0.050")), "TP2 got %s", qtys[1])
	assert.True(t, qtys[2].Equal(dec("0.050")), "TP3 got %s", qtys[2])
	assert.True(t, qtys[3].Equal(dec("0.050")), "TP4 got %s", qtys[3])

	total := decimal.Zero
	for _, q := range qtys {
		total = total.Add(q)
	}
	assert.True(t, total.Equal(dec("1.000")))
}

func TestSplitByPercent_RemainderAbsorbedByLastLeg(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	instrument.QtyStep = dec("0.01")
	instrument.MinQty = dec("0.01")

	qtys := splitByPercent(dec("0.777"), monitor.TPPercents, instrument)

	total := decimal.Zero
	for _, q := range qtys {
		total = total.Add(q)
	}
	assert.True(t, total.Equal(dec("0.777")), "expected full size accounted for, got %s", total)
}

func TestSplitByPercent_TinyLegsSkippedBelowMinQty(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	instrument.QtyStep = dec("0.001")
	instrument.MinQty = dec("0.01")

	qtys := splitByPercent(dec("0.1"), monitor.TPPercents, instrument)

	// 5% of 0.1 is 0.005, below MinQty 0.01: TP2-4 should be skipped (zero),
	// with TP1 absorbing the full remainder.
	assert.True(t, qtys[1].IsZero())
	assert.True(t, qtys[2].IsZero())
	assert.True(t, qtys[3].IsZero())
	assert.True(t, qtys[0].Equal(dec("0.1")))
}

func TestPlaceOrderWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	exch := newFakeExchange(core.AccountMain, instrument)
	exch.placeResults = []placeScript{
		{err: apperrors.New(apperrors.KindTransient, "place_order", assertErr)},
		{result: core.OrderResult{Order: core.Order{OrderID: "ok-1"}, Category: core.CategoryOK}},
	}

	result, err := placeOrderWithRetry(context.Background(), exch, core.PlaceOrderParams{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, "ok-1", result.Order.OrderID)
	assert.Len(t, exch.placeCalls, 2)
}

func TestPlaceOrderWithRetry_FatalNeverRetried(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	exch := newFakeExchange(core.AccountMain, instrument)
	exch.placeResults = []placeScript{
		{err: apperrors.New(apperrors.KindFatal, "place_order", assertErr)},
	}

	_, err := placeOrderWithRetry(context.Background(), exch, core.PlaceOrderParams{Symbol: "BTCUSDT"})
	require.Error(t, err)
	assert.Len(t, exch.placeCalls, 1, "fatal errors must not be retried")
}

var assertErr = context.Canceled

func TestPlaceTrade_PlacesEntriesTPsAndSL(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	exch := newFakeExchange(core.AccountMain, instrument)
	store := newFakeStore()
	notifier := &fakeNotifier{}

	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier)

	spec := core.TradeSpec{
		Symbol: "BTCUSDT",
		Side:   core.SideBuy,
		Entries: []core.EntrySpec{
			{Type: core.OrderTypeMarket, Qty: dec("1.0")},
		},
		TakeProfits: [4]decimal.Decimal{dec("110"), dec("120"), dec("130"), dec("140")},
		StopLoss:    dec("90"),
	}

	key, err := e.PlaceTrade(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	// 1 entry + 4 TPs + 1 SL = 6 PlaceOrder calls.
	assert.Len(t, exch.placeCalls, 6)

	snapshots := e.ListMonitors()
	require.Len(t, snapshots, 1)
	assert.Equal(t, core.PhaseBuilding, snapshots[0].Phase)
	assert.True(t, snapshots[0].TargetSize.Equal(dec("1.0")))

	_, persisted := store.puts[key]
	assert.True(t, persisted, "PlaceTrade must persist the new monitor")
}

func TestPlaceTrade_NoExchangeForAccount(t *testing.T) {
	store := newFakeStore()
	e := testEngine(map[core.Account]core.IExchange{}, store, nil)

	_, err := e.PlaceTrade(context.Background(), core.TradeSpec{Symbol: "BTCUSDT"})
	require.Error(t, err)
}

func TestCloseMonitor_TearsDownAndRemoves(t *testing.T) {
	instrument := testInstrument("BTCUSDT")
	exch := newFakeExchange(core.AccountMain, instrument)
	store := newFakeStore()
	notifier := &fakeNotifier{}
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, store, notifier)

	spec := core.TradeSpec{
		Symbol:      "BTCUSDT",
		Side:        core.SideBuy,
		Entries:     []core.EntrySpec{{Type: core.OrderTypeMarket, Qty: dec("1.0")}},
		TakeProfits: [4]decimal.Decimal{dec("110"), decimal.Zero, decimal.Zero, decimal.Zero},
		StopLoss:    dec("90"),
	}
	key, err := e.PlaceTrade(context.Background(), spec)
	require.NoError(t, err)

	err = e.CloseMonitor(context.Background(), key)
	require.NoError(t, err)

	assert.Empty(t, e.ListMonitors())
	assert.Contains(t, store.removed, key)
	assert.Contains(t, notifier.kinds(), core.EventPositionClosed)
}

func TestCloseMonitor_UnknownKey(t *testing.T) {
	e := testEngine(map[core.Account]core.IExchange{}, newFakeStore(), nil)
	err := e.CloseMonitor(context.Background(), "missing")
	require.Error(t, err)
}
