package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

func TestPruneStaleOrders_DropsMissingUnfilledLinks(t *testing.T) {
	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.TPOrders[1] = core.TPOrder{OrderLinkID: "tp1", FilledQty: dec("0")}
	rec.TPOrders[2] = core.TPOrder{OrderLinkID: "tp2", FilledQty: dec("0.05")}
	rec.SLOrder = core.SLOrder{OrderLinkID: "sl1"}

	e := testEngine(nil, newFakeStore(), nil)
	e.pruneStaleOrders(rec, nil)

	assert.Empty(t, rec.TPOrders[1].OrderLinkID, "unfilled TP missing from live orders is cleared")
	assert.Equal(t, "tp2", rec.TPOrders[2].OrderLinkID, "filled TP is kept regardless of live-orders view")
	assert.Empty(t, rec.SLOrder.OrderLinkID)
}

func TestRebalanceTPs_ReplacesLegWhenQtyMovesByAStep(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	notifier := &fakeNotifier{}
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), notifier)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.CurrentSize = dec("2.0")
	rec.TPOrders[1] = core.TPOrder{Index: 1, OrderLinkID: "tp1-old", TriggerPrice: dec("110"), Qty: dec("0.85")}

	e.rebalanceTPs(context.Background(), rec, nil)

	// target for TP1 at current_size=2.0 is 85% = 1.7, far beyond one qty_step
	// from the old 0.85: the leg must be replaced.
	assert.True(t, exch.cancelled["tp1-old"])
	require.NotEmpty(t, exch.placeCalls)
	assert.True(t, rec.TPOrders[1].Qty.Equal(dec("1.7")), "got %s", rec.TPOrders[1].Qty)
	assert.Contains(t, notifier.kinds(), core.EventRebalanceDone)
}

func TestRebalanceTPs_SkipsLegBelowOneQtyStepDelta(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), nil)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.CurrentSize = dec("1.0")
	rec.TPOrders[1] = core.TPOrder{Index: 1, OrderLinkID: "tp1-stable", TriggerPrice: dec("110"), Qty: dec("0.85")}

	e.rebalanceTPs(context.Background(), rec, nil)

	assert.False(t, exch.cancelled["tp1-stable"], "an unchanged leg must not be replaced")
	assert.Equal(t, "tp1-stable", rec.TPOrders[1].OrderLinkID)
}

func TestRebalanceTPs_MirrorRecoversDescriptorsWhenNoneLive(t *testing.T) {
	exch := newFakeExchange(core.AccountMirror, testInstrument("BTCUSDT"))
	store := newFakeStore()
	e := testEngine(map[core.Account]core.IExchange{core.AccountMirror: exch}, store, nil)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMirror, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.Phase = core.PhaseProfitTaking
	rec.TP1Hit = true

	orders := []core.Order{
		{Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeLimit, ReduceOnly: true, Price: dec("130"), Qty: dec("0.05"), OrderID: "o3", OrderLinkID: "l3"},
		{Symbol: "BTCUSDT", Side: core.SideSell, Type: core.OrderTypeLimit, ReduceOnly: true, Price: dec("110"), Qty: dec("0.85"), OrderID: "o1", OrderLinkID: "l1"},
	}

	e.rebalanceTPs(context.Background(), rec, orders)

	require.Contains(t, rec.TPOrders, 1)
	assert.True(t, rec.TPOrders[1].TriggerPrice.Equal(dec("110")), "lowest price becomes TP1 for a long")
	assert.True(t, rec.TPOrders[2].TriggerPrice.Equal(dec("130")))
}

func TestRebalanceSL_ReplacesWhenDeltaReachesStep(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), nil)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	rec.TargetSize = dec("1.0")
	rec.TP1Hit = true
	rec.SLOrder = core.SLOrder{TriggerPrice: dec("90"), Qty: dec("1.0"), OrderLinkID: "sl-old"}
	rec.CurrentSize = dec("0.5")

	e.rebalanceSL(context.Background(), rec)

	assert.True(t, exch.cancelled["sl-old"])
	assert.True(t, rec.SLOrder.Qty.Equal(dec("0.5")))
}

func TestRebalanceSL_NoOpWhenNoTriggerSet(t *testing.T) {
	exch := newFakeExchange(core.AccountMain, testInstrument("BTCUSDT"))
	e := testEngine(map[core.Account]core.IExchange{core.AccountMain: exch}, newFakeStore(), nil)

	rec := monitor.New("BTCUSDT", core.SideBuy, core.AccountMain, nil, dec("1.0"), testInstrument("BTCUSDT"))
	e.rebalanceSL(context.Background(), rec)

	assert.Empty(t, exch.placeCalls)
}
