// Rebalancer (C9, §4.9): keeps TP/SL order quantities in step with the
// position as entries and take-profits fill.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

// pruneStaleOrders implements §4.9.1: drop references to TP/SL orders no
// longer present in the live open-orders snapshot.
func (e *Engine) pruneStaleOrders(rec *monitor.Record, orders []core.Order) {
	live := make(map[string]bool, len(orders))
	for _, o := range orders {
		live[o.OrderLinkID] = true
	}
	for i, tp := range rec.TPOrders {
		if tp.OrderLinkID != "" && !live[tp.OrderLinkID] && tp.FilledQty.IsZero() {
			tp.OrderLinkID = ""
			tp.OrderID = ""
			rec.TPOrders[i] = tp
		}
	}
	if rec.SLOrder.OrderLinkID != "" && !live[rec.SLOrder.OrderLinkID] {
		rec.SLOrder.OrderLinkID = ""
		rec.SLOrder.OrderID = ""
	}
}

// rebalanceTPs implements §4.9.2 and §4.9.4: recompute each TP's target
// quantity from the new current_size, skip/roll-forward legs below min_qty,
// replace legs whose quantity moved by at least one qty_step, and clamp the
// total against current_size + pending_entry_qty.
func (e *Engine) rebalanceTPs(ctx context.Context, rec *monitor.Record, orders []core.Order) {
	e.pruneStaleOrders(rec, orders)

	if rec.Phase == core.PhaseProfitTaking && liveTPCount(rec) == 0 {
		if rec.Account == core.AccountMirror {
			e.recoverMirrorTPs(ctx, rec, orders)
		}
		return
	}

	qtys := splitByPercent(rec.CurrentSize, monitor.TPPercents, rec.Instrument)
	results := make(map[int]core.ResultCode, 4)

	for i := 1; i <= 4; i++ {
		tp, hadTP := rec.TPOrders[i]
		newQty := qtys[i-1]

		if newQty.IsZero() {
			if hadTP && tp.OrderLinkID != "" {
				e.cancelTP(ctx, rec, i)
			}
			results[i] = core.ResultSkipped
			continue
		}
		if hadTP && !tp.FilledQty.IsZero() {
			results[i] = core.ResultOK
			continue
		}
		if hadTP && newQty.Sub(tp.Qty).Abs().LessThan(rec.Instrument.QtyStep) {
			results[i] = core.ResultOK
			continue
		}

		if hadTP && tp.OrderLinkID != "" {
			e.cancelTP(ctx, rec, i)
		}
		if err := e.placeTP(ctx, rec, i, newQty, tpPrice(rec, i, tp)); err != nil {
			e.logger.Warn("rebalance: place TP failed", "key", rec.Key, "tp_index", i, "error", err)
			results[i] = core.ResultFailed
			continue
		}
		results[i] = core.ResultOK
	}

	rec.ClampTPSum()

	e.emit(ctx, core.Event{
		Kind:            core.EventRebalanceDone,
		MonitorKey:      rec.Key,
		Account:         rec.Account,
		Symbol:          rec.Symbol,
		Side:            rec.Side,
		TS:              nowFn(),
		ChatID:          rec.ChatID,
		PerTPResults:    results,
		RebalanceStatus: aggregateRebalanceStatus(results),
	})
}

// aggregateRebalanceStatus rolls per-TP outcomes into one status: OK if every
// leg succeeded or was intentionally skipped, FAILED if every attempted leg
// failed, PARTIAL otherwise.
func aggregateRebalanceStatus(results map[int]core.ResultCode) core.ResultCode {
	ok, failed := 0, 0
	for _, r := range results {
		switch r {
		case core.ResultFailed:
			failed++
		case core.ResultOK:
			ok++
		}
	}
	switch {
	case failed == 0:
		return core.ResultOK
	case ok == 0:
		return core.ResultFailed
	default:
		return core.ResultPartial
	}
}

func liveTPCount(rec *monitor.Record) int {
	n := 0
	for _, tp := range rec.TPOrders {
		if tp.OrderLinkID != "" && tp.FilledQty.IsZero() {
			n++
		}
	}
	return n
}

// tpPrice returns the TP's stored trigger price; rebalancing only ever
// adjusts quantity, never price.
func tpPrice(rec *monitor.Record, index int, existing core.TPOrder) decimal.Decimal {
	return existing.TriggerPrice
}

func (e *Engine) cancelTP(ctx context.Context, rec *monitor.Record, index int) {
	exch, ok := e.exchanges[rec.Account]
	if !ok {
		return
	}
	tp := rec.TPOrders[index]
	if tp.OrderLinkID == "" {
		return
	}
	if _, err := exch.CancelOrder(ctx, tp.OrderLinkID); err != nil && !isAlreadyGone(err) {
		e.logger.Warn("rebalance: cancel TP failed", "key", rec.Key, "tp_index", index, "error", err)
	}
}

func (e *Engine) placeTP(ctx context.Context, rec *monitor.Record, index int, qty, price decimal.Decimal) error {
	if price.IsZero() {
		return nil
	}
	exch := e.exchanges[rec.Account]
	linkID := e.registry.Generate(rec.Account, core.KindTP, index, rec.Symbol)
	result, err := exch.PlaceOrder(ctx, core.PlaceOrderParams{
		Symbol:        rec.Symbol,
		Side:          rec.Side.Opposite(),
		Type:          core.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		ReduceOnly:    true,
		StopOrderType: core.StopOrderTakeProfit,
		OrderLinkID:   linkID,
	})
	if err != nil {
		return err
	}
	rec.TPOrders[index] = core.TPOrder{
		Index:        index,
		Percent:      monitor.TPPercents[index-1],
		TriggerPrice: price,
		Qty:          qty,
		OrderID:      result.Order.OrderID,
		OrderLinkID:  result.Order.OrderLinkID,
	}
	return nil
}

// rebalanceSL implements §4.9.3: SL qty tracks target_size before TP1,
// current_size after. Only replaced when the delta reaches one qty_step.
func (e *Engine) rebalanceSL(ctx context.Context, rec *monitor.Record) {
	if rec.SLOrder.TriggerPrice.IsZero() {
		return
	}
	wanted := rec.TargetSize
	if rec.TP1Hit {
		wanted = rec.CurrentSize
	}
	wanted = rec.Instrument.FloorQty(wanted)

	if wanted.Sub(rec.SLOrder.Qty).Abs().LessThan(rec.Instrument.QtyStep) {
		return
	}

	exch, ok := e.exchanges[rec.Account]
	if !ok {
		return
	}
	if rec.SLOrder.OrderLinkID != "" {
		if _, err := exch.CancelOrder(ctx, rec.SLOrder.OrderLinkID); err != nil && !isAlreadyGone(err) {
			e.logger.Warn("rebalance: cancel SL failed", "key", rec.Key, "error", err)
			return
		}
	}

	linkID := e.registry.Generate(rec.Account, core.KindSL, 0, rec.Symbol)
	result, err := exch.PlaceOrder(ctx, core.PlaceOrderParams{
		Symbol:           rec.Symbol,
		Side:             rec.Side.Opposite(),
		Type:             core.OrderTypeMarket,
		Qty:              wanted,
		TriggerPrice:     rec.SLOrder.TriggerPrice,
		TriggerDirection: slTriggerDirection(rec.Side),
		StopOrderType:    core.StopOrderStopLoss,
		ReduceOnly:       true,
		CloseOnTrigger:   true,
		OrderLinkID:      linkID,
	})
	if err != nil {
		e.logger.Warn("rebalance: place SL failed", "key", rec.Key, "error", err)
		return
	}
	rec.SLOrder.Qty = wanted
	rec.SLOrder.OrderID = result.Order.OrderID
	rec.SLOrder.OrderLinkID = result.Order.OrderLinkID
}
