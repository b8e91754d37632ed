// Monitor Pass (§4.6): the atomic unit of work for one record, run under
// its Mu by the scheduler. Every step below assumes the caller already
// holds that lock for the pass's full duration (§5's single-await rule).
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

// runPass implements scheduler.PassFunc.
func (e *Engine) runPass(ctx context.Context, rec *monitor.Record) {
	positions, err := e.cache.Positions(ctx, rec.Account)
	if err != nil {
		e.logger.Warn("monitor pass: cache positions failed", "key", rec.Key, "error", err)
		return
	}

	pos, found := findPosition(positions, rec.Symbol, rec.Side)
	if !found && rec.Phase != core.PhaseClosed {
		rec.ClosedConfirmations++
		e.checkClosure(ctx, rec)
		return
	}
	if !found {
		return
	}

	observed := pos.Size
	delta := observed.Sub(rec.LastKnownSize)
	rec.CurrentSize = observed

	orders, err := e.cache.OpenOrders(ctx, rec.Account)
	if err != nil {
		e.logger.Warn("monitor pass: cache open orders failed", "key", rec.Key, "error", err)
		orders = nil
	}

	switch {
	case delta.IsPositive() && (rec.Phase == core.PhaseBuilding || rec.Phase == core.PhaseMonitoring):
		e.handleEntryFill(ctx, rec, pos, delta, orders)
	case delta.IsNegative():
		e.handleExitFill(ctx, rec, delta.Abs(), orders)
	}

	// §4.9.1/§4.10: a PROFIT_TAKING monitor with zero live TP orders never
	// gets another entry fill to trigger rebalanceTPs, so recovery (mirror
	// accounts) and stale-order pruning run unconditionally here instead.
	if rec.Phase == core.PhaseProfitTaking {
		e.rebalanceTPs(ctx, rec, orders)
	}

	if rec.Phase == core.PhaseBuilding && len(rec.Fills) > 0 {
		rec.Phase = core.PhaseMonitoring
		e.emit(ctx, core.Event{
			Kind:            core.EventEntryFilled,
			MonitorKey:      rec.Key,
			Account:         rec.Account,
			Symbol:          rec.Symbol,
			Side:            rec.Side,
			TS:              nowFn(),
			ChatID:          rec.ChatID,
			LimitFillsCount: e.displayLimitFillsCount(rec),
		})
	}

	if observed.IsZero() || allTPsFilled(rec) {
		rec.ClosedConfirmations++
	} else {
		rec.ClosedConfirmations = 0
	}
	e.checkClosure(ctx, rec)

	rec.LastKnownSize = observed
	rec.UpdatedAt = nowFn()

	if err := rec.CheckInvariants(); err != nil {
		e.logger.Warn("monitor pass: invariant violation, clamping", "key", rec.Key, "error", err)
		rec.ClampTPSum()
	}

	_ = e.store.PutMonitor(ctx, rec.ToState(e.schemaVersion), rec.Urgency == core.UrgencyCritical)
}

func findPosition(positions []core.Position, symbol string, side core.Side) (core.Position, bool) {
	for _, p := range positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return core.Position{}, false
}

// handleEntryFill implements §4.6 step 3.
func (e *Engine) handleEntryFill(ctx context.Context, rec *monitor.Record, pos core.Position, delta decimal.Decimal, orders []core.Order) {
	price := pos.MarkPrice
	if price.IsZero() {
		price = pos.EntryPrice
	}

	rec.Fills = append(rec.Fills, core.Fill{Qty: delta, Price: price, TS: nowFn()})
	rec.RecomputeAvgEntryPrice()

	if fillMatchesRegisteredLimit(rec, delta, orders) {
		rec.LimitFillsCount++
	}

	rec.LastEventTS = nowFn()
	e.rebalanceTPs(ctx, rec, orders)
	e.rebalanceSL(ctx, rec)
}

// fillMatchesRegisteredLimit reports whether delta corresponds to one of the
// monitor's own registered limit entry orders rather than, e.g., a manual
// top-up outside the engine.
func fillMatchesRegisteredLimit(rec *monitor.Record, delta decimal.Decimal, orders []core.Order) bool {
	for _, eo := range rec.EntryOrders {
		if eo.Status != core.OrderStatusFilled && eo.Status != core.OrderStatusPartiallyFilled {
			continue
		}
		if eo.Qty.Sub(delta).Abs().LessThanOrEqual(rec.Instrument.QtyStep) {
			return true
		}
	}
	return false
}

// handleExitFill implements §4.6 step 4: identify which TP filled by matching
// cumulative reduction against each TP's quantity in order, TP1 first. A
// reduction with no matching registered TP and no known SL fill is treated
// as an external partial close per §4.6's BUILDING/MONITORING protection.
func (e *Engine) handleExitFill(ctx context.Context, rec *monitor.Record, reduced decimal.Decimal, orders []core.Order) {
	qtyStep := rec.Instrument.QtyStep

	for i := 1; i <= 4; i++ {
		tp, ok := rec.TPOrders[i]
		if !ok || !tp.FilledQty.IsZero() {
			continue
		}
		if reduced.Sub(tp.Qty).Abs().LessThanOrEqual(qtyStep) {
			tp.FilledQty = tp.Qty
			rec.TPOrders[i] = tp
			rec.FilledTPCount++
			rec.LastEventTS = nowFn()

			if i == 1 {
				e.onTP1Hit(ctx, rec)
			} else {
				e.rebalanceSL(ctx, rec)
				e.emit(ctx, core.Event{
					Kind:       core.EventTPHit,
					MonitorKey: rec.Key,
					Account:    rec.Account,
					Symbol:     rec.Symbol,
					Side:       rec.Side,
					TS:         nowFn(),
					ChatID:     rec.ChatID,
					TPIndex:    i,
				})
			}
			return
		}
	}

	if slFilled(rec, orders) {
		rec.SLOrder.OrderLinkID = ""
		e.emit(ctx, core.Event{
			Kind:       core.EventSLHit,
			MonitorKey: rec.Key,
			Account:    rec.Account,
			Symbol:     rec.Symbol,
			Side:       rec.Side,
			TS:         nowFn(),
			ChatID:     rec.ChatID,
		})
		return
	}

	if rec.Phase == core.PhaseBuilding || rec.Phase == core.PhaseMonitoring {
		e.logger.Info("external partial close observed, not treated as TP fill", "key", rec.Key, "reduced", reduced.String())
	}
}

// slFilled reports whether the monitor's SL order has disappeared from the
// open-orders view while position size dropped, implying it triggered.
func slFilled(rec *monitor.Record, orders []core.Order) bool {
	if rec.SLOrder.OrderLinkID == "" {
		return false
	}
	for _, o := range orders {
		if o.OrderLinkID == rec.SLOrder.OrderLinkID {
			return false
		}
	}
	return true
}

func allTPsFilled(rec *monitor.Record) bool {
	if len(rec.TPOrders) < 4 {
		return false
	}
	for i := 1; i <= 4; i++ {
		tp, ok := rec.TPOrders[i]
		if !ok || tp.FilledQty.IsZero() {
			if ok && tp.Qty.IsZero() {
				continue
			}
			return false
		}
	}
	return true
}

// checkClosure implements §4.6 step 6: two consecutive closed confirmations
// before tear-down, guarding against transient API read failures.
func (e *Engine) checkClosure(ctx context.Context, rec *monitor.Record) {
	if rec.Phase == core.PhaseClosed {
		return
	}
	if rec.ClosedConfirmations >= 2 {
		e.tearDown(ctx, rec)
	}
}
