// Phase Engine (C8): phase transitions and their side effects — cancel
// unfilled entry limits on TP1, move the stop-loss to breakeven, and tear
// down on closure.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
	apperrors "tpslguard/pkg/errors"
)

// breakevenTrigger implements §4.8.3: trigger = avg_entry_price ± avg_entry_price*(fee_rate*2+safety_margin).
func breakevenTrigger(avgEntry decimal.Decimal, side core.Side, feeRate, safetyMargin float64) decimal.Decimal {
	margin := decimal.NewFromFloat(feeRate*2 + safetyMargin)
	signed := avgEntry.Mul(margin)
	if side == core.SideBuy {
		return avgEntry.Add(signed)
	}
	return avgEntry.Sub(signed)
}

// onTP1Hit runs §4.8's MONITORING→PROFIT_TAKING side effects: move SL to
// breakeven (§4.8.3), cancel unfilled entry limits (§4.8.2), emit TP1Hit.
func (e *Engine) onTP1Hit(ctx context.Context, rec *monitor.Record) {
	rec.TP1Hit = true
	if monitor.CanTransition(rec.Phase, core.PhaseProfitTaking) {
		rec.Phase = core.PhaseProfitTaking
	}
	rec.LastEventTS = nowFn()

	e.emit(ctx, core.Event{
		Kind:       core.EventTPHit,
		MonitorKey: rec.Key,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       rec.Side,
		TS:         nowFn(),
		ChatID:     rec.ChatID,
		TPIndex:    1,
	})

	if e.cfg.CancelLimitsOnTP1 {
		if err := e.cancelUnfilledEntryLimits(ctx, rec); err != nil {
			e.logger.Warn("cancel unfilled entry limits failed", "key", rec.Key, "error", err)
		} else {
			rec.LimitsCancelled = true
		}

		e.emit(ctx, core.Event{
			Kind:       core.EventLimitsCancelledOnTP1,
			MonitorKey: rec.Key,
			Account:    rec.Account,
			Symbol:     rec.Symbol,
			Side:       rec.Side,
			TS:         nowFn(),
			ChatID:     rec.ChatID,
		})
	}

	if err := e.moveSLToBreakeven(ctx, rec); err != nil {
		e.logger.Warn("move SL to breakeven failed", "key", rec.Key, "error", err)
	}
}

// cancelUnfilledEntryLimits implements §4.8.2.
func (e *Engine) cancelUnfilledEntryLimits(ctx context.Context, rec *monitor.Record) error {
	exch, ok := e.exchanges[rec.Account]
	if !ok {
		return fmt.Errorf("no exchange client for account %s", rec.Account)
	}

	var firstErr error
	for i, eo := range rec.EntryOrders {
		if eo.Status == core.OrderStatusFilled || eo.Status == core.OrderStatusCancelled {
			continue
		}
		ok, err := exch.CancelOrder(ctx, eo.OrderLinkID)
		if err != nil && !isAlreadyGone(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			rec.EntryOrders[i].Status = core.OrderStatusCancelled
		}
	}
	return firstErr
}

// moveSLToBreakeven implements §4.8.3: cancel-then-place with a fresh link
// ID; regenerate on DuplicateLinkId; proceed to place on AlreadyGone cancel.
func (e *Engine) moveSLToBreakeven(ctx context.Context, rec *monitor.Record) error {
	exch, ok := e.exchanges[rec.Account]
	if !ok {
		return fmt.Errorf("no exchange client for account %s", rec.Account)
	}

	if rec.SLOrder.OrderLinkID != "" {
		if _, err := exch.CancelOrder(ctx, rec.SLOrder.OrderLinkID); err != nil && !isAlreadyGone(err) {
			return err
		}
	}

	trigger := breakevenTrigger(rec.AvgEntryPrice, rec.Side, e.cfg.BreakevenFeeRate, e.cfg.BreakevenSafetyMargin)
	qty := rec.CurrentSize

	var result core.OrderResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		linkID := e.registry.Generate(rec.Account, core.KindSL, 0, rec.Symbol)
		result, err = exch.PlaceOrder(ctx, core.PlaceOrderParams{
			Symbol:           rec.Symbol,
			Side:             rec.Side.Opposite(),
			Type:             core.OrderTypeMarket,
			Qty:              qty,
			TriggerPrice:     trigger,
			TriggerDirection: slTriggerDirection(rec.Side),
			StopOrderType:    core.StopOrderStopLoss,
			ReduceOnly:       true,
			CloseOnTrigger:   true,
			OrderLinkID:      linkID,
		})
		if err == nil {
			break
		}
		if result.Category != core.CategoryDuplicateLinkID {
			return err
		}
	}
	if err != nil {
		return err
	}

	rec.SLOrder = core.SLOrder{
		TriggerPrice:     trigger,
		Qty:              qty,
		OrderID:          result.Order.OrderID,
		OrderLinkID:      result.Order.OrderLinkID,
		BreakevenApplied: true,
	}
	rec.SLMovedToBE = true

	e.emit(ctx, core.Event{
		Kind:       core.EventSLMovedToBreakeven,
		MonitorKey: rec.Key,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       rec.Side,
		TS:         nowFn(),
		ChatID:     rec.ChatID,
	})
	return nil
}

// slTriggerDirection picks the Bybit trigger direction for a stop-loss:
// long positions stop on a falling price, shorts on a rising one.
func slTriggerDirection(side core.Side) core.TriggerDirection {
	if side == core.SideBuy {
		return core.TriggerDirectionDown
	}
	return core.TriggerDirectionUp
}

// tearDown implements §4.8.4: cancel every residual TP/SL, sweep stray
// reduce-only orders, emit PositionClosed with a final P&L summary, and
// remove the record from the active set.
func (e *Engine) tearDown(ctx context.Context, rec *monitor.Record) {
	exch, ok := e.exchanges[rec.Account]
	if !ok {
		e.logger.Error("tear-down: no exchange client", "account", rec.Account)
		return
	}

	for idx, tp := range rec.TPOrders {
		if tp.OrderLinkID == "" {
			continue
		}
		if _, err := exch.CancelOrder(ctx, tp.OrderLinkID); err != nil && !isAlreadyGone(err) {
			e.logger.Warn("tear-down: cancel TP failed", "key", rec.Key, "tp_index", idx, "error", err)
		}
	}
	if rec.SLOrder.OrderLinkID != "" {
		if _, err := exch.CancelOrder(ctx, rec.SLOrder.OrderLinkID); err != nil && !isAlreadyGone(err) {
			e.logger.Warn("tear-down: cancel SL failed", "key", rec.Key, "error", err)
		}
	}

	e.sweepStragglers(ctx, rec)

	pnl := computePnL(rec)
	if monitor.CanTransition(rec.Phase, core.PhaseClosed) {
		rec.Phase = core.PhaseClosed
	}

	e.emit(ctx, core.Event{
		Kind:       core.EventPositionClosed,
		MonitorKey: rec.Key,
		Account:    rec.Account,
		Symbol:     rec.Symbol,
		Side:       rec.Side,
		TS:         nowFn(),
		ChatID:     rec.ChatID,
		PnL:        &pnl,
	})

	_ = e.store.RemoveMonitor(ctx, rec.Key)
	e.sched.Unregister(rec.Key)
}

// sweepStragglers cancels reduce-only orders for the monitor's symbol/side
// that carry no recognizable link ID (§4.8.4).
func (e *Engine) sweepStragglers(ctx context.Context, rec *monitor.Record) {
	exch, ok := e.exchanges[rec.Account]
	if !ok {
		return
	}
	orders, err := e.cache.OpenOrders(ctx, rec.Account)
	if err != nil {
		return
	}
	for _, o := range orders {
		if o.Symbol != rec.Symbol || !o.ReduceOnly || o.Side != rec.Side.Opposite() {
			continue
		}
		if _, _, ok := e.registry.Classify(o, rec.Side); ok {
			continue
		}
		if _, err := exch.CancelOrder(ctx, o.OrderLinkID); err != nil && !isAlreadyGone(err) {
			e.logger.Warn("tear-down: sweep straggler failed", "key", rec.Key, "order_link_id", o.OrderLinkID, "error", err)
		}
	}
}

// computePnL implements §4.8.4's gross/fee/net accounting, weighting TP and
// SL fills by their trigger prices against the position's average entry.
func computePnL(rec *monitor.Record) core.PnLSummary {
	exitQty := decimal.Zero
	weightedExit := decimal.Zero
	for _, tp := range rec.TPOrders {
		if tp.FilledQty.IsZero() {
			continue
		}
		exitQty = exitQty.Add(tp.FilledQty)
		weightedExit = weightedExit.Add(tp.FilledQty.Mul(tp.TriggerPrice))
	}
	if remaining := rec.LastKnownSize.Sub(exitQty); remaining.IsPositive() && !rec.SLOrder.TriggerPrice.IsZero() {
		exitQty = exitQty.Add(remaining)
		weightedExit = weightedExit.Add(remaining.Mul(rec.SLOrder.TriggerPrice))
	}

	gross := decimal.Zero
	if !exitQty.IsZero() {
		avgExit := weightedExit.Div(exitQty)
		if rec.Side == core.SideBuy {
			gross = avgExit.Sub(rec.AvgEntryPrice).Mul(exitQty)
		} else {
			gross = rec.AvgEntryPrice.Sub(avgExit).Mul(exitQty)
		}
	}

	notional := rec.AvgEntryPrice.Mul(exitQty).Add(weightedExit)
	fee := notional.Mul(decimal.NewFromFloat(0.0006))

	return core.PnLSummary{
		GrossPnL:    gross,
		FeeEstimate: fee,
		NetPnL:      gross.Sub(fee),
	}
}

func isAlreadyGone(err error) bool {
	kind, ok := apperrors.KindOf(err)
	return ok && kind == apperrors.KindAlreadyGone
}
