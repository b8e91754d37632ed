// Mirror Coordinator (C10, §4.10): mirror-account monitors run through the
// exact same scheduler and pass logic as main, with two mirror-only
// behaviors — placing the mirrored trade, and recovering TP descriptors
// when the registry's own records are lost.
package engine

import (
	"context"
	"sort"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

// mirrorTrade places the same trade spec against the mirror account,
// registering an independent monitor (§4.10: mirror monitors are
// first-class, not a shadow of main).
func (e *Engine) mirrorTrade(ctx context.Context, mainRec *monitor.Record, spec core.TradeSpec) {
	exch, ok := e.exchanges[core.AccountMirror]
	if !ok {
		e.logger.Warn("mirror trade skipped: no mirror exchange client configured")
		return
	}

	instrument, err := exch.GetInstrumentInfo(ctx, spec.Symbol)
	if err != nil {
		e.logger.Warn("mirror trade: get instrument info failed", "symbol", spec.Symbol, "error", err)
		return
	}

	targetSize := mainRec.TargetSize
	rec := monitor.New(spec.Symbol, spec.Side, core.AccountMirror, spec.ChatID, targetSize, instrument)

	if err := e.placeEntries(ctx, rec, spec.Entries); err != nil {
		e.logger.Warn("mirror trade: place entries failed", "key", rec.Key, "error", err)
		return
	}
	if err := e.placeTakeProfits(ctx, rec, spec.TakeProfits, targetSize); err != nil {
		e.logger.Warn("mirror trade: place take-profits failed", "key", rec.Key, "error", err)
	}
	if err := e.placeStopLoss(ctx, rec, spec.StopLoss, targetSize); err != nil {
		e.logger.Warn("mirror trade: place stop-loss failed", "key", rec.Key, "error", err)
	}

	e.mu.Lock()
	e.monitors[rec.Key] = rec
	e.mu.Unlock()
	e.sched.Register(rec)
	_ = e.store.PutMonitor(ctx, rec.ToState(e.schemaVersion), true)
}

// recoverMirrorTPs implements §4.10's mirror TP recovery: when rebalancing
// finds zero registered TP orders but the position is open, synthesize
// descriptors from currently open reduce-only limit orders matching
// (symbol, opposite_side), assigning indices by ascending trigger price for
// Buy and descending for Sell.
func (e *Engine) recoverMirrorTPs(ctx context.Context, rec *monitor.Record, orders []core.Order) {
	opposite := rec.Side.Opposite()
	var candidates []core.Order
	for _, o := range orders {
		if o.Symbol != rec.Symbol || o.Side != opposite || !o.ReduceOnly || o.Type != core.OrderTypeLimit {
			continue
		}
		if o.IsTerminal() {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if rec.Side == core.SideBuy {
			return candidates[i].Price.LessThan(candidates[j].Price)
		}
		return candidates[i].Price.GreaterThan(candidates[j].Price)
	})

	// Already-filled TP slots occupy the lowest indices; the recovered
	// orders are whatever remains, so they map onto the highest indices
	// (e.g. TP1 filled + 3 open orders recovers as TP2/TP3/TP4).
	filled := 0
	for _, tp := range rec.TPOrders {
		if !tp.FilledQty.IsZero() {
			filled++
		}
	}

	for i, o := range candidates {
		idx := filled + i + 1
		if idx > 4 {
			break
		}
		rec.TPOrders[idx] = core.TPOrder{
			Index:        idx,
			Percent:      monitor.TPPercents[idx-1],
			TriggerPrice: o.Price,
			Qty:          o.Qty.Sub(o.CumExecQty),
			OrderID:      o.OrderID,
			OrderLinkID:  o.OrderLinkID,
		}
	}

	e.logger.Info("mirror TP recovery: synthesized descriptors from open orders", "key", rec.Key, "count", len(candidates))
	_ = e.store.PutMonitor(ctx, rec.ToState(e.schemaVersion), false)
}

// mirroredLimitFillsCount implements §4.10's display-only fill-count sync:
// both accounts report max(main, mirror) in emitted events, without
// altering either record's per-account truth.
func mirroredLimitFillsCount(mainCount, mirrorCount int) int {
	if mainCount > mirrorCount {
		return mainCount
	}
	return mirrorCount
}

// siblingAccount returns the other account in a mirrored pair.
func siblingAccount(account core.Account) core.Account {
	if account == core.AccountMain {
		return core.AccountMirror
	}
	return core.AccountMain
}

// displayLimitFillsCount implements §4.10's display-only sync for the
// limit_fills_count field carried on emitted events.
func (e *Engine) displayLimitFillsCount(rec *monitor.Record) int {
	e.mu.RLock()
	sibling, ok := e.monitors[monitor.Key(rec.Symbol, rec.Side, siblingAccount(rec.Account))]
	e.mu.RUnlock()
	if !ok || sibling == rec {
		return rec.LimitFillsCount
	}
	return mirroredLimitFillsCount(rec.LimitFillsCount, sibling.LimitFillsCount)
}
