// Package engine wires the Monitoring Cache, Order-Link Registry, Exchange
// Clients, Persistence Store, and Scheduler into the Monitor Pass (§4.6),
// Phase Engine (§4.8), Rebalancer (§4.9), Reconciliation loop (§4.7), and
// Mirror Coordinator (§4.10). It is the engine's top-level API (§6).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/config"
	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
	"tpslguard/internal/scheduler"
	apperrors "tpslguard/pkg/errors"
	"tpslguard/pkg/retry"
)

// placeOrderWithRetry wraps exch.PlaceOrder in §4.1's Transient retry policy:
// exponential backoff, bounded attempts, bailing out immediately on any
// non-retryable kind (Fatal, AlreadyGone, InvariantViolation, ...).
func placeOrderWithRetry(ctx context.Context, exch core.IExchange, params core.PlaceOrderParams) (core.OrderResult, error) {
	var result core.OrderResult
	err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsRetryable, func() error {
		var err error
		result, err = exch.PlaceOrder(ctx, params)
		return err
	})
	return result, err
}

// nowFn is indirected so tests can freeze time; production always uses time.Now.
var nowFn = time.Now

// Engine is the top-level orchestrator. One Engine runs for the whole process.
type Engine struct {
	cfg    *config.Config
	logger core.ILogger

	exchanges map[core.Account]core.IExchange
	cache     core.ICache
	registry  core.ILinkRegistry
	store     core.IPersistenceStore
	notifier  core.Notifier
	sched     *scheduler.Scheduler

	mu       sync.RWMutex
	monitors map[string]*monitor.Record

	schemaVersion int
}

// Deps bundles the collaborators New wires together, grounding every
// component the Engine calls through an interface rather than a concrete type.
type Deps struct {
	Config    *config.Config
	Logger    core.ILogger
	Exchanges map[core.Account]core.IExchange
	Cache     core.ICache
	Registry  core.ILinkRegistry
	Store     core.IPersistenceStore
	Notifier  core.Notifier
}

// New builds the Engine and its Scheduler, but does not start the tick loop.
func New(deps Deps) *Engine {
	e := &Engine{
		cfg:           deps.Config,
		logger:        deps.Logger.WithField("component", "engine"),
		exchanges:     deps.Exchanges,
		cache:         deps.Cache,
		registry:      deps.Registry,
		store:         deps.Store,
		notifier:      deps.Notifier,
		monitors:      make(map[string]*monitor.Record),
		schemaVersion: 1,
	}

	schedCfg := scheduler.DefaultConfig
	schedCfg.Intervals = scheduler.Intervals{
		Critical: deps.Config.MonitorIntervals.Critical,
		Urgent:   deps.Config.MonitorIntervals.Urgent,
		Active:   deps.Config.MonitorIntervals.Active,
		Building: deps.Config.MonitorIntervals.Building,
		Stable:   deps.Config.MonitorIntervals.Stable,
		Dormant:  deps.Config.MonitorIntervals.Dormant,
	}
	schedCfg.MaxConcurrentDefault = deps.Config.MaxConcurrentMonitors
	schedCfg.MaxConcurrentCeiling = deps.Config.MaxConcurrentMonitors + 5

	e.sched = scheduler.New(schedCfg, e.logger, e.markPrice, e.runPass)
	return e
}

// emit forwards an engine event to the notifier, if one is wired.
func (e *Engine) emit(ctx context.Context, event core.Event) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, event)
}

// Start resumes persisted monitors and begins the scheduler tick loop (§4.4
// recovery-on-boot: every persisted monitor becomes CRITICAL until its first pass).
func (e *Engine) Start(ctx context.Context) error {
	state, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	e.mu.Lock()
	for key, ms := range state.Monitors {
		rec := monitor.FromState(ms)
		rec.Urgency = core.UrgencyCritical
		e.monitors[key] = rec
		e.sched.Register(rec)
	}
	e.mu.Unlock()

	e.logger.Info("engine started", "recovered_monitors", len(state.Monitors))
	go e.sched.Start(ctx)
	go e.reconcileLoop(ctx)
	go e.flushLoop(ctx)
	return nil
}

// Stop drains the scheduler and flushes any dirty persistence state.
func (e *Engine) Stop(ctx context.Context) {
	e.sched.Stop()
	if err := e.store.FlushIfDirty(ctx); err != nil {
		e.logger.Error("final flush failed", "error", err)
	}
}

// markPrice supplies the scheduler with the latest mark price for urgency
// scoring, reading through the Monitoring Cache's positions view.
func (e *Engine) markPrice(ctx context.Context, rec *monitor.Record) decimal.Decimal {
	positions, err := e.cache.Positions(ctx, rec.Account)
	if err != nil {
		return decimal.Zero
	}
	for _, p := range positions {
		if p.Symbol == rec.Symbol && p.Side == rec.Side {
			return p.MarkPrice
		}
	}
	return decimal.Zero
}

// PlaceTrade implements §6's entry point: build a monitor for spec and place
// its entry orders, take-profits, and stop-loss.
func (e *Engine) PlaceTrade(ctx context.Context, spec core.TradeSpec) (string, error) {
	account := core.AccountMain
	exch, ok := e.exchanges[account]
	if !ok {
		return "", fmt.Errorf("no exchange client for account %s", account)
	}

	instrument, err := exch.GetInstrumentInfo(ctx, spec.Symbol)
	if err != nil {
		return "", fmt.Errorf("get instrument info: %w", err)
	}

	targetSize := decimal.Zero
	for _, entry := range spec.Entries {
		targetSize = targetSize.Add(entry.Qty)
	}

	rec := monitor.New(spec.Symbol, spec.Side, account, spec.ChatID, targetSize, instrument)

	if err := e.placeEntries(ctx, rec, spec.Entries); err != nil {
		return "", fmt.Errorf("place entries: %w", err)
	}
	if err := e.placeTakeProfits(ctx, rec, spec.TakeProfits, targetSize); err != nil {
		e.logger.Warn("place take-profits failed", "key", rec.Key, "error", err)
	}
	if err := e.placeStopLoss(ctx, rec, spec.StopLoss, targetSize); err != nil {
		e.logger.Warn("place stop-loss failed", "key", rec.Key, "error", err)
	}

	e.mu.Lock()
	e.monitors[rec.Key] = rec
	e.mu.Unlock()
	e.sched.Register(rec)
	_ = e.store.PutMonitor(ctx, rec.ToState(e.schemaVersion), true)

	if spec.Mirror && e.cfg.EnableMirrorTrading {
		e.mirrorTrade(ctx, rec, spec)
	}

	return rec.Key, nil
}

func (e *Engine) placeEntries(ctx context.Context, rec *monitor.Record, entries []core.EntrySpec) error {
	exch := e.exchanges[rec.Account]
	for _, entry := range entries {
		linkID := e.registry.Generate(rec.Account, core.KindEntry, 0, rec.Symbol)
		params := core.PlaceOrderParams{
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			Type:        entry.Type,
			Qty:         rec.Instrument.FloorQty(entry.Qty),
			Price:       entry.Price,
			OrderLinkID: linkID,
		}
		result, err := placeOrderWithRetry(ctx, exch, params)
		if err != nil {
			return err
		}
		rec.EntryOrders = append(rec.EntryOrders, core.EntryOrder{
			OrderID:     result.Order.OrderID,
			OrderLinkID: result.Order.OrderLinkID,
			Status:      result.Order.Status,
			Qty:         params.Qty,
			Price:       entry.Price,
		})
	}
	return nil
}

// placeTakeProfits implements the fixed 85/5/5/5 split (§3), flooring each
// leg to the instrument's qty step and absorbing the remainder into the last
// non-zero leg.
func (e *Engine) placeTakeProfits(ctx context.Context, rec *monitor.Record, prices [4]decimal.Decimal, targetSize decimal.Decimal) error {
	exch := e.exchanges[rec.Account]
	qtys := splitByPercent(targetSize, monitor.TPPercents, rec.Instrument)

	var firstErr error
	for i := 0; i < 4; i++ {
		if prices[i].IsZero() || qtys[i].IsZero() {
			continue
		}
		linkID := e.registry.Generate(rec.Account, core.KindTP, i+1, rec.Symbol)
		result, err := placeOrderWithRetry(ctx, exch, core.PlaceOrderParams{
			Symbol:        rec.Symbol,
			Side:          rec.Side.Opposite(),
			Type:          core.OrderTypeLimit,
			Qty:           qtys[i],
			Price:         prices[i],
			ReduceOnly:    true,
			StopOrderType: core.StopOrderTakeProfit,
			OrderLinkID:   linkID,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rec.TPOrders[i+1] = core.TPOrder{
			Index:        i + 1,
			Percent:      monitor.TPPercents[i],
			TriggerPrice: prices[i],
			Qty:          qtys[i],
			OrderID:      result.Order.OrderID,
			OrderLinkID:  result.Order.OrderLinkID,
		}
	}
	return firstErr
}

func (e *Engine) placeStopLoss(ctx context.Context, rec *monitor.Record, price decimal.Decimal, qty decimal.Decimal) error {
	if price.IsZero() {
		return nil
	}
	exch := e.exchanges[rec.Account]
	linkID := e.registry.Generate(rec.Account, core.KindSL, 0, rec.Symbol)
	result, err := placeOrderWithRetry(ctx, exch, core.PlaceOrderParams{
		Symbol:           rec.Symbol,
		Side:             rec.Side.Opposite(),
		Type:             core.OrderTypeMarket,
		Qty:              rec.Instrument.FloorQty(qty),
		TriggerPrice:     price,
		TriggerDirection: slTriggerDirection(rec.Side),
		StopOrderType:    core.StopOrderStopLoss,
		ReduceOnly:       true,
		CloseOnTrigger:   true,
		OrderLinkID:      linkID,
	})
	if err != nil {
		return err
	}
	rec.SLOrder = core.SLOrder{
		TriggerPrice: price,
		Qty:          rec.Instrument.FloorQty(qty),
		OrderID:      result.Order.OrderID,
		OrderLinkID:  result.Order.OrderLinkID,
	}
	return nil
}

// splitByPercent implements the 85/5/5/5 split with remainder absorbed by
// the last non-zero leg, per §4.9.2's rollover rule.
func splitByPercent(total decimal.Decimal, percents [4]decimal.Decimal, instrument core.InstrumentInfo) [4]decimal.Decimal {
	var qtys [4]decimal.Decimal
	allocated := decimal.Zero
	lastIdx := -1
	for i, pct := range percents {
		raw := total.Mul(pct).Div(decimal.NewFromInt(100))
		floored := instrument.FloorQty(raw)
		if floored.LessThan(instrument.MinQty) {
			continue
		}
		qtys[i] = floored
		allocated = allocated.Add(floored)
		lastIdx = i
	}
	if lastIdx >= 0 {
		qtys[lastIdx] = qtys[lastIdx].Add(total.Sub(allocated))
	}
	return qtys
}

// CloseMonitor cancels every order on rec and tears it down (§6).
func (e *Engine) CloseMonitor(ctx context.Context, key string) error {
	e.mu.RLock()
	rec, ok := e.monitors[key]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no monitor for key %s", key)
	}
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	e.tearDown(ctx, rec)

	e.mu.Lock()
	delete(e.monitors, key)
	e.mu.Unlock()
	return nil
}

// ListMonitors implements §6's read-only listing.
func (e *Engine) ListMonitors() []core.MonitorSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]core.MonitorSnapshot, 0, len(e.monitors))
	for _, rec := range e.monitors {
		out = append(out, rec.SnapshotFor())
	}
	return out
}
