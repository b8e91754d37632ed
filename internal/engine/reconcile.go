// Reconciliation (§4.7): a background loop, independent of the scheduler's
// per-monitor ticks, that is the only process allowed to create records
// outside PlaceTrade and the only one allowed to force-finalize a monitor
// whose position vanished without two consecutive pass confirmations.
package engine

import (
	"context"

	"github.com/robfig/cron/v3"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

const reconcileSchedule = "@every 60s"

// reconcileLoop runs on a cron schedule until ctx is cancelled.
func (e *Engine) reconcileLoop(ctx context.Context) {
	missingRounds := make(map[string]int)

	c := cron.New()
	if _, err := c.AddFunc(reconcileSchedule, func() { e.reconcileOnce(ctx, missingRounds) }); err != nil {
		e.logger.Error("reconcile: failed to schedule cron job", "error", err)
		return
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
}

func (e *Engine) reconcileOnce(ctx context.Context, missingRounds map[string]int) {
	for _, account := range []core.Account{core.AccountMain, core.AccountMirror} {
		if account == core.AccountMirror && !e.cfg.EnableMirrorTrading {
			continue
		}
		positions, err := e.cache.Positions(ctx, account)
		if err != nil {
			e.logger.Warn("reconcile: cache positions failed", "account", account, "error", err)
			continue
		}
		e.reconcileAccount(ctx, account, positions, missingRounds)
	}
}

func (e *Engine) reconcileAccount(ctx context.Context, account core.Account, positions []core.Position, missingRounds map[string]int) {
	e.mu.RLock()
	present := make(map[string]bool)
	for key, rec := range e.monitors {
		if rec.Account != account {
			continue
		}
		present[key] = true
	}
	e.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range positions {
		if p.Size.IsZero() {
			continue
		}
		key := monitor.Key(p.Symbol, p.Side, account)
		seen[key] = true
		if !present[key] {
			e.logger.Info("reconcile: open position without a monitor record (adoption disabled)", "account", account, "symbol", p.Symbol, "side", p.Side)
		} else {
			delete(missingRounds, key)
		}
	}

	for key := range present {
		if seen[key] {
			continue
		}
		missingRounds[key]++
		if missingRounds[key] >= 2 {
			e.mu.RLock()
			rec, ok := e.monitors[key]
			e.mu.RUnlock()
			if ok {
				rec.Mu.Lock()
				rec.ClosedConfirmations = 2
				rec.Mu.Unlock()
			}
			delete(missingRounds, key)
		}
	}
}
