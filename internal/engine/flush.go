package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// flushLoop runs the persistence store's periodic dirty-flush (§4.3's
// batch_interval default of 30s) on a cron schedule until ctx is cancelled.
func (e *Engine) flushLoop(ctx context.Context) {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", e.cfg.Persistence.BatchInterval)
	if _, err := c.AddFunc(spec, func() {
		if err := e.store.FlushIfDirty(ctx); err != nil {
			e.logger.Warn("periodic flush failed", "error", err)
		}
	}); err != nil {
		e.logger.Error("flush loop: failed to schedule cron job", "error", err)
		return
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
}
