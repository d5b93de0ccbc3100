package coordinator

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// startScheduler runs Resync on the configured schedule until ctx ends.
func (c *Coordinator) startScheduler(ctx context.Context) {
	if c.opts.ResyncSchedule == "" {
		return
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(c.opts.ResyncSchedule, func() {
		c.logger.Info("triggering scheduled resync")
		if err := c.Resync(ctx); err != nil {
			c.logger.Info("scheduled resync skipped", zap.Error(err))
		}
	})
	if err != nil {
		c.logger.Error("failed to schedule resync", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.scheduler = scheduler
	scheduler.Start()
	c.logger.Info("resync scheduler started", zap.String("schedule", c.opts.ResyncSchedule))
}

// Resync runs another initial sync pass over all syncable types while
// subscriptions are active, then subscribes any type that became synced.
// It returns ErrSyncInProgress if a pass is already running.
func (c *Coordinator) Resync(ctx context.Context) error {
	c.mu.Lock()
	state, runCtx, queue, orch := c.state, c.runCtx, c.queue, c.orch
	c.mu.Unlock()
	if state != StateSubscriptionActive || orch == nil {
		return fmt.Errorf("%w: cannot resync from %s", ErrInvalidTransition, state)
	}
	if !c.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	// Bound by both the caller and the run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	err := orch.Sync(ctx, c.syncable)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if established := c.subscribeSynced(runCtx, queue); len(established) > 0 {
		c.logger.Info("subscribed after resync", zap.Strings("entities", established))
	}
	return err
}
