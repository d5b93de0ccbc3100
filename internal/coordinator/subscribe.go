package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/reconcile"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// subscribeSynced opens a live subscription for every syncable type whose
// metadata shows a completed initial sync and that is not subscribed yet.
// It returns the types subscribed by this call.
func (c *Coordinator) subscribeSynced(ctx context.Context, queue *reconcile.Queue) []string {
	var established []string
	for _, s := range c.syncable {
		if ctx.Err() != nil {
			return established
		}

		c.mu.Lock()
		done := c.subscribed[s.Name]
		c.mu.Unlock()
		if done {
			continue
		}

		md, err := c.store.GetSyncMetadata(ctx, s.Name)
		if err != nil {
			c.logger.Error("failed to read sync metadata", zap.String("entity", s.Name), zap.Error(err))
			continue
		}
		if !md.IsFullySynced {
			c.logger.Debug("entity type not synced, no subscription", zap.String("entity", s.Name))
			continue
		}

		sub, err := c.client.Subscribe(ctx, s.Name)
		if err != nil {
			se := syncerr.AsSyncError(s.Name, err)
			c.logger.Warn("failed to subscribe", zap.String("entity", s.Name), zap.Error(err))
			c.publish(events.LifecycleEvent{Kind: events.SyncError, Entity: s.Name, Err: se})
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = sub.Close()
			return established
		}
		c.subscribed[s.Name] = true
		c.wg.Add(1)
		c.mu.Unlock()

		go c.pump(ctx, s.Name, sub, queue)
		established = append(established, s.Name)
	}
	return established
}

// pump routes one subscription's records to the reconciliation queue until
// ctx ends or the stream closes.
func (c *Coordinator) pump(ctx context.Context, entity string, sub remote.Subscription, queue *reconcile.Queue) {
	defer c.wg.Done()
	defer func() { _ = sub.Close() }()
	logger := c.logger.With(zap.String("entity", entity))

	records, errs := sub.Records(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case rec, ok := <-records:
			if !ok {
				logger.Info("subscription closed")
				c.mu.Lock()
				delete(c.subscribed, entity)
				c.mu.Unlock()
				return
			}
			err := queue.Enqueue(ctx, reconcile.Task{
				Entity: entity,
				Record: rec,
				Source: reconcile.SourceSubscription,
			})
			if errors.Is(err, reconcile.ErrStopped) || ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Error("failed to enqueue remote change", zap.Error(err))
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			se := syncerr.AsSyncError(entity, err)
			logger.Warn("subscription error", zap.Error(se))
			c.publish(events.LifecycleEvent{Kind: events.SyncError, Entity: entity, Err: se})
		}
	}
}
