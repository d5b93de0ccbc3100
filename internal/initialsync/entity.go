package initialsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/reconcile"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// tally counts reconciliation outcomes of one type's sync.
type tally struct {
	mu    sync.Mutex
	stats events.ModelSyncedStats
	wg    sync.WaitGroup
}

func (t *tally) done(o reconcile.Outcome, _ error) {
	t.mu.Lock()
	switch o {
	case reconcile.OutcomeCreated:
		t.stats.Added++
	case reconcile.OutcomeUpdated:
		t.stats.Updated++
	case reconcile.OutcomeDeleted:
		t.stats.Deleted++
	}
	t.mu.Unlock()
	t.wg.Done()
}

// syncEntity pages through one entity type, waits until every fetched record
// is reconciled and then records the type as fully synced.
func (o *Orchestrator) syncEntity(ctx context.Context, s *schema.EntitySchema) error {
	logger := o.logger.With(zap.String("entity", s.Name))

	meta, err := o.meta.GetSyncMetadata(ctx, s.Name)
	if err != nil {
		return o.fail(ctx, s.Name, nil, err)
	}

	started := o.now()
	full := meta.Cursor == nil || meta.LastFullSyncAt == nil ||
		started.Sub(*meta.LastFullSyncAt) >= o.cfg.FullSyncInterval
	var cursor *string
	if !full {
		cursor = meta.Cursor
	}

	t := &tally{}
	t.stats.IsFullSync = full
	t.stats.IsDeltaSync = !full
	logger.Debug("syncing entity type", zap.Bool("full", full))

	fetched := 0
	terminal := cursor
	for {
		if err := ctx.Err(); err != nil {
			t.wg.Wait()
			return o.fail(ctx, s.Name, meta, err)
		}

		page, err := o.client.ListPage(ctx, s.Name, cursor, o.cfg.PageSize)
		if err != nil {
			t.wg.Wait()
			return o.fail(ctx, s.Name, meta, err)
		}
		terminal = cursor

		capped := false
		for _, rec := range page.Records {
			if o.cfg.MaxRecords > 0 && fetched >= o.cfg.MaxRecords {
				capped = true
				break
			}
			t.wg.Add(1)
			err := o.queue.Enqueue(ctx, reconcile.Task{
				Entity: s.Name,
				Record: rec,
				Source: reconcile.SourceInitialSync,
				Done:   t.done,
			})
			if err != nil {
				t.wg.Done()
				t.wg.Wait()
				return o.fail(ctx, s.Name, meta, err)
			}
			fetched++
		}

		if capped || page.NextCursor == nil {
			if capped {
				logger.Info("record cap reached", zap.Int("max_records", o.cfg.MaxRecords))
			}
			break
		}
		cursor = page.NextCursor
	}

	t.wg.Wait()

	finished := o.now()
	meta.Cursor = terminal
	meta.IsFullySynced = true
	meta.LastSyncAt = &finished
	if full {
		meta.LastFullSyncAt = &started
	}
	if err := o.meta.SaveSyncMetadata(ctx, meta); err != nil {
		return o.fail(ctx, s.Name, nil, err)
	}

	t.mu.Lock()
	stats := t.stats
	t.mu.Unlock()
	o.publish(events.LifecycleEvent{Kind: events.ModelSynced, Entity: s.Name, Stats: &stats})
	logger.Info("entity type synced",
		zap.Int("fetched", fetched), zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated), zap.Int("deleted", stats.Deleted))
	return nil
}

// fail marks the type as not fully synced, keeping its cursor, and reports
// the error.
func (o *Orchestrator) fail(ctx context.Context, entity string, meta *db.SyncMetadata, err error) error {
	if meta != nil && meta.IsFullySynced {
		meta.IsFullySynced = false
		if serr := o.meta.SaveSyncMetadata(context.WithoutCancel(ctx), meta); serr != nil {
			o.logger.Error("failed to mark entity type dirty", zap.String("entity", entity), zap.Error(serr))
		}
	}

	se := syncerr.AsSyncError(entity, err)
	if errors.Is(err, context.Canceled) {
		o.logger.Debug("sync canceled", zap.String("entity", entity))
	} else {
		o.logger.Warn("entity type sync failed", zap.String("entity", entity), zap.Error(err))
	}
	o.publish(events.LifecycleEvent{Kind: events.SyncError, Entity: entity, Err: se})
	return se
}
