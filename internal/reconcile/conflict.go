package reconcile

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/syncerr"
)

type disposition int

const (
	applySave disposition = iota
	applyDelete
	discardStale
	nothingToDelete
)

// decide applies the version rule to the local and incoming copies of a
// record. local is nil when no row exists. An incoming record without a
// version counts as version 0; a local record without one never wins.
func decide(local, incoming *record.Record) disposition {
	if local == nil {
		if incoming.Deleted {
			return nothingToDelete
		}
		return applySave
	}
	if local.HasVersion() && local.Version() >= incoming.Version() {
		return discardStale
	}
	if incoming.Deleted {
		return applyDelete
	}
	return applySave
}

func (q *Queue) process(task Task) (Outcome, error) {
	ctx := q.ctx
	logger := q.logger.With(zap.String("entity", task.Entity), zap.String("source", string(task.Source)))

	s, ok := q.store.Lookup(task.Entity)
	if !ok {
		err := syncerr.Storage(syncerr.SchemaMismatch, task.Entity, fmt.Errorf("entity type %q is not set up", task.Entity))
		return q.drop(task, logger, err)
	}
	incoming := task.Record
	if incoming == nil {
		return q.drop(task, logger, syncerr.Storage(syncerr.SchemaMismatch, task.Entity, errors.New("nil record")))
	}
	keyValues, err := incoming.KeyValues(s)
	if err != nil {
		return q.drop(task, logger, syncerr.Storage(syncerr.SchemaMismatch, task.Entity, err))
	}
	key, err := record.JoinKey(keyValues)
	if err != nil {
		return q.drop(task, logger, syncerr.Storage(syncerr.SchemaMismatch, task.Entity, err))
	}
	logger = logger.With(zap.String("key", key), zap.Int64("version", incoming.Version()))

	local, err := q.store.Get(ctx, task.Entity, keyValues)
	if errors.Is(err, db.ErrNotFound) {
		local, err = nil, nil
	}
	if err != nil {
		return q.drop(task, logger, err)
	}

	if q.pending != nil {
		held, err := q.pending.HasPending(ctx, task.Entity, key)
		if err != nil {
			return q.drop(task, logger, fmt.Errorf("failed to check pending mutations: %w", err))
		}
		if held {
			logger.Debug("holding record behind pending local edit")
			q.pending.Hold(ctx, task)
			return OutcomeHeld, nil
		}
	}

	switch decide(local, incoming) {
	case discardStale:
		logger.Debug("discarding stale record", zap.Int64("local_version", local.Version()))
		return OutcomeStale, syncerr.ErrStaleDiscard

	case nothingToDelete:
		logger.Debug("tombstone for missing record")
		return OutcomeDropped, nil

	case applyDelete:
		if err := q.store.Delete(ctx, task.Entity, keyValues, db.WithOrigin(events.OriginReconciliation)); err != nil {
			return q.drop(task, logger, err)
		}
		q.received(task, events.MutationDeleted, incoming)
		return OutcomeDeleted, nil
	}

	stored, err := q.store.Save(ctx, task.Entity, incoming, db.WithOrigin(events.OriginReconciliation))
	if err != nil {
		return q.drop(task, logger, err)
	}
	if local == nil {
		q.received(task, events.MutationCreated, stored)
		return OutcomeCreated, nil
	}
	q.received(task, events.MutationUpdated, stored)
	return OutcomeUpdated, nil
}

func (q *Queue) received(task Task, typ events.MutationType, rec *record.Record) {
	if q.lifecycle == nil {
		return
	}
	q.lifecycle.Publish(events.LifecycleEvent{
		Kind:   events.SyncReceived,
		Entity: task.Entity,
		Mutation: &events.MutationEvent{
			Entity: task.Entity,
			Record: rec,
			Type:   typ,
			Origin: events.OriginReconciliation,
			At:     now(),
		},
		At: now(),
	})
}

// drop logs err and reports the record as dropped. The worker keeps going.
func (q *Queue) drop(task Task, logger *zap.Logger, err error) (Outcome, error) {
	switch {
	case syncerr.IsConstraintViolation(err):
		logger.Warn("dropping record that violates a constraint", zap.Error(err))
	case syncerr.IsSchemaMismatch(err):
		logger.Warn("dropping record that does not match its schema", zap.Error(err))
	default:
		logger.Error("dropping record after storage failure", zap.Error(err))
	}
	if q.lifecycle != nil {
		q.lifecycle.Publish(events.LifecycleEvent{
			Kind:   events.MutationDropped,
			Entity: task.Entity,
			Err:    err,
			At:     now(),
		})
	}
	return OutcomeDropped, err
}

func now() time.Time { return time.Now().UTC() }
