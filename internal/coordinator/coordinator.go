// Package coordinator drives the sync engine through its lifecycle.
//
// A run sets up local storage, performs the initial sync of every syncable
// entity type, then opens a live subscription for each type whose initial
// sync completed and routes remote changes to the reconciliation queue:
//
//	idle --Start--> initialSyncInFlight --synced--> subscriptionActive
//	any --Stop--> stopped
//	any --Clear--> idle
//
// Errors during a run never surface from Start. They are published on the
// lifecycle feed.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/initialsync"
	"github.com/steveyegge/offsync/internal/reconcile"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/schema"
)

// Store is the storage adapter as seen by the coordinator.
type Store interface {
	reconcile.Store
	initialsync.MetadataStore
	SetUpRegistry(ctx context.Context, reg *schema.Registry) ([]string, error)
	ListSyncMetadata(ctx context.Context) ([]*db.SyncMetadata, error)
	InvalidateSyncMetadata(ctx context.Context) error
	Clear(ctx context.Context) error
	Mutations() *events.Mutations
}

// Options configures a Coordinator.
type Options struct {
	Logger *zap.Logger
	Sync   initialsync.Config
	// QueueSize is the per-type reconciliation buffer.
	QueueSize int
	// ResyncSchedule is a cron expression for periodic delta syncs while
	// subscriptions are active. Empty disables it.
	ResyncSchedule string
	// Pending, when set, holds remote changes to records with unsent local edits.
	Pending reconcile.PendingChecker
}

// Coordinator owns one sync engine instance.
type Coordinator struct {
	reg       *schema.Registry
	syncable  []*schema.EntitySchema
	store     Store
	client    remote.Client
	opts      Options
	logger    *zap.Logger
	lifecycle *events.Lifecycle

	mu         sync.Mutex
	state      State
	runCtx     context.Context
	cancel     context.CancelFunc
	release    func() bool
	queue      *reconcile.Queue
	orch       *initialsync.Orchestrator
	scheduler  *cron.Cron
	subscribed map[string]bool
	wg         sync.WaitGroup

	syncing atomic.Bool
}

// New creates a coordinator in the idle state.
func New(reg *schema.Registry, store Store, client remote.Client, opts Options) (*Coordinator, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if opts.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(opts.ResyncSchedule); err != nil {
			return nil, fmt.Errorf("invalid resync schedule %q: %w", opts.ResyncSchedule, err)
		}
	}
	syncable, err := schema.SortByDependencyOrder(reg.Syncable())
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		reg:       reg,
		syncable:  syncable,
		store:     store,
		client:    client,
		opts:      opts,
		logger:    logger.Named("coordinator"),
		lifecycle: events.NewFeed[events.LifecycleEvent](events.DefaultBuffer),
		state:     StateIdle,
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lifecycle returns the feed of lifecycle events.
func (c *Coordinator) Lifecycle() *events.Lifecycle {
	return c.lifecycle
}

// Mutations returns the storage adapter's mutation feed.
func (c *Coordinator) Mutations() *events.Mutations {
	return c.store.Mutations()
}

// Start launches a sync run bound to ctx and returns immediately. It fails
// only with ErrInvalidTransition when the coordinator is not idle or stopped.
// When ctx ends, the run is stopped as if Stop had been called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.canStart() {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, c.state)
	}

	runCtx, cancel := context.WithCancel(ctx)
	lifecycle := c.lifecycle
	queue := reconcile.New(c.store, reconcile.Options{
		Logger:    c.logger,
		Pending:   c.opts.Pending,
		Lifecycle: lifecycle,
		QueueSize: c.opts.QueueSize,
	})
	orch := initialsync.New(c.client, queue, c.store, initialsync.Options{
		Config:    c.opts.Sync,
		Logger:    c.logger,
		Lifecycle: lifecycle,
	})

	c.runCtx = runCtx
	c.cancel = cancel
	c.release = context.AfterFunc(ctx, func() { c.stopRun(runCtx) })
	c.queue = queue
	c.orch = orch
	c.subscribed = make(map[string]bool)
	c.setStateLocked(StateInitialSyncInFlight)

	c.wg.Add(1)
	go c.run(runCtx, queue, orch)
	return nil
}

func (c *Coordinator) run(ctx context.Context, queue *reconcile.Queue, orch *initialsync.Orchestrator) {
	defer c.wg.Done()

	order, err := c.store.SetUpRegistry(ctx, c.reg)
	if err != nil {
		c.logger.Error("failed to set up storage", zap.Error(err))
		c.publish(events.LifecycleEvent{Kind: events.SyncError, Err: err})
		c.transition(ctx, StateInitialSyncInFlight, StateError)
		return
	}
	c.logger.Info("storage ready", zap.Strings("order", order))

	c.syncing.Store(true)
	err = orch.Sync(ctx, c.syncable)
	c.syncing.Store(false)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn("initial sync incomplete", zap.Error(err))
		c.publish(events.LifecycleEvent{Kind: events.SyncError, Err: err})
	}

	established := c.subscribeSynced(ctx, queue)
	c.publish(events.LifecycleEvent{Kind: events.SubscriptionsEstablished, Entities: established})
	if !c.transition(ctx, StateInitialSyncInFlight, StateSubscriptionActive) {
		return
	}
	c.startScheduler(ctx)
	c.publish(events.LifecycleEvent{Kind: events.Ready})
}

// Stop cancels network work, drains the reconciliation queue and moves to
// stopped. ctx bounds the wait for the drain.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.stop(ctx, nil)
}

// stopRun stops the run bound to runCtx once its Start context has ended,
// unless Stop already ended that run.
func (c *Coordinator) stopRun(runCtx context.Context) {
	c.logger.Info("start context ended")
	if err := c.stop(context.Background(), runCtx); err != nil {
		c.logger.Error("failed to stop sync run", zap.Error(err))
	}
}

// stop ends the current run. A non-nil run restricts it to that run.
func (c *Coordinator) stop(ctx context.Context, run context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || (run != nil && c.runCtx != run) {
		c.mu.Unlock()
		return nil
	}
	cancel, release, queue, scheduler := c.cancel, c.release, c.queue, c.scheduler
	c.runCtx, c.cancel, c.release = nil, nil, nil
	c.queue, c.orch, c.scheduler = nil, nil, nil
	if release != nil {
		release()
	}
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	c.logger.Info("stopping")
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if err := waitGroup(ctx, &c.wg); err != nil {
		return fmt.Errorf("failed to stop sync run: %w", err)
	}
	if queue != nil {
		if err := queue.Stop(ctx); err != nil {
			return fmt.Errorf("failed to drain reconciliation queue: %w", err)
		}
	}

	c.mu.Lock()
	c.setStateLocked(StateStopped)
	c.mu.Unlock()
	c.logger.Info("stopped")
	return nil
}

// Clear stops any run, wipes local storage, invalidates sync metadata and
// returns to idle so the next Start performs a full sync.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	if err := c.store.InvalidateSyncMetadata(ctx); err != nil {
		return fmt.Errorf("failed to invalidate sync metadata: %w", err)
	}

	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.publish(events.LifecycleEvent{Kind: events.Cleared})
	c.logger.Info("local store cleared")
	return nil
}

// Close stops the coordinator and closes its lifecycle feed.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.Stop(ctx)
	c.lifecycle.Close()
	return err
}

// Status is a snapshot for status displays.
type Status struct {
	State    State
	Entities []*db.SyncMetadata
}

// Status returns the current state and the stored sync metadata.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	md, err := c.store.ListSyncMetadata(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{State: c.State(), Entities: md}, nil
}

// transition moves from one state to another unless the run behind ctx was
// stopped or the state changed meanwhile.
func (c *Coordinator) transition(ctx context.Context, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.state != from {
		return false
	}
	c.setStateLocked(to)
	return true
}

func (c *Coordinator) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state changed", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
	c.publish(events.LifecycleEvent{Kind: events.StateChanged, State: s.String()})
}

func (c *Coordinator) publish(ev events.LifecycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.lifecycle.Publish(ev)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
