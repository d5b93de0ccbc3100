// Package initialsync pulls every syncable entity type from the remote
// before live subscriptions start.
//
// Types are synced in dependency order. When any type references another,
// types run one at a time so parents are fully applied before children;
// otherwise up to Config.MaxConcurrency types run in parallel.
package initialsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/reconcile"
	"github.com/steveyegge/offsync/internal/remote"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// Config controls paging and scheduling of the initial sync.
type Config struct {
	// MaxConcurrency bounds how many independent types sync at once.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// PageSize is the limit requested per page.
	PageSize int `mapstructure:"page_size"`
	// MaxRecords caps the records fetched per type per run; 0 means no cap.
	MaxRecords int `mapstructure:"max_records"`
	// FullSyncInterval is how long a full sync stays fresh. After that the
	// next run restarts from an empty cursor instead of the stored one.
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
}

// DefaultConfig returns the default initial sync settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   4,
		PageSize:         1000,
		MaxRecords:       10000,
		FullSyncInterval: 24 * time.Hour,
	}
}

// MetadataStore persists per-type sync progress.
type MetadataStore interface {
	GetSyncMetadata(ctx context.Context, entity string) (*db.SyncMetadata, error)
	SaveSyncMetadata(ctx context.Context, m *db.SyncMetadata) error
}

// Enqueuer accepts reconciliation tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task reconcile.Task) error
}

// Options configures an Orchestrator.
type Options struct {
	Config    Config
	Logger    *zap.Logger
	Lifecycle *events.Lifecycle
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Orchestrator runs initial sync passes.
type Orchestrator struct {
	client    remote.Client
	queue     Enqueuer
	meta      MetadataStore
	cfg       Config
	logger    *zap.Logger
	lifecycle *events.Lifecycle
	now       func() time.Time

	mu       sync.Mutex
	eligible []string
}

// New creates an orchestrator fetching from client and applying through queue.
func New(client remote.Client, queue Enqueuer, meta MetadataStore, opts Options) *Orchestrator {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = def.FullSyncInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		client:    client,
		queue:     queue,
		meta:      meta,
		cfg:       cfg,
		logger:    logger.Named("initialsync"),
		lifecycle: opts.Lifecycle,
		now:       now,
	}
}

// Concurrency returns how many of schemas may sync at the same time.
func (o *Orchestrator) Concurrency(schemas []*schema.EntitySchema) int {
	if len(schemas) == 0 {
		return 1
	}
	if schema.HasForeignKeys(schemas) {
		return 1
	}
	return min(o.cfg.MaxConcurrency, len(schemas))
}

// Sync runs one pass over the syncable schemas. Failures of individual
// types do not stop the others; they are returned together as an
// *syncerr.AggregateError. Unauthorized types are reported through
// lifecycle events only, so a pass where every failure was unauthorized
// returns nil.
func (o *Orchestrator) Sync(ctx context.Context, schemas []*schema.EntitySchema) error {
	var syncable []*schema.EntitySchema
	for _, s := range schemas {
		if s.Syncable {
			syncable = append(syncable, s)
		}
	}
	sorted, err := schema.SortByDependencyOrder(syncable)
	if err != nil {
		return err
	}
	names := schema.Names(sorted)

	o.publish(events.LifecycleEvent{Kind: events.SyncQueriesStarted, Entities: names})
	limit := o.Concurrency(sorted)
	o.logger.Info("initial sync started", zap.Strings("entities", names), zap.Int("concurrency", limit))

	var (
		mu       sync.Mutex
		failures = make(map[string]*syncerr.SyncError)
		synced   = make(map[string]bool)
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, s := range sorted {
		g.Go(func() error {
			err := o.syncEntity(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[s.Name] = syncerr.AsSyncError(s.Name, err)
				return nil
			}
			synced[s.Name] = true
			return nil
		})
	}
	_ = g.Wait()

	var eligible []string
	agg := &syncerr.AggregateError{}
	for _, name := range names {
		if synced[name] {
			eligible = append(eligible, name)
		}
		se, failed := failures[name]
		if !failed {
			continue
		}
		if syncerr.IsUnauthorized(se) {
			o.logger.Warn("entity type not authorized, skipping", zap.String("entity", name), zap.Error(se))
			continue
		}
		agg.Errors = append(agg.Errors, se)
	}

	o.mu.Lock()
	o.eligible = eligible
	o.mu.Unlock()

	o.publish(events.LifecycleEvent{Kind: events.SyncQueriesReady, Entities: eligible})
	o.logger.Info("initial sync finished",
		zap.Strings("synced", eligible), zap.Int("failed", len(failures)))

	if len(agg.Errors) > 0 {
		return agg
	}
	return nil
}

// Eligible returns the types that completed in the most recent Sync.
func (o *Orchestrator) Eligible() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.eligible...)
}

func (o *Orchestrator) publish(ev events.LifecycleEvent) {
	if o.lifecycle == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	o.lifecycle.Publish(ev)
}
