// Package loadtest drives concurrent remote writers through the
// reconciliation queue while local readers query the same store.
//
// It measures how long each incoming record takes from Enqueue to its
// completion callback and how long local queries take under that write
// load. After a run, the store is checked against the newest version
// issued for every key.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/reconcile"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
)

// Entity is the type name of the records written by the harness.
const Entity = "LoadItem"

// Config describes one load run.
type Config struct {
	// Writers is the number of goroutines enqueueing remote records.
	Writers int `json:"writers"`
	// RecordsPerWriter is how many records each writer enqueues.
	RecordsPerWriter int `json:"records_per_writer"`
	// Keys bounds the key space; smaller values mean more overwrites and
	// more stale discards.
	Keys int `json:"keys"`
	// Readers is the number of goroutines querying the store during the run.
	Readers   int   `json:"readers"`
	QueueSize int   `json:"queue_size"`
	Seed      int64 `json:"seed"`
}

// DefaultConfig returns a small run suitable for a laptop.
func DefaultConfig() Config {
	return Config{
		Writers:          8,
		RecordsPerWriter: 250,
		Keys:             500,
		Readers:          4,
		QueueSize:        reconcile.DefaultQueueSize,
		Seed:             42,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Writers <= 0:
		return fmt.Errorf("writers must be positive, got %d", c.Writers)
	case c.RecordsPerWriter <= 0:
		return fmt.Errorf("records per writer must be positive, got %d", c.RecordsPerWriter)
	case c.Keys <= 0:
		return fmt.Errorf("keys must be positive, got %d", c.Keys)
	case c.Readers < 0:
		return fmt.Errorf("readers must not be negative, got %d", c.Readers)
	}
	return nil
}

// LatencyStats summarizes a set of timed operations.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
	// Errors counts operations that failed. Stale discards are not errors.
	Errors int `json:"errors"`
}

// Result is the outcome of Run.
type Result struct {
	Config     Config          `json:"config"`
	Apply      LatencyStats    `json:"apply"`
	Query      LatencyStats    `json:"query"`
	Outcomes   reconcile.Stats `json:"outcomes"`
	Elapsed    time.Duration   `json:"elapsed"`
	Throughput float64         `json:"records_per_second"`
	// Mismatches counts keys whose stored version is not the newest issued.
	Mismatches int `json:"mismatches"`
	Rows       int `json:"rows"`
}

// Schema returns the entity schema the harness writes.
func Schema() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: Entity,
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "writer", Type: schema.TypeInt},
			{Name: "payload", Type: schema.TypeString},
		},
		PrimaryKey: []string{"id"},
		Syncable:   true,
	}
}

// Harness owns a store set up for load runs.
type Harness struct {
	DB     *db.DB
	logger *zap.Logger
}

// NewHarness opens (or creates) the store at path and sets up the load schema.
//
// The caller MUST call Close() when done.
func NewHarness(ctx context.Context, path string, logger *zap.Logger) (*Harness, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := db.Open(path, &db.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	if _, err := store.SetUp(ctx, []*schema.EntitySchema{Schema()}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to set up load schema: %w", err)
	}
	return &Harness{DB: store, logger: logger.Named("loadtest")}, nil
}

// Close closes the store.
func (h *Harness) Close() error {
	return h.DB.Close()
}

// Run executes one load run and verifies the store afterwards.
func (h *Harness) Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queue := reconcile.New(h.DB, reconcile.Options{Logger: h.logger, QueueSize: cfg.QueueSize})

	var (
		version atomic.Int64
		issued  = newVersionLog()
		apply   = newSampler(cfg.Writers * cfg.RecordsPerWriter)
		query   = newSampler(0)
		done    sync.WaitGroup
	)

	start := time.Now()
	writersDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	var writers errgroup.Group
	for w := 0; w < cfg.Writers; w++ {
		writers.Go(func() error {
			rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
			for i := 0; i < cfg.RecordsPerWriter; i++ {
				id := fmt.Sprintf("item-%05d", rng.Intn(cfg.Keys))
				v := version.Add(1)
				rec := record.New().
					Set("id", record.String(id)).
					Set("writer", record.Int(int64(w))).
					Set("payload", record.String(fmt.Sprintf("w%d-%d", w, i))).
					WithVersion(v)
				rec.LastChangedAt = time.Now().UTC()
				issued.observe(id, v)

				enqueued := time.Now()
				done.Add(1)
				err := queue.Enqueue(gctx, reconcile.Task{
					Entity: Entity,
					Record: rec,
					Source: reconcile.SourceSubscription,
					Done: func(o reconcile.Outcome, err error) {
						defer done.Done()
						apply.add(time.Since(enqueued), o == reconcile.OutcomeDropped)
					},
				})
				if err != nil {
					done.Done()
					return fmt.Errorf("writer %d: %w", w, err)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(writersDone)
		return writers.Wait()
	})

	for r := 0; r < cfg.Readers; r++ {
		g.Go(func() error {
			for {
				select {
				case <-writersDone:
					return nil
				case <-gctx.Done():
					return nil
				default:
				}
				began := time.Now()
				recs, err := h.DB.Query(gctx, Entity, &db.Predicate{Limit: 50})
				query.add(time.Since(began), err != nil)
				if err != nil && gctx.Err() == nil {
					h.logger.Warn("query failed", zap.Int("reader", r), zap.Error(err))
					continue
				}
				for _, rec := range recs {
					if !rec.HasVersion() {
						return fmt.Errorf("reader %d saw %s without a version", r, Entity)
					}
				}
			}
		})
	}

	err := g.Wait()
	done.Wait()
	if stopErr := queue.Stop(ctx); err == nil {
		err = stopErr
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	res := &Result{
		Config:   cfg,
		Apply:    apply.stats(),
		Query:    query.stats(),
		Outcomes: queue.Stats(Entity),
		Elapsed:  elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.Throughput = float64(res.Apply.Count) / secs
	}
	if res.Mismatches, err = h.verify(ctx, issued); err != nil {
		return nil, err
	}
	if res.Rows, err = h.DB.Count(ctx, Entity); err != nil {
		return nil, err
	}
	return res, nil
}

// verify counts keys whose stored version differs from the newest issued.
func (h *Harness) verify(ctx context.Context, issued *versionLog) (int, error) {
	mismatches := 0
	for id, want := range issued.snapshot() {
		rec, err := h.DB.Get(ctx, Entity, []record.Value{record.String(id)})
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", id, err)
		}
		if rec.Version() != want {
			h.logger.Warn("stored version is not the newest",
				zap.String("id", id), zap.Int64("stored", rec.Version()), zap.Int64("newest", want))
			mismatches++
		}
	}
	return mismatches, nil
}

type versionLog struct {
	mu     sync.Mutex
	newest map[string]int64
}

func newVersionLog() *versionLog {
	return &versionLog{newest: make(map[string]int64)}
}

func (l *versionLog) observe(id string, v int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v > l.newest[id] {
		l.newest[id] = v
	}
}

func (l *versionLog) snapshot() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.newest))
	for k, v := range l.newest {
		out[k] = v
	}
	return out
}

type sampler struct {
	mu        sync.Mutex
	durations []time.Duration
	errors    int
}

func newSampler(capacity int) *sampler {
	return &sampler{durations: make([]time.Duration, 0, capacity)}
}

func (s *sampler) add(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations = append(s.durations, d)
	if failed {
		s.errors++
	}
}

func (s *sampler) stats() LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := computeLatencyStats(s.durations)
	stats.Errors = s.errors
	return stats
}

func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}
