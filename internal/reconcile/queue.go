// Package reconcile applies incoming remote records to the local store.
//
// Each entity type has its own worker goroutine fed by a bounded channel, so
// records of one type are applied strictly in arrival order while different
// types proceed in parallel. Every record goes through the same conflict
// rule:
//
//	no local row                       -> apply
//	local edit pending outbound        -> hold (handed to PendingChecker)
//	local version >= incoming version  -> discard as stale
//	otherwise                          -> apply (tombstones delete)
//
// A record that cannot be written is logged and dropped; the worker moves on.
package reconcile

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("reconciliation queue stopped")

// DefaultQueueSize is the per-type channel capacity.
const DefaultQueueSize = 256

// Source tells where a task came from.
type Source string

const (
	SourceInitialSync  Source = "initialSync"
	SourceSubscription Source = "subscription"
)

// Outcome is the result of reconciling one record.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeUpdated
	OutcomeDeleted
	OutcomeStale
	OutcomeHeld
	OutcomeDropped
)

var outcomeNames = map[Outcome]string{
	OutcomeCreated: "created",
	OutcomeUpdated: "updated",
	OutcomeDeleted: "deleted",
	OutcomeStale:   "stale",
	OutcomeHeld:    "held",
	OutcomeDropped: "dropped",
}

func (o Outcome) String() string { return outcomeNames[o] }

// Task asks the queue to reconcile one incoming record.
type Task struct {
	Entity string
	Record *record.Record
	Source Source
	// Done, when set, is called from the worker once the task is finished.
	Done func(Outcome, error)
}

// Store is the part of the storage adapter the queue writes through.
type Store interface {
	Lookup(entity string) (*schema.EntitySchema, bool)
	Get(ctx context.Context, entity string, key []record.Value) (*record.Record, error)
	Save(ctx context.Context, entity string, rec *record.Record, opts ...db.WriteOption) (*record.Record, error)
	Delete(ctx context.Context, entity string, key []record.Value, opts ...db.WriteOption) error
}

// PendingChecker connects the queue to the outbound mutation queue.
type PendingChecker interface {
	// HasPending reports whether a local edit of the record is waiting to be sent.
	HasPending(ctx context.Context, entity, key string) (bool, error)
	// Hold receives remote records that were not applied because of a
	// pending local edit.
	Hold(ctx context.Context, task Task)
}

// Options configures a Queue.
type Options struct {
	Logger    *zap.Logger
	Pending   PendingChecker
	Lifecycle *events.Lifecycle
	QueueSize int
}

// Queue routes tasks to per-entity-type workers.
type Queue struct {
	store     Store
	pending   PendingChecker
	lifecycle *events.Lifecycle
	logger    *zap.Logger
	size      int

	// ctx is used for storage calls; Stop drains with it intact.
	ctx context.Context

	mu      sync.Mutex
	workers map[string]*worker
	stopped bool
	sending sync.WaitGroup
	running sync.WaitGroup
}

type worker struct {
	entity string
	tasks  chan Task

	mu    sync.Mutex
	stats Stats
}

// New creates a queue writing to store.
func New(store Store, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		store:     store,
		pending:   opts.Pending,
		lifecycle: opts.Lifecycle,
		logger:    logger.Named("reconcile"),
		size:      size,
		ctx:       context.Background(),
		workers:   make(map[string]*worker),
	}
}

// Enqueue hands task to the worker for its entity type. It blocks only while
// that worker's channel is full, and returns ctx.Err() if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	w, ok := q.workers[task.Entity]
	if !ok {
		w = &worker{entity: task.Entity, tasks: make(chan Task, q.size)}
		q.workers[task.Entity] = w
		q.running.Add(1)
		go q.run(w)
	}
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	select {
	case w.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, lets workers finish everything already enqueued
// and waits for them, or for ctx to end.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return q.wait(ctx)
	}
	q.stopped = true
	q.mu.Unlock()

	q.sending.Wait()

	q.mu.Lock()
	for _, w := range q.workers {
		close(w.tasks)
	}
	q.mu.Unlock()

	return q.wait(ctx)
}

func (q *Queue) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(w *worker) {
	defer q.running.Done()
	for task := range w.tasks {
		outcome, err := q.process(task)
		w.record(outcome)
		if task.Done != nil {
			task.Done(outcome, err)
		}
	}
}

// Stats returns the counters for entity.
func (q *Queue) Stats(entity string) Stats {
	q.mu.Lock()
	w, ok := q.workers[entity]
	q.mu.Unlock()
	if !ok {
		return Stats{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Stats counts reconciliation outcomes for one entity type.
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Stale   int `json:"stale"`
	Held    int `json:"held"`
	Dropped int `json:"dropped"`
}

func (w *worker) record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch o {
	case OutcomeCreated:
		w.stats.Created++
	case OutcomeUpdated:
		w.stats.Updated++
	case OutcomeDeleted:
		w.stats.Deleted++
	case OutcomeStale:
		w.stats.Stale++
	case OutcomeHeld:
		w.stats.Held++
	case OutcomeDropped:
		w.stats.Dropped++
	}
}
