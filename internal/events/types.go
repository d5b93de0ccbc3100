package events

import (
	"time"

	"github.com/steveyegge/offsync/internal/record"
)

// MutationType is the kind of change applied to the local store.
type MutationType string

const (
	MutationCreated MutationType = "created"
	MutationUpdated MutationType = "updated"
	MutationDeleted MutationType = "deleted"
)

// Origin tells local edits apart from writes made by reconciliation.
type Origin string

const (
	OriginLocalSave      Origin = "localSave"
	OriginReconciliation Origin = "reconciliation"
)

// MutationEvent is published after every successful write to the local store.
type MutationEvent struct {
	Entity string
	Record *record.Record
	Type   MutationType
	Origin Origin
	At     time.Time
}

// Version returns the sync version of the written record.
func (e MutationEvent) Version() int64 {
	return e.Record.Version()
}

// LifecycleKind names a lifecycle event.
type LifecycleKind string

const (
	SyncQueriesStarted       LifecycleKind = "syncQueriesStarted"
	ModelSynced              LifecycleKind = "modelSynced"
	SyncQueriesReady         LifecycleKind = "syncQueriesReady"
	SubscriptionsEstablished LifecycleKind = "subscriptionsEstablished"
	SyncError                LifecycleKind = "syncError"
	SyncReceived             LifecycleKind = "syncReceived"
	MutationDropped          LifecycleKind = "mutationDropped"
	Ready                    LifecycleKind = "ready"
	StateChanged             LifecycleKind = "stateChanged"
	Cleared                  LifecycleKind = "cleared"
)

// ModelSyncedStats summarizes one entity type's initial sync.
type ModelSyncedStats struct {
	IsFullSync  bool `json:"isFullSync"`
	IsDeltaSync bool `json:"isDeltaSync"`
	Added       int  `json:"added"`
	Updated     int  `json:"updated"`
	Deleted     int  `json:"deleted"`
}

// LifecycleEvent reports progress of the sync engine. Which fields are set
// depends on Kind.
type LifecycleEvent struct {
	Kind     LifecycleKind
	Entity   string
	Entities []string
	Err      error
	Stats    *ModelSyncedStats
	Mutation *MutationEvent
	State    string
	At       time.Time
}

// Lifecycle is the feed type shared by the sync components.
type Lifecycle = Feed[LifecycleEvent]

// Mutations is the feed type of the storage adapter.
type Mutations = Feed[MutationEvent]
