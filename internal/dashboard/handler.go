package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/coordinator"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
)

// LifecycleData is the payload of a lifecycle message
type LifecycleData struct {
	Kind     string                   `json:"kind"`
	Entity   string                   `json:"entity,omitempty"`
	Entities []string                 `json:"entities,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Stats    *events.ModelSyncedStats `json:"stats,omitempty"`
	State    string                   `json:"state,omitempty"`
}

// MutationData is the payload of a mutation message
type MutationData struct {
	Entity  string         `json:"entity"`
	Action  string         `json:"action"` // created, updated, deleted
	Origin  string         `json:"origin"`
	Version int64          `json:"version,omitempty"`
	Record  *record.Record `json:"record,omitempty"`
}

// EntityStatus is one entity type's sync metadata
type EntityStatus struct {
	Entity         string     `json:"entity"`
	Cursor         *string    `json:"cursor,omitempty"`
	LastFullSyncAt *time.Time `json:"last_full_sync_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	IsFullySynced  bool       `json:"is_fully_synced"`
}

// StatusData is the payload of a status message and of /status
type StatusData struct {
	State    string         `json:"state"`
	Entities []EntityStatus `json:"entities"`
}

// NewStatusData converts a coordinator status snapshot.
func NewStatusData(st *coordinator.Status) StatusData {
	out := StatusData{State: st.State.String(), Entities: make([]EntityStatus, 0, len(st.Entities))}
	for _, md := range st.Entities {
		out.Entities = append(out.Entities, EntityStatus{
			Entity:         md.Entity,
			Cursor:         md.Cursor,
			LastFullSyncAt: md.LastFullSyncAt,
			LastSyncAt:     md.LastSyncAt,
			IsFullySynced:  md.IsFullySynced,
		})
	}
	return out
}

// StatsData contains running counters since the handler started
type StatsData struct {
	Mutations  map[string]int `json:"mutations"`
	ByEntity   map[string]int `json:"by_entity"`
	Received   int            `json:"received"`
	Dropped    int            `json:"dropped"`
	SyncErrors int            `json:"sync_errors"`
}

// Handler turns lifecycle and mutation feeds into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		server: server,
		logger: logger.Named("dashboard"),
		stats: StatsData{
			Mutations: make(map[string]int),
			ByEntity:  make(map[string]int),
		},
	}
}

// Run forwards events until ctx ends or both feeds close.
func (h *Handler) Run(ctx context.Context, lifecycle *events.Lifecycle, mutations *events.Mutations) {
	lc := lifecycle.Subscribe(ctx)
	mc := mutations.Subscribe(ctx)
	for lc != nil || mc != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-lc:
			if !ok {
				lc = nil
				continue
			}
			h.OnLifecycle(ev)
		case ev, ok := <-mc:
			if !ok {
				mc = nil
				continue
			}
			h.OnMutation(ev)
		}
	}
}

// OnLifecycle handles one lifecycle event
func (h *Handler) OnLifecycle(ev events.LifecycleEvent) {
	data := LifecycleData{
		Kind:     string(ev.Kind),
		Entity:   ev.Entity,
		Entities: ev.Entities,
		Stats:    ev.Stats,
		State:    ev.State,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	h.mu.Lock()
	switch ev.Kind {
	case events.SyncReceived:
		h.stats.Received++
	case events.MutationDropped:
		h.stats.Dropped++
	case events.SyncError:
		h.stats.SyncErrors++
	}
	h.mu.Unlock()

	h.send(MessageTypeLifecycle, data, ev.At)

	switch ev.Kind {
	case events.ModelSynced, events.SyncQueriesReady, events.MutationDropped, events.SyncError:
		h.broadcastStats()
	}
}

// OnMutation handles one local store mutation
func (h *Handler) OnMutation(ev events.MutationEvent) {
	h.logger.Debug("mutation",
		zap.String("entity", ev.Entity), zap.String("type", string(ev.Type)), zap.String("origin", string(ev.Origin)))

	h.mu.Lock()
	h.stats.Mutations[string(ev.Type)]++
	h.stats.ByEntity[ev.Entity]++
	h.mu.Unlock()

	data := MutationData{
		Entity: ev.Entity,
		Action: string(ev.Type),
		Origin: string(ev.Origin),
		Record: ev.Record,
	}
	if ev.Record != nil {
		data.Version = ev.Record.Version()
	}
	h.send(MessageTypeMutation, data, ev.At)
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.Mutations = make(map[string]int, len(h.stats.Mutations))
	for k, v := range h.stats.Mutations {
		out.Mutations[k] = v
	}
	out.ByEntity = make(map[string]int, len(h.stats.ByEntity))
	for k, v := range h.stats.ByEntity {
		out.ByEntity[k] = v
	}
	return out
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.send(MessageTypeStats, h.GetStats(), time.Time{})
}

func (h *Handler) send(typ MessageType, data any, at time.Time) {
	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.Error("failed to marshal message data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if !at.IsZero() {
		msg.Timestamp = at
	}
	h.server.Broadcast(msg)
}

func newMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now().UTC(), Data: raw}, nil
}
