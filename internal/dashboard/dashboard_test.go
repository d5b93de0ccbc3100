package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/steveyegge/offsync/internal/coordinator"
	"github.com/steveyegge/offsync/internal/db"
	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
)

type fakeStatus struct {
	status *coordinator.Status
	err    error
}

func (f fakeStatus) Status(context.Context) (*coordinator.Status, error) {
	return f.status, f.err
}

func startServer(t *testing.T, status StatusProvider) *Server {
	t.Helper()
	server := NewServer(&Config{
		Addr:   "127.0.0.1:0",
		Logger: zaptest.NewLogger(t),
		Status: status,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, read(t, ctx, conn)
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: zaptest.NewLogger(t)})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Server address not resolved: %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeCarriesStatus(t *testing.T) {
	cursor := "3"
	server := startServer(t, fakeStatus{status: &coordinator.Status{
		State:    coordinator.StateSubscriptionActive,
		Entities: []*db.SyncMetadata{{Entity: "Blog", Cursor: &cursor, IsFullySynced: true}},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, welcome := dial(t, ctx, server)
	if welcome.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStatus, welcome.Type)
	}

	var st StatusData
	if err := json.Unmarshal(welcome.Data, &st); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if st.State != "subscriptionActive" {
		t.Errorf("Expected state subscriptionActive, got %s", st.State)
	}
	if len(st.Entities) != 1 || st.Entities[0].Entity != "Blog" || !st.Entities[0].IsFullySynced {
		t.Errorf("Unexpected entities: %+v", st.Entities)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dial(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Client still registered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerMutationEvents(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	rec := record.New().Set("id", record.String("b1")).Set("name", record.String("Blog")).WithVersion(4)
	handler.OnMutation(events.MutationEvent{
		Entity: "Blog",
		Record: rec,
		Type:   events.MutationUpdated,
		Origin: events.OriginReconciliation,
		At:     time.Now(),
	})

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeMutation {
		t.Fatalf("Expected message type %s, got %s", MessageTypeMutation, msg.Type)
	}

	var data struct {
		Entity  string         `json:"entity"`
		Action  string         `json:"action"`
		Origin  string         `json:"origin"`
		Version int64          `json:"version"`
		Record  map[string]any `json:"record"`
	}
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal mutation data: %v", err)
	}
	if data.Entity != "Blog" || data.Action != "updated" || data.Origin != "reconciliation" || data.Version != 4 {
		t.Errorf("Mutation data mismatch: %+v", data)
	}
	if data.Record["id"] != "b1" {
		t.Errorf("Expected record id b1, got %v", data.Record["id"])
	}

	stats := handler.GetStats()
	if stats.Mutations["updated"] != 1 || stats.ByEntity["Blog"] != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestHandlerLifecycleEvents(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	handler.OnLifecycle(events.LifecycleEvent{
		Kind:   events.ModelSynced,
		Entity: "Post",
		Stats:  &events.ModelSyncedStats{IsFullSync: true, Added: 30},
	})

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeLifecycle {
		t.Fatalf("Expected message type %s, got %s", MessageTypeLifecycle, msg.Type)
	}
	var data LifecycleData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal lifecycle data: %v", err)
	}
	if data.Kind != "modelSynced" || data.Entity != "Post" || data.Stats == nil || data.Stats.Added != 30 {
		t.Errorf("Lifecycle data mismatch: %+v", data)
	}

	// modelSynced is followed by a stats message
	msg = read(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected message type %s, got %s", MessageTypeStats, msg.Type)
	}
}

func TestHandlerSyncErrorCarriesMessage(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	handler.OnLifecycle(events.LifecycleEvent{Kind: events.SyncError, Entity: "Comment", Err: errors.New("boom")})

	var data LifecycleData
	if err := json.Unmarshal(read(t, ctx, conn).Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal lifecycle data: %v", err)
	}
	if data.Error != "boom" {
		t.Errorf("Expected error boom, got %q", data.Error)
	}
	if got := handler.GetStats().SyncErrors; got != 1 {
		t.Errorf("Expected 1 sync error, got %d", got)
	}
}

func TestHandlerRunForwardsFeeds(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, zaptest.NewLogger(t))

	lifecycle := events.NewFeed[events.LifecycleEvent](16)
	mutations := events.NewFeed[events.MutationEvent](16)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	done := make(chan struct{})
	go func() {
		handler.Run(ctx, lifecycle, mutations)
		close(done)
	}()

	// Wait for Run to subscribe before publishing.
	for lifecycle.Subscribers() == 0 || mutations.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	lifecycle.Publish(events.LifecycleEvent{Kind: events.Ready})
	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeLifecycle {
		t.Fatalf("Expected message type %s, got %s", MessageTypeLifecycle, msg.Type)
	}

	lifecycle.Close()
	mutations.Close()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Run did not return after feeds closed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&Config{Logger: zaptest.NewLogger(t)})
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		provider StatusProvider
		want     int
	}{
		{"no provider", nil, http.StatusServiceUnavailable},
		{"provider error", fakeStatus{err: errors.New("db closed")}, http.StatusInternalServerError},
		{"ok", fakeStatus{status: &coordinator.Status{State: coordinator.StateIdle}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(&Config{Logger: zaptest.NewLogger(t), Status: tt.provider})
			ts := httptest.NewServer(server.Routes())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/status")
			if err != nil {
				t.Fatalf("GET /status: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}
