package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/schema/schematest"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

// openTestDB opens a database with the Blog/Post/Comment registry set up.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.SetUpRegistry(context.Background(), schematest.Registry()); err != nil {
		t.Fatalf("SetUpRegistry() failed: %v", err)
	}
	return db
}

func blog(id, name string) *record.Record {
	return record.New().Set("id", record.String(id)).Set("name", record.String(name))
}

func post(id, blogID, title string) *record.Record {
	return record.New().
		Set("id", record.String(id)).
		Set("blogID", record.String(blogID)).
		Set("title", record.String(title))
}

func key(id string) []record.Value {
	return []record.Value{record.String(id)}
}

func nextMutation(t *testing.T, ch <-chan events.MutationEvent) events.MutationEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mutation event")
	}
	return events.MutationEvent{}
}

// TestOpen_Success tests successful database creation
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	var fk int
	if err := db.RawDB().QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("failed to read foreign_keys pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

// TestSetUp_DependencyOrder checks tables are created parents first
func TestSetUp_DependencyOrder(t *testing.T) {
	db, err := Open(testDBPath(t), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	order, err := db.SetUp(context.Background(), []*schema.EntitySchema{
		schematest.Comment(), schematest.Post(), schematest.Blog(),
	})
	if err != nil {
		t.Fatalf("SetUp() failed: %v", err)
	}
	want := []string{"Blog", "Post", "Comment"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("SetUp() order = %v, want %v", order, want)
	}

	rows, err := db.RawDB().Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('Blog', 'Post', 'Comment') ORDER BY rowid`)
	if err != nil {
		t.Fatalf("failed to list tables: %v", err)
	}
	defer rows.Close()
	var created []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		created = append(created, name)
	}
	if !reflect.DeepEqual(created, want) {
		t.Errorf("table creation order = %v, want %v", created, want)
	}
}

// TestSetUp_Idempotent tests that SetUp can run twice without losing data
func TestSetUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := db.SetUpRegistry(ctx, schematest.Registry()); err != nil {
		t.Fatalf("second SetUpRegistry() failed: %v", err)
	}
	if n, _ := db.Count(ctx, "Blog"); n != 1 {
		t.Errorf("Count(Blog) = %d after second SetUp, want 1", n)
	}
}

func TestSetUp_Cycle(t *testing.T) {
	db, err := Open(testDBPath(t), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	node := &schema.EntitySchema{
		Name:        "Node",
		Fields:      []schema.Field{{Name: "id", Type: schema.TypeString}, {Name: "parentID", Type: schema.TypeString}},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []schema.ForeignKey{{Field: "parentID", Target: "Node"}},
	}
	_, err = db.SetUp(context.Background(), []*schema.EntitySchema{node})
	if !syncerr.IsSchemaMismatch(err) {
		t.Errorf("expected schema mismatch, got %v", err)
	}
	if !errors.Is(err, schema.ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle in chain, got %v", err)
	}
}

func TestMutations_SlowSubscriberMissesNothing(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mutations := db.Mutations().Subscribe(ctx)

	const n = events.DefaultBuffer + 500
	for i := 0; i < n; i++ {
		if _, err := db.Save(ctx, "Blog", blog(fmt.Sprintf("b%05d", i), "Go")); err != nil {
			t.Fatalf("Save(%d) failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		ev := nextMutation(t, mutations)
		id, _ := ev.Record.Get("id")
		if s, _ := id.AsString(); s != fmt.Sprintf("b%05d", i) {
			t.Fatalf("event %d has id %q", i, s)
		}
	}
	if d := db.Mutations().Dropped(); d != 0 {
		t.Errorf("Dropped() = %d, want 0", d)
	}
}

func TestSave_CreateThenUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mutations := db.Mutations().Subscribe(ctx)

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	ev := nextMutation(t, mutations)
	if ev.Type != events.MutationCreated || ev.Origin != events.OriginLocalSave || ev.Entity != "Blog" {
		t.Errorf("first event = %+v", ev)
	}

	stored, err := db.Save(ctx, "Blog", blog("b1", "Rust").WithVersion(2), WithOrigin(events.OriginReconciliation))
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if stored.Version() != 2 {
		t.Errorf("stored version = %d, want 2", stored.Version())
	}
	ev = nextMutation(t, mutations)
	if ev.Type != events.MutationUpdated || ev.Origin != events.OriginReconciliation || ev.Version() != 2 {
		t.Errorf("second event = %+v", ev)
	}

	got, err := db.Get(ctx, "Blog", key("b1"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	name, _ := got.Get("name")
	if s, _ := name.AsString(); s != "Rust" {
		t.Errorf("name = %q, want Rust", s)
	}
	if n, _ := db.Count(ctx, "Blog"); n != 1 {
		t.Errorf("Count(Blog) = %d, want 1", n)
	}
}

// TestSave_ColumnTypes checks every scalar type survives a round trip
func TestSave_ColumnTypes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	published := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	changed := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save(Blog) failed: %v", err)
	}
	in := post("p1", "b1", "Hello").
		Set("published", record.Bool(true)).
		Set("publishedAt", record.Date(published)).
		Set("rating", record.Double(4.5)).
		Set("views", record.Int(42)).
		Set("status", record.Enum("PUBLISHED")).
		WithVersion(7)
	in.LastChangedAt = changed

	if _, err := db.Save(ctx, "Post", in); err != nil {
		t.Fatalf("Save(Post) failed: %v", err)
	}
	got, err := db.Get(ctx, "Post", key("p1"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Equal(in) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", got, in)
	}

	v, _ := got.Get("published")
	if v.Kind() != record.KindBool {
		t.Errorf("published decoded as %s, want bool", v.Kind())
	}
	v, _ = got.Get("publishedAt")
	if d, _ := v.AsDate(); !d.Equal(published) {
		t.Errorf("publishedAt = %v, want %v", d, published)
	}
}

func TestSave_NestedAndCollection(t *testing.T) {
	db, err := Open(testDBPath(t), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	reg := schema.MustNewRegistry("", schematest.Author(), schematest.Address(), schematest.Tag())
	if _, err := db.SetUpRegistry(ctx, reg); err != nil {
		t.Fatalf("SetUpRegistry() failed: %v", err)
	}

	in := record.New().
		Set("id", record.String("a1")).
		Set("address", record.Nested(record.New().Set("street", record.String("Main")).Set("city", record.String("Oslo")))).
		Set("tags", record.Collection([]*record.Record{record.New().Set("label", record.String("go"))}))
	if _, err := db.Save(ctx, "Author", in); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, err := db.Get(ctx, "Author", key("a1"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Equal(in) {
		t.Errorf("round trip mismatch:\n got %v\nwant %v", got, in)
	}
}

func TestSave_SchemaMismatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Save(ctx, "Blog", blog("b1", "Go").Set("color", record.String("red")))
	if !syncerr.IsSchemaMismatch(err) {
		t.Errorf("unknown field: expected schema mismatch, got %v", err)
	}

	_, err = db.Save(ctx, "Unknown", blog("b1", "Go"))
	if !syncerr.IsSchemaMismatch(err) {
		t.Errorf("unknown entity: expected schema mismatch, got %v", err)
	}

	_, err = db.Save(ctx, "Blog", record.New().Set("id", record.String("b2")))
	if !syncerr.IsSchemaMismatch(err) {
		t.Errorf("missing required field: expected schema mismatch, got %v", err)
	}
}

func TestSave_MissingParent(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Save(context.Background(), "Post", post("p1", "no-such-blog", "Orphan"))
	if !syncerr.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	var se *syncerr.StorageError
	if !errors.As(err, &se) || se.Entity != "Post" {
		t.Errorf("expected StorageError for Post, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	mutations := db.Mutations().Subscribe(ctx)

	if err := db.Delete(ctx, "Blog", key("b1"), WithOrigin(events.OriginReconciliation)); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	ev := nextMutation(t, mutations)
	if ev.Type != events.MutationDeleted || !ev.Record.Deleted {
		t.Errorf("delete event = %+v", ev)
	}

	if _, err := db.Get(ctx, "Blog", key("b1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete: expected ErrNotFound, got %v", err)
	}

	// Deleting a missing row is a no-op
	if err := db.Delete(ctx, "Blog", key("b1")); err != nil {
		t.Errorf("second Delete() failed: %v", err)
	}
}

func TestDelete_CascadesToChildren(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save(Blog) failed: %v", err)
	}
	if _, err := db.Save(ctx, "Post", post("p1", "b1", "Hello")); err != nil {
		t.Fatalf("Save(Post) failed: %v", err)
	}
	if err := db.Delete(ctx, "Blog", key("b1")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n, _ := db.Count(ctx, "Post"); n != 0 {
		t.Errorf("Count(Post) = %d after deleting parent, want 0", n)
	}
}

func TestQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if _, err := db.Save(ctx, "Blog", blog("b2", "Rust")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, changed := range []time.Time{old, recent} {
		p := post([]string{"p1", "p2"}[i], "b1", "T")
		p.LastChangedAt = changed
		if _, err := db.Save(ctx, "Post", p); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	all, err := db.Query(ctx, "Blog", nil)
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Query(nil) returned %d rows, want 2", len(all))
	}

	rust, err := db.Query(ctx, "Blog", &Predicate{Equals: map[string]record.Value{"name": record.String("Rust")}})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(rust) != 1 {
		t.Fatalf("Query(name=Rust) returned %d rows, want 1", len(rust))
	}

	since, err := db.Query(ctx, "Post", &Predicate{ChangedSince: recent.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(since) != 1 {
		t.Fatalf("Query(ChangedSince) returned %d rows, want 1", len(since))
	}
	id, _ := since[0].Get("id")
	if s, _ := id.AsString(); s != "p2" {
		t.Errorf("ChangedSince returned %q, want p2", s)
	}

	_, err = db.Query(ctx, "Blog", &Predicate{Equals: map[string]record.Value{"color": record.String("x")}})
	if !syncerr.IsSchemaMismatch(err) {
		t.Errorf("unknown predicate field: expected schema mismatch, got %v", err)
	}
}

func TestSyncMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m, err := db.GetSyncMetadata(ctx, "Post")
	if err != nil {
		t.Fatalf("GetSyncMetadata() failed: %v", err)
	}
	if m.Entity != "Post" || m.IsFullySynced || m.Cursor != nil {
		t.Errorf("fresh metadata = %+v", m)
	}

	cursor := "page-3"
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m.Cursor = &cursor
	m.IsFullySynced = true
	m.LastFullSyncAt = &now
	m.LastSyncAt = &now
	if err := db.SaveSyncMetadata(ctx, m); err != nil {
		t.Fatalf("SaveSyncMetadata() failed: %v", err)
	}

	got, err := db.GetSyncMetadata(ctx, "Post")
	if err != nil {
		t.Fatalf("GetSyncMetadata() failed: %v", err)
	}
	if got.Cursor == nil || *got.Cursor != cursor || !got.IsFullySynced || !got.LastFullSyncAt.Equal(now) {
		t.Errorf("stored metadata = %+v", got)
	}

	if err := db.InvalidateSyncMetadata(ctx); err != nil {
		t.Fatalf("InvalidateSyncMetadata() failed: %v", err)
	}
	list, err := db.ListSyncMetadata(ctx)
	if err != nil {
		t.Fatalf("ListSyncMetadata() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSyncMetadata() returned %d rows", len(list))
	}
	if list[0].IsFullySynced || list[0].Cursor != nil || list[0].LastFullSyncAt != nil {
		t.Errorf("invalidated metadata = %+v", list[0])
	}
	if list[0].LastSyncAt == nil {
		t.Error("invalidation should keep lastSyncAt")
	}
}

func TestClear(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := db.SaveSyncMetadata(ctx, &SyncMetadata{Entity: "Blog", IsFullySynced: true}); err != nil {
		t.Fatalf("SaveSyncMetadata() failed: %v", err)
	}

	if err := db.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}

	if n, err := db.Count(ctx, "Blog"); err != nil || n != 0 {
		t.Errorf("Count(Blog) = %d, %v after Clear", n, err)
	}
	list, err := db.ListSyncMetadata(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("ListSyncMetadata() = %v, %v after Clear", list, err)
	}
	if v, _ := db.SchemaVersion(ctx); v != "v1.0.0" {
		t.Errorf("SchemaVersion() = %q after Clear, want v1.0.0", v)
	}
	if _, err := db.Save(ctx, "Blog", blog("b2", "Zig")); err != nil {
		t.Errorf("Save() after Clear failed: %v", err)
	}
}

func TestSetUpRegistry_VersionChangeClears(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := db.SetUpRegistry(ctx, schematest.RegistryWithVersion("1.0.0")); err != nil {
		t.Fatalf("SetUpRegistry() failed: %v", err)
	}
	if _, err := db.Save(ctx, "Blog", blog("b1", "Go")); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	db.Close()

	db, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	if _, err := db.SetUpRegistry(ctx, schematest.RegistryWithVersion("1.0.0")); err != nil {
		t.Fatalf("SetUpRegistry() same version failed: %v", err)
	}
	if n, _ := db.Count(ctx, "Blog"); n != 1 {
		t.Fatalf("same version should keep data, Count(Blog) = %d", n)
	}

	if _, err := db.SetUpRegistry(ctx, schematest.RegistryWithVersion("1.1.0")); err != nil {
		t.Fatalf("SetUpRegistry() new version failed: %v", err)
	}
	if n, _ := db.Count(ctx, "Blog"); n != 0 {
		t.Errorf("version change should clear data, Count(Blog) = %d", n)
	}
	if v, _ := db.SchemaVersion(ctx); v != "v1.1.0" {
		t.Errorf("SchemaVersion() = %q, want v1.1.0", v)
	}
}
