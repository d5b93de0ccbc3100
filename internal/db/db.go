// Package db is the storage adapter: an embedded SQLite database holding one
// table per entity type plus the sync bookkeeping tables.
//
// Architecture:
//   - WAL mode: concurrent readers while one writer commits
//   - One table per entity type, created in foreign-key dependency order
//   - sync_metadata: per-type cursor and fully-synced flag
//   - schema_version: the registry version the tables were created for
//
// All writes go through a single mutex; reads run concurrently. Every
// successful write is published on the Mutations feed.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
)

// ErrNotFound is returned by Get when no row has the requested key.
var ErrNotFound = errors.New("record not found")

// Options configures Open.
type Options struct {
	Logger *zap.Logger
	// MutationBuffer is the per-subscriber buffer of the mutation feed.
	MutationBuffer int
}

// DB wraps the SQLite connection pool together with the schemas it has set up.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger

	// writeMu serializes every statement that modifies the database.
	writeMu sync.Mutex

	mu      sync.RWMutex
	schemas schema.Index
	order   []*schema.EntitySchema
	version string

	mutations *events.Mutations
	now       func() time.Time
}

// Open creates or opens the database at path.
//
// The database is opened in WAL mode with foreign keys enforced. Tables are
// not created until SetUp is called.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open(".offsync/store.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open(driverName, dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxOpenConns)

	db := &DB{
		conn:      conn,
		path:      path,
		logger:    logger.Named("db"),
		schemas:   make(schema.Index),
		mutations: events.NewLosslessFeed[events.MutationEvent](opts.MutationBuffer),
		now:       func() time.Time { return time.Now().UTC() },
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Mutations returns the feed of successful writes. The feed is lossless:
// a subscriber sees every write in commit order, however slowly it reads.
func (db *DB) Mutations() *events.Mutations {
	return db.mutations
}

// Close checkpoints the WAL, closes the connection and the mutation feed.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	db.mutations.Close()

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Schemas returns the schemas set up so far, in creation order.
func (db *DB) Schemas() []*schema.EntitySchema {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*schema.EntitySchema, len(db.order))
	copy(out, db.order)
	return out
}

// Lookup returns the set-up schema for entity.
func (db *DB) Lookup(entity string) (*schema.EntitySchema, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.schemas.Lookup(entity)
}

func (db *DB) publish(entity string, typ events.MutationType, origin events.Origin, rec *record.Record) {
	db.mutations.Publish(events.MutationEvent{
		Entity: entity,
		Record: rec,
		Type:   typ,
		Origin: origin,
		At:     db.now(),
	})
}
