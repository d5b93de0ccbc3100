package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

const metaTablesSQL = `
CREATE TABLE IF NOT EXISTS ` + schema.TableSyncMetadata + ` (
	entityType TEXT PRIMARY KEY,
	cursor TEXT,
	lastFullSyncAt TEXT,
	lastSyncAt TEXT,
	isFullySynced INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ` + schema.TableSchemaVersion + ` (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL,
	updatedAt TEXT NOT NULL
);
`

// SetUp creates a table for each schema, parents before children. It is
// idempotent and returns the entity names in creation order.
func (db *DB) SetUp(ctx context.Context, schemas []*schema.EntitySchema) ([]string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.setUpLocked(ctx, schemas)
}

// SetUpRegistry is SetUp for every schema in reg. When the registry version
// differs from the version the store was created with, the store is cleared
// first.
func (db *DB) SetUpRegistry(ctx context.Context, reg *schema.Registry) ([]string, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, metaTablesSQL); err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to create metadata tables: %w", err))
	}

	stored, err := db.storedVersion(ctx)
	if err != nil {
		return nil, err
	}
	if reg.VersionChanged(stored) {
		db.logger.Info("schema version changed, clearing local store",
			zap.String("from", stored), zap.String("to", reg.Version()))
		if err := db.dropAllLocked(ctx); err != nil {
			return nil, err
		}
		db.mu.Lock()
		db.schemas = make(schema.Index)
		db.order = nil
		db.mu.Unlock()
	}

	order, err := db.setUpLocked(ctx, reg.Schemas())
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.version = reg.Version()
	db.mu.Unlock()
	if err := db.writeVersion(ctx, reg.Version()); err != nil {
		return nil, err
	}
	return order, nil
}

// SchemaVersion returns the version recorded in the store, or "".
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	return db.storedVersion(ctx)
}

func (db *DB) setUpLocked(ctx context.Context, schemas []*schema.EntitySchema) ([]string, error) {
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, syncerr.Storage(syncerr.SchemaMismatch, s.Name, err)
		}
	}

	sorted, err := schema.SortByDependencyOrder(schemas)
	if err != nil {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, "", err)
	}

	db.mu.RLock()
	idx := make(schema.Index, len(db.schemas)+len(sorted))
	for name, s := range db.schemas {
		idx[name] = s
	}
	db.mu.RUnlock()
	for _, s := range sorted {
		idx[s.Name] = s
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, metaTablesSQL); err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to create metadata tables: %w", err))
	}

	for _, s := range sorted {
		stmts, err := createTableStatements(s, idx)
		if err != nil {
			return nil, syncerr.Storage(syncerr.SchemaMismatch, s.Name, err)
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return nil, syncerr.Storage(syncerr.IOFailure, s.Name, fmt.Errorf("failed to create table: %w", err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to commit schema: %w", err))
	}

	db.mu.Lock()
	for _, s := range sorted {
		if _, known := db.schemas[s.Name]; !known {
			db.order = append(db.order, s)
		} else {
			for i, prev := range db.order {
				if prev.Name == s.Name {
					db.order[i] = s
				}
			}
		}
		db.schemas[s.Name] = s
	}
	db.mu.Unlock()

	names := schema.Names(sorted)
	db.logger.Debug("storage set up", zap.Strings("order", names))
	return names, nil
}

func createTableStatements(s *schema.EntitySchema, idx schema.Index) ([]string, error) {
	cols := make([]string, 0, len(s.Fields)+4+len(s.ForeignKeys))
	for _, f := range s.Fields {
		col := quoteIdent(f.Name) + " " + columnType(f.Type)
		if s.IsPrimaryKey(f.Name) {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	cols = append(cols,
		quoteIdent(schema.ColumnVersion)+" INTEGER",
		quoteIdent(schema.ColumnLastChangedAt)+" TEXT",
		quoteIdent(schema.ColumnDeleted)+" INTEGER NOT NULL DEFAULT 0",
		"PRIMARY KEY ("+quoteIdents(s.PrimaryKey)+")",
	)

	for _, fk := range s.ForeignKeys {
		target, ok := idx[fk.Target]
		if !ok {
			return nil, fmt.Errorf("foreign key %q targets %q which is not set up", fk.Field, fk.Target)
		}
		if len(target.PrimaryKey) != 1 {
			return nil, fmt.Errorf("foreign key %q targets %q with a composite primary key", fk.Field, fk.Target)
		}
		cols = append(cols, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s) ON DELETE CASCADE",
			quoteIdent(fk.Field), quoteIdent(target.Name), quoteIdent(target.PrimaryKey[0])))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(s.Name), strings.Join(cols, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+s.Name+"_lastChangedAt"), quoteIdent(s.Name), quoteIdent(schema.ColumnLastChangedAt)),
	}
	for _, fk := range s.ForeignKeys {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+s.Name+"_"+fk.Field), quoteIdent(s.Name), quoteIdent(fk.Field)))
	}
	return stmts, nil
}

func (db *DB) storedVersion(ctx context.Context) (string, error) {
	var version string
	err := db.conn.QueryRowContext(ctx, `SELECT version FROM `+schema.TableSchemaVersion+` WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return "", nil
		}
		return "", syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to read schema version: %w", err))
	}
	return version, nil
}

func (db *DB) writeVersion(ctx context.Context, version string) error {
	if version == "" {
		return nil
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO `+schema.TableSchemaVersion+` (id, version, updatedAt) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, updatedAt = excluded.updatedAt
	`, version, formatTime(db.now()))
	if err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to write schema version: %w", err))
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
