package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// Clear drops every table, including sync metadata, and recreates the
// tables of the schemas set up so far.
func (db *DB) Clear(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.dropAllLocked(ctx); err != nil {
		return err
	}

	db.mu.RLock()
	schemas := make([]*schema.EntitySchema, len(db.order))
	copy(schemas, db.order)
	version := db.version
	db.mu.RUnlock()

	if _, err := db.setUpLocked(ctx, schemas); err != nil {
		return err
	}
	if err := db.writeVersion(ctx, version); err != nil {
		return err
	}
	db.logger.Info("local store cleared", zap.Int("entities", len(schemas)))
	return nil
}

func (db *DB) dropAllLocked(ctx context.Context) error {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY rowid DESC`)
	if err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to list tables: %w", err))
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to scan table name: %w", err))
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to list tables: %w", err))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	// Newest tables first: children are created after their parents.
	for _, name := range tables {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(name)); err != nil {
			return syncerr.Storage(syncerr.IOFailure, name, fmt.Errorf("failed to drop table: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to commit drop: %w", err))
	}
	return nil
}
