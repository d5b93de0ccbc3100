package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

// SyncMetadata is the per-entity-type sync bookkeeping row.
type SyncMetadata struct {
	Entity         string
	Cursor         *string
	LastFullSyncAt *time.Time
	LastSyncAt     *time.Time
	IsFullySynced  bool
}

const metadataColumns = `entityType, cursor, lastFullSyncAt, lastSyncAt, isFullySynced`

// GetSyncMetadata returns the metadata for entity. A type that never synced
// gets a zero row with only Entity set.
func (db *DB) GetSyncMetadata(ctx context.Context, entity string) (*SyncMetadata, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+metadataColumns+` FROM `+schema.TableSyncMetadata+` WHERE entityType = ?`, entity)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &SyncMetadata{Entity: entity}, nil
	}
	if err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, entity, fmt.Errorf("failed to read sync metadata: %w", err))
	}
	return m, nil
}

// ListSyncMetadata returns every stored metadata row ordered by entity type.
func (db *DB) ListSyncMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+metadataColumns+` FROM `+schema.TableSyncMetadata+` ORDER BY entityType`)
	if err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to list sync metadata: %w", err))
	}
	defer rows.Close()

	var out []*SyncMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to scan sync metadata: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to iterate sync metadata: %w", err))
	}
	return out, nil
}

// SaveSyncMetadata inserts or replaces the metadata row for m.Entity.
func (db *DB) SaveSyncMetadata(ctx context.Context, m *SyncMetadata) error {
	if m.Entity == "" {
		return fmt.Errorf("sync metadata entity cannot be empty")
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO `+schema.TableSyncMetadata+` (`+metadataColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entityType) DO UPDATE SET
			cursor = excluded.cursor,
			lastFullSyncAt = excluded.lastFullSyncAt,
			lastSyncAt = excluded.lastSyncAt,
			isFullySynced = excluded.isFullySynced
	`, m.Entity, nullString(m.Cursor), timeToNullString(m.LastFullSyncAt), timeToNullString(m.LastSyncAt), boolToInt(m.IsFullySynced))
	if err != nil {
		return syncerr.Storage(syncerr.IOFailure, m.Entity, fmt.Errorf("failed to save sync metadata: %w", err))
	}
	return nil
}

// InvalidateSyncMetadata marks every entity type as not fully synced and
// clears its cursor, forcing the next initial sync to start over.
func (db *DB) InvalidateSyncMetadata(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		UPDATE `+schema.TableSyncMetadata+`
		SET cursor = NULL, lastFullSyncAt = NULL, isFullySynced = 0
	`)
	if err != nil {
		return syncerr.Storage(syncerr.IOFailure, "", fmt.Errorf("failed to invalidate sync metadata: %w", err))
	}
	return nil
}

func scanMetadata(row rowScanner) (*SyncMetadata, error) {
	var (
		m                          SyncMetadata
		cursor, lastFull, lastSync sql.NullString
		fullySynced                int
	)
	if err := row.Scan(&m.Entity, &cursor, &lastFull, &lastSync, &fullySynced); err != nil {
		return nil, err
	}
	if cursor.Valid {
		c := cursor.String
		m.Cursor = &c
	}
	m.LastFullSyncAt = nullStringToTime(lastFull)
	m.LastSyncAt = nullStringToTime(lastSync)
	m.IsFullySynced = fullySynced != 0
	return &m, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
