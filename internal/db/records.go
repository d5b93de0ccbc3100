package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/events"
	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
	"github.com/steveyegge/offsync/internal/syncerr"
)

type writeOptions struct {
	origin events.Origin
}

// WriteOption customizes Save and Delete.
type WriteOption func(*writeOptions)

// WithOrigin tags the published mutation event with origin.
// The default is events.OriginLocalSave.
func WithOrigin(origin events.Origin) WriteOption {
	return func(o *writeOptions) { o.origin = origin }
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	o := writeOptions{origin: events.OriginLocalSave}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Predicate narrows Query results. The zero value matches every row.
type Predicate struct {
	// Equals matches fields by value; a Null value matches SQL NULL.
	Equals map[string]record.Value
	// ChangedSince keeps rows whose _lastChangedAt is at or after the time.
	ChangedSince time.Time
	Limit        int
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) lookup(entity string) (*schema.EntitySchema, error) {
	s, ok := db.Lookup(entity)
	if !ok {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, fmt.Errorf("entity type %q is not set up", entity))
	}
	return s, nil
}

// Save inserts rec or replaces the stored row with the same primary key, and
// returns the record as stored.
//
// Fields missing from rec are stored as NULL. A foreign key pointing at a
// missing parent fails with a ConstraintViolation storage error.
func (db *DB) Save(ctx context.Context, entity string, rec *record.Record, opts ...WriteOption) (*record.Record, error) {
	o := applyWriteOptions(opts)
	s, err := db.lookup(entity)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(s); err != nil {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, err)
	}
	key, err := rec.KeyValues(s)
	if err != nil {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, err)
	}
	cols, args, err := encodeRow(s, rec)
	if err != nil {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, err)
	}

	db.writeMu.Lock()
	stored, existed, err := db.saveLocked(ctx, s, key, cols, args)
	db.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	typ := events.MutationCreated
	if existed {
		typ = events.MutationUpdated
	}
	db.publish(entity, typ, o.origin, stored.Clone())
	return stored, nil
}

func (db *DB) saveLocked(ctx context.Context, s *schema.EntitySchema, key []record.Value, cols []string, args []any) (*record.Record, bool, error) {
	where, keyArgs, err := keyClause(s, key)
	if err != nil {
		return nil, false, syncerr.Storage(syncerr.SchemaMismatch, s.Name, err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, db.storageError(s.Name, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+quoteIdent(s.Name)+` WHERE `+where, keyArgs...).Scan(&one)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, db.storageError(s.Name, fmt.Errorf("failed to look up row: %w", err))
	}

	if _, err := tx.ExecContext(ctx, upsertSQL(s, cols), args...); err != nil {
		return nil, false, db.storageError(s.Name, fmt.Errorf("failed to upsert row: %w", err))
	}

	stored, err := db.get(ctx, tx, s, where, keyArgs)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, db.storageError(s.Name, fmt.Errorf("failed to commit: %w", err))
	}
	return stored, existed, nil
}

func upsertSQL(s *schema.EntitySchema, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if s.IsPrimaryKey(c) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(s.Name), quoteIdents(cols), placeholders, quoteIdents(s.PrimaryKey), strings.Join(updates, ", "))
}

// Get returns the row whose primary key equals key, or ErrNotFound.
// Key parts follow the schema's primary-key order.
func (db *DB) Get(ctx context.Context, entity string, key []record.Value) (*record.Record, error) {
	s, err := db.lookup(entity)
	if err != nil {
		return nil, err
	}
	where, args, err := keyClause(s, key)
	if err != nil {
		return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, err)
	}
	return db.get(ctx, db.conn, s, where, args)
}

func (db *DB) get(ctx context.Context, q queryer, s *schema.EntitySchema, where string, args []any) (*record.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectColumns(s)+` FROM `+quoteIdent(s.Name)+` WHERE `+where, args...)
	rec, err := scanRecord(s, row, db)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, db.storageError(s.Name, fmt.Errorf("failed to read row: %w", err))
	}
	return rec, nil
}

// Query returns the rows of entity matching pred in insertion order.
// A nil pred matches every row.
func (db *DB) Query(ctx context.Context, entity string, pred *Predicate) ([]*record.Record, error) {
	s, err := db.lookup(entity)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		pred = &Predicate{}
	}

	var conds []string
	var args []any

	names := make([]string, 0, len(pred.Equals))
	for name := range pred.Equals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, ok := s.Field(name)
		if !ok {
			return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, fmt.Errorf("%w: %s.%s", record.ErrUnknownField, entity, name))
		}
		v := pred.Equals[name]
		if v.IsNull() {
			conds = append(conds, quoteIdent(name)+" IS NULL")
			continue
		}
		if !v.Matches(f.Type) {
			return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, fmt.Errorf("%w: %s.%s is %s", record.ErrTypeMismatch, entity, name, v.Kind()))
		}
		arg, err := encodeValue(f, v)
		if err != nil {
			return nil, syncerr.Storage(syncerr.SchemaMismatch, entity, err)
		}
		conds = append(conds, quoteIdent(name)+" = ?")
		args = append(args, arg)
	}
	if !pred.ChangedSince.IsZero() {
		conds = append(conds, quoteIdent(schema.ColumnLastChangedAt)+" >= ?")
		args = append(args, formatTime(pred.ChangedSince))
	}

	query := `SELECT ` + selectColumns(s) + ` FROM ` + quoteIdent(s.Name)
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY rowid`
	if pred.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", pred.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.storageError(entity, fmt.Errorf("failed to query: %w", err))
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(s, rows, db)
		if err != nil {
			return nil, db.storageError(entity, fmt.Errorf("failed to scan row: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, db.storageError(entity, fmt.Errorf("failed to iterate rows: %w", err))
	}
	return out, nil
}

// Delete removes the row whose primary key equals key. Deleting a missing
// row is not an error and publishes nothing.
func (db *DB) Delete(ctx context.Context, entity string, key []record.Value, opts ...WriteOption) error {
	o := applyWriteOptions(opts)
	s, err := db.lookup(entity)
	if err != nil {
		return err
	}
	where, args, err := keyClause(s, key)
	if err != nil {
		return syncerr.Storage(syncerr.SchemaMismatch, entity, err)
	}

	db.writeMu.Lock()
	removed, err := db.deleteLocked(ctx, s, where, args)
	db.writeMu.Unlock()
	if err != nil || removed == nil {
		return err
	}

	removed.Deleted = true
	db.publish(entity, events.MutationDeleted, o.origin, removed)
	return nil
}

func (db *DB) deleteLocked(ctx context.Context, s *schema.EntitySchema, where string, args []any) (*record.Record, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, db.storageError(s.Name, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := db.get(ctx, tx, s, where, args)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(s.Name)+` WHERE `+where, args...); err != nil {
		return nil, db.storageError(s.Name, fmt.Errorf("failed to delete row: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, db.storageError(s.Name, fmt.Errorf("failed to commit: %w", err))
	}
	return existing, nil
}

// Count returns the number of rows stored for entity.
func (db *DB) Count(ctx context.Context, entity string) (int, error) {
	s, err := db.lookup(entity)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(s.Name)).Scan(&n); err != nil {
		return 0, db.storageError(entity, fmt.Errorf("failed to count rows: %w", err))
	}
	return n, nil
}

func (db *DB) storageError(entity string, err error) error {
	if isConstraint(err) {
		return syncerr.Storage(syncerr.ConstraintViolation, entity, err)
	}
	db.logger.Debug("storage failure", zap.String("entity", entity), zap.Error(err))
	return syncerr.Storage(syncerr.IOFailure, entity, err)
}
