package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/offsync/internal/record"
	"github.com/steveyegge/offsync/internal/schema"
)

func columnType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt, schema.TypeBool:
		return "INTEGER"
	case schema.TypeDouble:
		return "REAL"
	default:
		return "TEXT"
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// encodeValue converts v to the column representation of field f.
func encodeValue(f schema.Field, v record.Value) (any, error) {
	switch v.Kind() {
	case record.KindNull:
		return nil, nil
	case record.KindString, record.KindEnum:
		s, _ := v.AsString()
		return s, nil
	case record.KindInt:
		n, _ := v.AsInt()
		if f.Type == schema.TypeDouble {
			return float64(n), nil
		}
		return n, nil
	case record.KindDouble:
		d, _ := v.AsDouble()
		return d, nil
	case record.KindBool:
		if b, _ := v.AsBool(); b {
			return int64(1), nil
		}
		return int64(0), nil
	case record.KindDate:
		t, _ := v.AsDate()
		return formatTime(t), nil
	case record.KindNested, record.KindCollection:
		data, err := record.MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.Name, err)
		}
		return string(data), nil
	}
	return nil, fmt.Errorf("unsupported value kind %s", v.Kind())
}

// decodeColumn converts a scanned column back into a value of field f.
func decodeColumn(f schema.Field, raw any, res record.Resolver) (record.Value, error) {
	if raw == nil {
		return record.Null(), nil
	}

	switch f.Type {
	case schema.TypeString:
		s, err := asText(raw)
		return record.String(s), err
	case schema.TypeEnum:
		s, err := asText(raw)
		return record.Enum(s), err
	case schema.TypeInt:
		switch n := raw.(type) {
		case int64:
			return record.Int(n), nil
		case float64:
			return record.Int(int64(n)), nil
		}
	case schema.TypeDouble:
		switch n := raw.(type) {
		case float64:
			return record.Double(n), nil
		case int64:
			return record.Double(float64(n)), nil
		}
	case schema.TypeBool:
		if n, ok := raw.(int64); ok {
			return record.Bool(n != 0), nil
		}
	case schema.TypeDate:
		s, err := asText(raw)
		if err != nil {
			return record.Value{}, err
		}
		t, err := parseTime(s)
		if err != nil {
			return record.Value{}, fmt.Errorf("column %s: %w", f.Name, err)
		}
		return record.Date(t), nil
	case schema.TypeNested, schema.TypeCollection:
		s, err := asText(raw)
		if err != nil {
			return record.Value{}, err
		}
		return record.UnmarshalValue(f, []byte(s), res)
	}
	return record.Value{}, fmt.Errorf("column %s: unexpected %T for %s", f.Name, raw, f.Type)
}

func asText(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	return "", fmt.Errorf("unexpected %T for text column", raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// selectColumns lists the columns read by scanRecord, in order.
func selectColumns(s *schema.EntitySchema) string {
	names := make([]string, 0, len(s.Fields)+3)
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	names = append(names, schema.ColumnVersion, schema.ColumnLastChangedAt, schema.ColumnDeleted)
	return quoteIdents(names)
}

// scanRecord reads one row selected with selectColumns. Null columns are
// left out of the record.
func scanRecord(s *schema.EntitySchema, row rowScanner, res record.Resolver) (*record.Record, error) {
	n := len(s.Fields)
	dest := make([]any, n+3)
	ptrs := make([]any, len(dest))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, err
	}

	r := record.New()
	for i, f := range s.Fields {
		v, err := decodeColumn(f, dest[i], res)
		if err != nil {
			return nil, err
		}
		if !v.IsNull() {
			r.Set(f.Name, v)
		}
	}

	if version, ok := dest[n].(int64); ok {
		r.WithVersion(version)
	}
	if dest[n+1] != nil {
		s, err := asText(dest[n+1])
		if err != nil {
			return nil, err
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", schema.ColumnLastChangedAt, err)
		}
		r.LastChangedAt = t
	}
	if deleted, ok := dest[n+2].(int64); ok {
		r.Deleted = deleted != 0
	}
	return r, nil
}

// encodeRow returns column names and arguments for every schema field plus
// the sync control columns.
func encodeRow(s *schema.EntitySchema, rec *record.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(s.Fields)+3)
	args := make([]any, 0, len(s.Fields)+3)
	for _, f := range s.Fields {
		v, _ := rec.Get(f.Name)
		arg, err := encodeValue(f, v)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, f.Name)
		args = append(args, arg)
	}

	var version any
	if rec.HasVersion() {
		version = rec.Version()
	}
	var changed any
	if !rec.LastChangedAt.IsZero() {
		changed = formatTime(rec.LastChangedAt)
	}
	deleted := int64(0)
	if rec.Deleted {
		deleted = 1
	}
	cols = append(cols, schema.ColumnVersion, schema.ColumnLastChangedAt, schema.ColumnDeleted)
	args = append(args, version, changed, deleted)
	return cols, args, nil
}

// keyClause returns a WHERE clause matching the primary key and its arguments.
func keyClause(s *schema.EntitySchema, key []record.Value) (string, []any, error) {
	if len(key) != len(s.PrimaryKey) {
		return "", nil, fmt.Errorf("key has %d parts, %s primary key has %d", len(key), s.Name, len(s.PrimaryKey))
	}
	conds := make([]string, len(key))
	args := make([]any, len(key))
	for i, name := range s.PrimaryKey {
		f, _ := s.Field(name)
		if !key[i].Matches(f.Type) || key[i].IsNull() {
			return "", nil, fmt.Errorf("%w: key part %s is %s", record.ErrTypeMismatch, name, key[i].Kind())
		}
		arg, err := encodeValue(f, key[i])
		if err != nil {
			return "", nil, err
		}
		conds[i] = quoteIdent(name) + " = ?"
		args[i] = arg
	}
	return strings.Join(conds, " AND "), args, nil
}
