package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// ErrMalformed is returned for payloads that are not a JSON object of fields.
var ErrMalformed = errors.New("malformed record")

const dateOnly = "2006-01-02"

// MarshalJSON encodes r as an object of its fields in order, followed by the
// sync control attributes. _lastChangedAt is written as epoch milliseconds.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(data)
		return nil
	}

	for _, name := range r.names {
		if err := write(name, plain(r.values[name])); err != nil {
			return nil, err
		}
	}
	if r.SyncVersion != nil {
		if err := write(schema.ColumnVersion, *r.SyncVersion); err != nil {
			return nil, err
		}
	}
	if !r.LastChangedAt.IsZero() {
		if err := write(schema.ColumnLastChangedAt, r.LastChangedAt.UnixMilli()); err != nil {
			return nil, err
		}
	}
	if err := write(schema.ColumnDeleted, r.Deleted); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValue encodes a single value as JSON.
func MarshalValue(v Value) ([]byte, error) {
	return json.Marshal(plain(v))
}

func plain(v Value) any {
	switch v.kind {
	case KindString, KindEnum:
		return v.str
	case KindInt:
		return v.num
	case KindDouble:
		return v.dbl
	case KindBool:
		return v.flag
	case KindDate:
		return v.date.Format(time.RFC3339Nano)
	case KindNested:
		return v.nested
	case KindCollection:
		if v.coll == nil {
			return []*Record{}
		}
		return v.coll
	}
	return nil
}

// DecodeJSON decodes a JSON object into a record of schema s. Fields follow
// the schema's field order. Nested and collection fields are resolved
// through res, which may be nil when s has none.
func DecodeJSON(s *schema.EntitySchema, data []byte, res Resolver) (*Record, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return nil, err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s payload is not an object", ErrMalformed, s.Name)
	}
	return decodeObject(s, obj, res)
}

// UnmarshalValue decodes the JSON form of a value of field f.
func UnmarshalValue(f schema.Field, data []byte, res Resolver) (Value, error) {
	raw, err := decodeRaw(data)
	if err != nil {
		return Value{}, err
	}
	return decodeValue(f, raw, res)
}

func decodeRaw(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return raw, nil
}

func decodeObject(s *schema.EntitySchema, obj map[string]any, res Resolver) (*Record, error) {
	r := New()
	for key := range obj {
		switch key {
		case schema.ColumnVersion, schema.ColumnLastChangedAt, schema.ColumnDeleted:
			continue
		}
		if _, ok := s.Field(key); !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Name, key)
		}
	}

	for _, f := range s.Fields {
		raw, ok := obj[f.Name]
		if !ok {
			continue
		}
		v, err := decodeValue(f, raw, res)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.Name, f.Name, err)
		}
		r.Set(f.Name, v)
	}

	if raw, ok := obj[schema.ColumnVersion]; ok && raw != nil {
		n, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%w: %s._version is not a number", ErrTypeMismatch, s.Name)
		}
		version, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s._version: %v", ErrTypeMismatch, s.Name, err)
		}
		r.WithVersion(version)
	}
	if raw, ok := obj[schema.ColumnLastChangedAt]; ok && raw != nil {
		t, err := decodeTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%s._lastChangedAt: %w", s.Name, err)
		}
		r.LastChangedAt = t
	}
	if raw, ok := obj[schema.ColumnDeleted]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s._deleted is not a bool", ErrTypeMismatch, s.Name)
		}
		r.Deleted = b
	}
	return r, nil
}

func decodeValue(f schema.Field, raw any, res Resolver) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	mismatch := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: got %T, want %s", ErrTypeMismatch, raw, f.Type)
	}

	switch f.Type {
	case schema.TypeString, schema.TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return mismatch()
		}
		if f.Type == schema.TypeEnum {
			return Enum(s), nil
		}
		return String(s), nil

	case schema.TypeInt:
		n, ok := raw.(json.Number)
		if !ok {
			return mismatch()
		}
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
		fl, err := n.Float64()
		if err != nil || fl != math.Trunc(fl) {
			return mismatch()
		}
		return Int(int64(fl)), nil

	case schema.TypeDouble:
		n, ok := raw.(json.Number)
		if !ok {
			return mismatch()
		}
		fl, err := n.Float64()
		if err != nil {
			return mismatch()
		}
		return Double(fl), nil

	case schema.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch()
		}
		return Bool(b), nil

	case schema.TypeDate:
		t, err := decodeTime(raw)
		if err != nil {
			return Value{}, err
		}
		return Date(t), nil

	case schema.TypeNested:
		target, err := resolve(f, res)
		if err != nil {
			return Value{}, err
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return mismatch()
		}
		nested, err := decodeObject(target, obj, res)
		if err != nil {
			return Value{}, err
		}
		return Nested(nested), nil

	case schema.TypeCollection:
		target, err := resolve(f, res)
		if err != nil {
			return Value{}, err
		}
		items, ok := raw.([]any)
		if !ok {
			return mismatch()
		}
		out := make([]*Record, 0, len(items))
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return Value{}, fmt.Errorf("%w: item %d is %T", ErrTypeMismatch, i, item)
			}
			rec, err := decodeObject(target, obj, res)
			if err != nil {
				return Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, rec)
		}
		return Collection(out), nil
	}
	return mismatch()
}

func resolve(f schema.Field, res Resolver) (*schema.EntitySchema, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: no schema for %s target %q", ErrUnknownField, f.Type, f.Target)
	}
	target, ok := res.Lookup(f.Target)
	if !ok {
		return nil, fmt.Errorf("%w: no schema for %s target %q", ErrUnknownField, f.Type, f.Target)
	}
	return target, nil
}

// decodeTime accepts RFC 3339 strings, plain dates and epoch milliseconds.
func decodeTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC(), nil
		}
		t, err := time.Parse(dateOnly, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid time %q", ErrTypeMismatch, v)
		}
		return t.UTC(), nil
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid epoch %q", ErrTypeMismatch, v)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: time is %T", ErrTypeMismatch, raw)
}
