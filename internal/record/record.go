// Package record holds entity instances as ordered, typed field maps.
package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// KeySeparator joins the parts of a composite primary key.
const KeySeparator = "#"

var (
	// ErrUnknownField is returned when a record carries a field its schema does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrTypeMismatch is returned when a value does not fit its field type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrMissingField is returned when a required or primary-key field is absent or null.
	ErrMissingField = errors.New("missing field")
)

// Resolver finds schemas for nested and collection fields.
type Resolver interface {
	Lookup(name string) (*schema.EntitySchema, bool)
}

// Record is one entity instance: field values in insertion order plus the
// sync control attributes.
type Record struct {
	names  []string
	values map[string]Value

	// SyncVersion is the remote version; nil means the record was never synced.
	SyncVersion   *int64
	LastChangedAt time.Time
	Deleted       bool
}

// New returns an empty record.
func New() *Record {
	return &Record{values: make(map[string]Value)}
}

// Set stores v under name, keeping the original position of an existing field.
func (r *Record) Set(name string, v Value) *Record {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = v
	return r
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.values[name]
	return v, ok
}

// Fields returns the field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// WithVersion sets SyncVersion and returns r.
func (r *Record) WithVersion(v int64) *Record {
	r.SyncVersion = &v
	return r
}

// Version returns SyncVersion, or 0 when the record was never synced.
func (r *Record) Version() int64 {
	if r == nil || r.SyncVersion == nil {
		return 0
	}
	return *r.SyncVersion
}

func (r *Record) HasVersion() bool {
	return r != nil && r.SyncVersion != nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{
		names:         make([]string, len(r.names)),
		values:        make(map[string]Value, len(r.values)),
		LastChangedAt: r.LastChangedAt,
		Deleted:       r.Deleted,
	}
	copy(c.names, r.names)
	for k, v := range r.values {
		c.values[k] = v.clone()
	}
	if r.SyncVersion != nil {
		c.WithVersion(*r.SyncVersion)
	}
	return c
}

// Equal compares field values and sync control attributes. Field order is ignored.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.values) != len(o.values) || r.Deleted != o.Deleted || r.HasVersion() != o.HasVersion() {
		return false
	}
	if r.Version() != o.Version() || !r.LastChangedAt.Equal(o.LastChangedAt) {
		return false
	}
	for k, v := range r.values {
		ov, ok := o.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// KeyValues returns the primary-key values of r in schema order.
func (r *Record) KeyValues(s *schema.EntitySchema) ([]Value, error) {
	key := make([]Value, len(s.PrimaryKey))
	for i, name := range s.PrimaryKey {
		v, ok := r.Get(name)
		if !ok || v.IsNull() {
			return nil, fmt.Errorf("%w: %s.%s (primary key)", ErrMissingField, s.Name, name)
		}
		key[i] = v
	}
	return key, nil
}

// PrimaryKey returns the canonical key string of r.
func (r *Record) PrimaryKey(s *schema.EntitySchema) (string, error) {
	key, err := r.KeyValues(s)
	if err != nil {
		return "", err
	}
	return JoinKey(key)
}

// JoinKey renders key values as a canonical key string.
func JoinKey(key []Value) (string, error) {
	parts := make([]string, len(key))
	for i, v := range key {
		s, ok := v.keyString()
		if !ok {
			return "", fmt.Errorf("%w: %s value cannot be a key", ErrTypeMismatch, v.Kind())
		}
		parts[i] = keyEscaper.Replace(s)
	}
	return strings.Join(parts, KeySeparator), nil
}

// keyEscaper keeps composite keys unambiguous when a part contains the separator.
var keyEscaper = strings.NewReplacer(`\`, `\\`, KeySeparator, `\`+KeySeparator)

// Validate checks r against s: no undeclared fields, values matching their
// field types, required fields present.
func (r *Record) Validate(s *schema.EntitySchema) error {
	for _, name := range r.names {
		f, ok := s.Field(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, s.Name, name)
		}
		v := r.values[name]
		if !v.Matches(f.Type) {
			return fmt.Errorf("%w: %s.%s is %s, want %s", ErrTypeMismatch, s.Name, name, v.Kind(), f.Type)
		}
	}
	for _, f := range s.Fields {
		if !f.Required && !s.IsPrimaryKey(f.Name) {
			continue
		}
		if v, ok := r.values[f.Name]; !ok || v.IsNull() {
			return fmt.Errorf("%w: %s.%s", ErrMissingField, s.Name, f.Name)
		}
	}
	return nil
}

func (r *Record) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range r.names {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(r.values[name].String())
	}
	if r.SyncVersion != nil {
		fmt.Fprintf(&b, ", _version: %d", *r.SyncVersion)
	}
	if r.Deleted {
		b.WriteString(", _deleted: true")
	}
	b.WriteByte('}')
	return b.String()
}
