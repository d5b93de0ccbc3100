package schema

import (
	"fmt"
	"regexp"
)

// FieldType is the storage type of a field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeInt        FieldType = "int"
	TypeDouble     FieldType = "double"
	TypeBool       FieldType = "bool"
	TypeDate       FieldType = "date"
	TypeEnum       FieldType = "enum"
	TypeNested     FieldType = "nested"
	TypeCollection FieldType = "collection"
)

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeInt, TypeDouble, TypeBool, TypeDate, TypeEnum, TypeNested, TypeCollection:
		return true
	}
	return false
}

// IsScalar reports whether values of t fit in a single column without encoding.
func (t FieldType) IsScalar() bool {
	return t != TypeNested && t != TypeCollection
}

// Reserved column names carrying sync control attributes.
const (
	ColumnVersion       = "_version"
	ColumnLastChangedAt = "_lastChangedAt"
	ColumnDeleted       = "_deleted"
)

// Reserved table names used by the storage adapter.
const (
	TableSyncMetadata  = "sync_metadata"
	TableSchemaVersion = "schema_version"
)

var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Field is one named, typed attribute of an entity.
type Field struct {
	Name     string    `yaml:"name" toml:"name"`
	Type     FieldType `yaml:"type" toml:"type"`
	Required bool      `yaml:"required,omitempty" toml:"required"`
	// Target names the entity type embedded by nested and collection fields.
	Target string `yaml:"target,omitempty" toml:"target"`
}

// ForeignKey declares that Field holds the primary key of an instance of Target.
type ForeignKey struct {
	Field  string `yaml:"field" toml:"field"`
	Target string `yaml:"target" toml:"target"`
}

// EntitySchema describes one entity type.
type EntitySchema struct {
	Name        string
	Fields      []Field
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Syncable    bool
}

// Field returns the field with the given name.
func (s *EntitySchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsPrimaryKey reports whether name is one of the primary-key fields.
func (s *EntitySchema) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// DependsOn returns the distinct entity types referenced by foreign keys.
func (s *EntitySchema) DependsOn() []string {
	seen := make(map[string]bool, len(s.ForeignKeys))
	var targets []string
	for _, fk := range s.ForeignKeys {
		if seen[fk.Target] {
			continue
		}
		seen[fk.Target] = true
		targets = append(targets, fk.Target)
	}
	return targets
}

// Validate checks the schema for structural errors.
func (s *EntitySchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if !identPattern.MatchString(s.Name) {
		return fmt.Errorf("entity %q: invalid name", s.Name)
	}
	if s.Name == TableSyncMetadata || s.Name == TableSchemaVersion {
		return fmt.Errorf("entity %q: name is reserved", s.Name)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("entity %q: at least one field is required", s.Name)
	}

	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("entity %q: invalid field name %q", s.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("entity %q: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.IsValid() {
			return fmt.Errorf("entity %q: field %q has invalid type %q", s.Name, f.Name, f.Type)
		}
		if !f.Type.IsScalar() && f.Target == "" {
			return fmt.Errorf("entity %q: field %q of type %s needs a target", s.Name, f.Name, f.Type)
		}
	}

	if len(s.PrimaryKey) == 0 {
		return fmt.Errorf("entity %q: primary key is required", s.Name)
	}
	for _, pk := range s.PrimaryKey {
		f, ok := s.Field(pk)
		if !ok {
			return fmt.Errorf("entity %q: primary key field %q is not declared", s.Name, pk)
		}
		if !f.Type.IsScalar() {
			return fmt.Errorf("entity %q: primary key field %q must be scalar", s.Name, pk)
		}
	}

	for _, fk := range s.ForeignKeys {
		f, ok := s.Field(fk.Field)
		if !ok {
			return fmt.Errorf("entity %q: foreign key field %q is not declared", s.Name, fk.Field)
		}
		if !f.Type.IsScalar() {
			return fmt.Errorf("entity %q: foreign key field %q must be scalar", s.Name, fk.Field)
		}
		if fk.Target == "" {
			return fmt.Errorf("entity %q: foreign key field %q has no target", s.Name, fk.Field)
		}
	}
	return nil
}

// Index maps entity names to schemas.
type Index map[string]*EntitySchema

// NewIndex builds an Index over schemas.
func NewIndex(schemas []*EntitySchema) Index {
	idx := make(Index, len(schemas))
	for _, s := range schemas {
		idx[s.Name] = s
	}
	return idx
}

// Lookup returns the schema registered under name.
func (idx Index) Lookup(name string) (*EntitySchema, bool) {
	s, ok := idx[name]
	return s, ok
}
