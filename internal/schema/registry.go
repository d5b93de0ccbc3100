package schema

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Registry is the immutable set of entity schemas known to the process.
type Registry struct {
	version string
	schemas []*EntitySchema
	byName  Index
}

// NewRegistry validates schemas and builds a Registry. Version is an optional
// semantic version ("1.2.0" or "v1.2.0"); an empty version disables schema
// version tracking.
func NewRegistry(version string, schemas ...*EntitySchema) (*Registry, error) {
	canonical, err := canonicalVersion(version)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		version: canonical,
		schemas: make([]*EntitySchema, 0, len(schemas)),
		byName:  make(Index, len(schemas)),
	}
	for _, s := range schemas {
		if s == nil {
			return nil, fmt.Errorf("schema cannot be nil")
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("entity %q registered twice", s.Name)
		}
		r.byName[s.Name] = s
		r.schemas = append(r.schemas, s)
	}

	for _, s := range r.schemas {
		for _, fk := range s.ForeignKeys {
			target, ok := r.byName[fk.Target]
			if !ok {
				return nil, fmt.Errorf("entity %q: foreign key %q targets unknown entity %q", s.Name, fk.Field, fk.Target)
			}
			if len(target.PrimaryKey) != 1 {
				return nil, fmt.Errorf("entity %q: foreign key %q targets %q with a composite primary key", s.Name, fk.Field, fk.Target)
			}
		}
		for _, f := range s.Fields {
			if f.Type.IsScalar() {
				continue
			}
			if _, ok := r.byName[f.Target]; !ok {
				return nil, fmt.Errorf("entity %q: field %q targets unknown entity %q", s.Name, f.Name, f.Target)
			}
		}
	}

	if _, err := SortByDependencyOrder(r.schemas); err != nil {
		return nil, err
	}
	return r, nil
}

// Version returns the canonical schema version ("v1.2.0"), or "" when unset.
func (r *Registry) Version() string {
	return r.version
}

// VersionChanged reports whether stored differs from the registry version.
// An empty value on either side never counts as a change.
func (r *Registry) VersionChanged(stored string) bool {
	if r.version == "" || stored == "" {
		return false
	}
	prev, err := canonicalVersion(stored)
	if err != nil {
		return true
	}
	return semver.Compare(prev, r.version) != 0
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (*EntitySchema, bool) {
	return r.byName.Lookup(name)
}

// MustLookup is like Lookup but panics when name is unknown.
func (r *Registry) MustLookup(name string) *EntitySchema {
	s, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown entity %q", name))
	}
	return s
}

// Schemas returns all schemas in registration order.
func (r *Registry) Schemas() []*EntitySchema {
	out := make([]*EntitySchema, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Syncable returns the schemas that participate in remote sync.
func (r *Registry) Syncable() []*EntitySchema {
	var out []*EntitySchema
	for _, s := range r.schemas {
		if s.Syncable {
			out = append(out, s)
		}
	}
	return out
}

func canonicalVersion(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid schema version %q", v)
	}
	return semver.Canonical(v), nil
}

// MustNewRegistry is like NewRegistry but panics on error.
func MustNewRegistry(version string, schemas ...*EntitySchema) *Registry {
	r, err := NewRegistry(version, schemas...)
	if err != nil {
		panic(err)
	}
	return r
}
