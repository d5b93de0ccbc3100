package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyCycle is returned when foreign keys form a cycle.
var ErrDependencyCycle = errors.New("dependency cycle")

const (
	unvisited = iota
	visiting
	visited
)

// SortByDependencyOrder returns schemas ordered so that every entity follows
// the entities its foreign keys reference. Entities without a dependency
// between them keep their input order. Foreign keys to entities outside the
// input are ignored.
func SortByDependencyOrder(schemas []*EntitySchema) ([]*EntitySchema, error) {
	byName := NewIndex(schemas)
	state := make(map[string]int, len(schemas))
	sorted := make([]*EntitySchema, 0, len(schemas))

	var visit func(s *EntitySchema, path []string) error
	visit = func(s *EntitySchema, path []string) error {
		switch state[s.Name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(append(path, s.Name), " -> "))
		}
		state[s.Name] = visiting
		next := append(path[:len(path):len(path)], s.Name)
		for _, target := range s.DependsOn() {
			dep, ok := byName[target]
			if !ok {
				continue
			}
			if err := visit(dep, next); err != nil {
				return err
			}
		}
		state[s.Name] = visited
		sorted = append(sorted, s)
		return nil
	}

	for _, s := range schemas {
		if err := visit(s, nil); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}

// HasForeignKeys reports whether any schema declares a foreign key, whether
// or not its target is in the set.
func HasForeignKeys(schemas []*EntitySchema) bool {
	for _, s := range schemas {
		if len(s.ForeignKeys) > 0 {
			return true
		}
	}
	return false
}

// Names returns the entity names of schemas in order.
func Names(schemas []*EntitySchema) []string {
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}
