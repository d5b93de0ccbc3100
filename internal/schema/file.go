package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type registryFile struct {
	Version  string       `yaml:"version" toml:"version"`
	Entities []entityFile `yaml:"entities" toml:"entities"`
}

type entityFile struct {
	Name        string       `yaml:"name" toml:"name"`
	Fields      []Field      `yaml:"fields" toml:"fields"`
	PrimaryKey  []string     `yaml:"primary_key" toml:"primary_key"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty" toml:"foreign_keys"`
	LocalOnly   bool         `yaml:"local_only,omitempty" toml:"local_only"`
}

// LoadFile reads a registry definition from a .yaml, .yml or .toml file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return nil, fmt.Errorf("unsupported schema file extension %q", ext)
	}
}

// ParseYAML builds a Registry from a YAML definition. Unknown keys are rejected.
func ParseYAML(data []byte) (*Registry, error) {
	var rf registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to parse schema YAML: %w", err)
	}
	return rf.registry()
}

// ParseTOML builds a Registry from a TOML definition. Unknown keys are rejected.
func ParseTOML(data []byte) (*Registry, error) {
	var rf registryFile
	md, err := toml.Decode(string(data), &rf)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("failed to parse schema TOML: unknown keys %s", strings.Join(keys, ", "))
	}
	return rf.registry()
}

func (rf *registryFile) registry() (*Registry, error) {
	schemas := make([]*EntitySchema, 0, len(rf.Entities))
	for _, e := range rf.Entities {
		schemas = append(schemas, &EntitySchema{
			Name:        e.Name,
			Fields:      e.Fields,
			PrimaryKey:  e.PrimaryKey,
			ForeignKeys: e.ForeignKeys,
			Syncable:    !e.LocalOnly,
		})
	}
	return NewRegistry(rf.Version, schemas...)
}
