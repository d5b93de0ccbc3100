package schema_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/steveyegge/offsync/internal/schema"
)

const blogYAML = `version: 1.2.0
entities:
  - name: Post
    primary_key: [id]
    fields:
      - {name: id, type: string, required: true}
      - {name: blogID, type: string}
    foreign_keys:
      - {field: blogID, target: Blog}
  - name: Blog
    primary_key: [id]
    fields:
      - {name: id, type: string, required: true}
      - {name: name, type: string}
  - name: Draft
    local_only: true
    primary_key: [id]
    fields:
      - {name: id, type: string}
`

const blogTOML = `version = "1.2.0"

[[entities]]
name = "Blog"
primary_key = ["id"]

  [[entities.fields]]
  name = "id"
  type = "string"
  required = true

[[entities]]
name = "Post"
primary_key = ["id"]

  [[entities.fields]]
  name = "id"
  type = "string"

  [[entities.fields]]
  name = "blogID"
  type = "string"

  [[entities.foreign_keys]]
  field = "blogID"
  target = "Blog"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	reg, err := schema.LoadFile(writeFile(t, "schema.yaml", blogYAML))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if reg.Version() != "v1.2.0" {
		t.Errorf("Version() = %q", reg.Version())
	}
	if got := schema.Names(reg.Syncable()); !reflect.DeepEqual(got, []string{"Post", "Blog"}) {
		t.Errorf("Syncable() = %v", got)
	}
	post := reg.MustLookup("Post")
	if len(post.ForeignKeys) != 1 || post.ForeignKeys[0].Target != "Blog" {
		t.Errorf("Post foreign keys = %+v", post.ForeignKeys)
	}
	if f, _ := post.Field("id"); !f.Required {
		t.Error("Post.id should be required")
	}
}

func TestLoadFile_TOML(t *testing.T) {
	reg, err := schema.LoadFile(writeFile(t, "schema.toml", blogTOML))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if got := schema.Names(reg.Schemas()); !reflect.DeepEqual(got, []string{"Blog", "Post"}) {
		t.Errorf("Schemas() = %v", got)
	}
	if !reg.MustLookup("Post").Syncable {
		t.Error("entities are syncable unless local_only is set")
	}
}

func TestLoadFile_UnknownKeys(t *testing.T) {
	yamlDoc := strings.Replace(blogYAML, "local_only: true", "local_only: true\n    colour: red", 1)
	if _, err := schema.LoadFile(writeFile(t, "schema.yml", yamlDoc)); err == nil {
		t.Error("expected YAML unknown key error")
	}

	tomlDoc := blogTOML + "\nflavour = \"x\"\n"
	_, err := schema.LoadFile(writeFile(t, "schema.toml", tomlDoc))
	if err == nil || !strings.Contains(err.Error(), "unknown keys") {
		t.Errorf("expected TOML unknown key error, got %v", err)
	}
}

func TestLoadFile_UnsupportedExtension(t *testing.T) {
	if _, err := schema.LoadFile(writeFile(t, "schema.json", "{}")); err == nil {
		t.Error("expected error for .json")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := schema.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
