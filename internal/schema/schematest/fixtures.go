// Package schematest provides entity schemas shared by tests.
package schematest

import "github.com/steveyegge/offsync/internal/schema"

// Blog returns a schema with no foreign keys.
func Blog() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Blog",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "name", Type: schema.TypeString, Required: true},
		},
		PrimaryKey: []string{"id"},
		Syncable:   true,
	}
}

// Post returns a schema whose blogID references Blog.
func Post() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Post",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "title", Type: schema.TypeString},
			{Name: "blogID", Type: schema.TypeString},
			{Name: "published", Type: schema.TypeBool},
			{Name: "publishedAt", Type: schema.TypeDate},
			{Name: "rating", Type: schema.TypeDouble},
			{Name: "views", Type: schema.TypeInt},
			{Name: "status", Type: schema.TypeEnum},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []schema.ForeignKey{{Field: "blogID", Target: "Blog"}},
		Syncable:    true,
	}
}

// Comment returns a schema whose postID references Post.
func Comment() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Comment",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "postID", Type: schema.TypeString},
			{Name: "content", Type: schema.TypeString},
		},
		PrimaryKey:  []string{"id"},
		ForeignKeys: []schema.ForeignKey{{Field: "postID", Target: "Post"}},
		Syncable:    true,
	}
}

// Author returns a schema embedding an Address and a collection of Tags.
func Author() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Author",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "name", Type: schema.TypeString},
			{Name: "address", Type: schema.TypeNested, Target: "Address"},
			{Name: "tags", Type: schema.TypeCollection, Target: "Tag"},
		},
		PrimaryKey: []string{"id"},
		Syncable:   true,
	}
}

// Address is an embedded type that never syncs on its own.
func Address() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Address",
		Fields: []schema.Field{
			{Name: "street", Type: schema.TypeString},
			{Name: "city", Type: schema.TypeString},
		},
		PrimaryKey: []string{"street"},
	}
}

// Tag is an embedded type that never syncs on its own.
func Tag() *schema.EntitySchema {
	return &schema.EntitySchema{
		Name: "Tag",
		Fields: []schema.Field{
			{Name: "label", Type: schema.TypeString},
		},
		PrimaryKey: []string{"label"},
	}
}

// Registry returns Comment, Post and Blog registered child first.
func Registry() *schema.Registry {
	return schema.MustNewRegistry("1.0.0", Comment(), Post(), Blog())
}

// RegistryWithVersion is Registry with a different schema version.
func RegistryWithVersion(version string) *schema.Registry {
	return schema.MustNewRegistry(version, Comment(), Post(), Blog())
}

// Independent returns two syncable schemas with no foreign keys.
func Independent() *schema.Registry {
	note := &schema.EntitySchema{
		Name: "Note",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString, Required: true},
			{Name: "body", Type: schema.TypeString},
		},
		PrimaryKey: []string{"id"},
		Syncable:   true,
	}
	return schema.MustNewRegistry("", note, Blog())
}
