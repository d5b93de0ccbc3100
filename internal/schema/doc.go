// Package schema describes the entity types held in the local store.
//
// # Overview
//
// An EntitySchema lists the fields of one entity type, the fields that make
// up its primary key, and the foreign keys that point at other entity types.
// A Registry is built once at startup and handed by reference to the storage
// adapter, the initial sync orchestrator and the coordinator.
//
// # Dependency Order
//
// Foreign keys form a graph between entity types. SortByDependencyOrder walks
// that graph depth first and emits each type only after every type it
// references:
//
//	Blog <- Post <- Comment
//
//	sorted, err := schema.SortByDependencyOrder([]*schema.EntitySchema{comment, post, blog})
//	// sorted: Blog, Post, Comment
//
// Tables are created and initial sync runs in this order, so a child row is
// never written before its parent exists.
//
// # Registry Files
//
// Registries can be loaded from YAML or TOML:
//
//	version: 1.2.0
//	entities:
//	  - name: Blog
//	    primary_key: [id]
//	    fields:
//	      - {name: id, type: string, required: true}
//	      - {name: name, type: string}
//	  - name: Post
//	    primary_key: [id]
//	    fields:
//	      - {name: id, type: string, required: true}
//	      - {name: blogID, type: string}
//	    foreign_keys:
//	      - {field: blogID, target: Blog}
//
// The version is a semantic version. A changed version causes the storage
// adapter to clear the local store before creating tables.
package schema
