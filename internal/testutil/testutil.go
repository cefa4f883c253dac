// Package testutil provides shared test fixtures: a blog schema document and
// temporary database paths.
package testutil

import (
	"os"
	"testing"

	"github.com/starford/drift/internal/schema"
)

// BlogDocument is a small schema covering every field type and relationship
// kind: Blog has many Post, Post has many Comment and is tagged through
// PostTag, Post belongs to Person twice (author and editor).
const BlogDocument = `
version: "1"
enums:
  - name: Status
    values: [DRAFT, ACTIVE, ARCHIVED]
customTypes:
  - name: Address
    fields:
      - {name: street, type: string}
      - {name: city, type: string}
models:
  - name: Person
    fields:
      - {name: id, type: id, required: true}
      - {name: name, type: string, required: true}
      - {name: address, type: custom, target: Address}
      - {name: birthday, type: date}
      - {name: alarm, type: time}
      - {name: lastSeen, type: timestamp}
  - name: Blog
    fields:
      - {name: id, type: id, required: true}
      - {name: name, type: string, required: true}
      - {name: status, type: enum, target: Status}
      - {name: createdAt, type: datetime}
    relationships:
      - {name: posts, kind: hasMany, target: Post, associatedWith: blog}
  - name: Post
    fields:
      - {name: id, type: id, required: true}
      - {name: title, type: string, required: true}
      - {name: rating, type: int}
      - {name: score, type: float}
      - {name: published, type: boolean}
    relationships:
      - {name: blog, kind: belongsTo, target: Blog}
      - {name: author, kind: belongsTo, target: Person}
      - {name: editor, kind: belongsTo, target: Person}
      - {name: comments, kind: hasMany, target: Comment, associatedWith: post}
      - {name: tags, kind: manyToMany, target: Tag, through: PostTag, associatedWith: post}
    indexes:
      - {name: byTitle, fields: [title]}
  - name: Comment
    fields:
      - {name: id, type: id, required: true}
      - {name: content, type: string}
    relationships:
      - {name: post, kind: belongsTo, target: Post}
  - name: Tag
    fields:
      - {name: id, type: id, required: true}
      - {name: label, type: string, required: true}
    relationships:
      - {name: posts, kind: manyToMany, target: Post, through: PostTag, associatedWith: tag}
  - name: PostTag
    fields:
      - {name: id, type: id, required: true}
    relationships:
      - {name: post, kind: belongsTo, target: Post}
      - {name: tag, kind: belongsTo, target: Tag}
`

// Document parses BlogDocument.
func Document(t *testing.T) *schema.Document {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(BlogDocument))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

// Registry returns a registry loaded with BlogDocument.
func Registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	if err := reg.RegisterSource(Document(t)); err != nil {
		t.Fatal(err)
	}
	return reg
}

// TempDBPath returns the path of a temporary SQLite file removed at cleanup.
func TempDBPath(t *testing.T) string {
	t.Helper()
	dbFile, err := os.CreateTemp("", "drift-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})
	return dbFile.Name()
}
