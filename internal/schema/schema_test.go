package schema

import (
	"errors"
	"testing"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
)

const testDoc = `
models:
  - name: Blog
    fields:
      - {name: id, type: id}
      - {name: name, type: string, required: true}
    relationships:
      - {name: posts, kind: hasMany, target: Post, associatedWith: blog}
  - name: Post
    fields:
      - {name: id, type: id}
      - {name: title, type: string}
    relationships:
      - {name: blog, kind: belongsTo, target: Blog}
`

func mustParse(t *testing.T, doc string) *Document {
	t.Helper()
	d, err := ParseDocument([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestRegistry_SchemaFor(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterSource(mustParse(t, testDoc)); err != nil {
		t.Fatal(err)
	}

	post, err := reg.SchemaFor("Post")
	if err != nil {
		t.Fatal(err)
	}
	if post.Name != "Post" || post.PK() != "id" {
		t.Errorf("unexpected schema: %+v", post)
	}

	_, err = reg.SchemaFor("Nope")
	if !errors.Is(err, apperr.ErrUnknownModel) {
		t.Fatalf("expected unknown model, got %v", err)
	}
	var ume *apperr.UnknownModelError
	if !errors.As(err, &ume) || ume.Model != "Nope" {
		t.Errorf("expected UnknownModelError for Nope, got %v", err)
	}
}

func TestRegistry_RegisterReplacesAndIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	doc := mustParse(t, testDoc)
	if err := reg.RegisterSource(doc); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSource(doc); err != nil {
		t.Fatal(err)
	}
	if got := reg.Names(); len(got) != 2 || got[0] != "Blog" || got[1] != "Post" {
		t.Fatalf("names after re-register = %v", got)
	}

	single := mustParse(t, `
models:
  - name: Person
    fields:
      - {name: id, type: id}
`)
	if err := reg.RegisterSource(single); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.SchemaFor("Blog"); err == nil {
		t.Error("Blog should be gone after replacing registration")
	}
	if _, err := reg.SchemaFor("Person"); err != nil {
		t.Error(err)
	}
}

func TestRegistry_RegisterLeavesHeldSchemasIntact(t *testing.T) {
	reg := NewRegistry()
	doc := mustParse(t, testDoc)
	if err := reg.RegisterSource(doc); err != nil {
		t.Fatal(err)
	}
	held, _ := reg.SchemaFor("Post")
	rec := models.NewRecord("Post", "p1", map[string]any{"title": "hello", "blog": "b1"})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if v, _ := held.Value(rec, "blogId"); v != "b1" {
				t.Errorf("held schema blogId = %v", v)
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		if err := reg.RegisterSource(doc); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	<-done

	renamed := mustParse(t, `
models:
  - name: Post
    fields:
      - {name: id, type: id}
      - {name: body, type: string}
`)
	if err := reg.RegisterSource(renamed); err != nil {
		t.Fatal(err)
	}
	if v, ok := held.Value(rec, "title"); !ok || v != "hello" {
		t.Errorf("held schema lost title: %v, %v", v, ok)
	}
	if _, ok := held.Field("body"); ok {
		t.Error("held schema picked up a field from a later registration")
	}
	if _, ok := doc.Models[1].Field("title"); ok {
		t.Error("document schema was built in place")
	}
	current, _ := reg.SchemaFor("Post")
	if _, ok := current.Field("body"); !ok {
		t.Error("current schema misses body")
	}
}

func TestRegistry_Clear(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterSource(mustParse(t, testDoc)); err != nil {
		t.Fatal(err)
	}
	reg.Clear()
	if len(reg.All()) != 0 {
		t.Error("expected empty registry after Clear")
	}
	if _, err := reg.SchemaFor("Blog"); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("expected unknown model after Clear, got %v", err)
	}
}

func TestRegistry_RejectsBrokenReferences(t *testing.T) {
	cases := map[string]string{
		"unknown target": `
models:
  - name: Post
    fields: [{name: id, type: id}]
    relationships:
      - {name: blog, kind: belongsTo, target: Blog}
`,
		"missing back reference": `
models:
  - name: Blog
    fields: [{name: id, type: id}]
    relationships:
      - {name: posts, kind: hasMany, target: Post, associatedWith: owner}
  - name: Post
    fields: [{name: id, type: id}]
`,
		"missing primary key": `
models:
  - name: Post
    fields: [{name: title, type: string}]
`,
		"unknown enum": `
models:
  - name: Post
    fields:
      - {name: id, type: id}
      - {name: status, type: enum, target: Status}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.RegisterSource(mustParse(t, doc))
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseDocument_InvalidFieldType(t *testing.T) {
	_, err := ParseDocument([]byte(`
models:
  - name: Post
    fields: [{name: id, type: uuid}]
`))
	if err == nil {
		t.Fatal("expected error for unknown field type")
	}
}

func TestDocument_Version(t *testing.T) {
	d := mustParse(t, testDoc)
	if len(d.Version()) != 64 {
		t.Errorf("expected sha256 digest as version, got %q", d.Version())
	}
	if other := mustParse(t, testDoc+"\n"); other.Version() != d.Version() {
		t.Error("trailing newline changed the digest")
	}
	if other := mustParse(t, testDoc+"# comment\n"); other.Version() == d.Version() {
		t.Error("different documents should have different digests")
	}

	declared := mustParse(t, "version: v7\n"+testDoc)
	if declared.Version() != "v7" {
		t.Errorf("version = %q, want v7", declared.Version())
	}
}

func TestAccessors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterSource(mustParse(t, testDoc)); err != nil {
		t.Fatal(err)
	}
	post, _ := reg.SchemaFor("Post")

	rec := models.NewRecord("Post", "p1", map[string]any{
		"title": "hello",
		"blog":  models.NewRecord("Blog", "b1", map[string]any{"name": "x"}),
	})

	if v, _ := post.Value(rec, "id"); v != "p1" {
		t.Errorf("id = %v", v)
	}
	if v, _ := post.Value(rec, "title"); v != "hello" {
		t.Errorf("title = %v", v)
	}
	if v, _ := post.Value(rec, "blog"); v != "b1" {
		t.Errorf("blog = %v", v)
	}
	if v, _ := post.Value(rec, "blogId"); v != "b1" {
		t.Errorf("blogId = %v", v)
	}
	if _, ok := post.Value(rec, "missing"); ok {
		t.Error("unknown accessor should not resolve")
	}

	flat := models.NewRecord("Post", "p2", map[string]any{"blogId": "b2"})
	if v, _ := post.Value(flat, "blog"); v != "b2" {
		t.Errorf("blog from flat fk = %v", v)
	}

	if got := len(post.BelongsTo()); got != 1 {
		t.Errorf("belongsTo count = %d", got)
	}
	blog, _ := reg.SchemaFor("Blog")
	if got := len(blog.Dependents()); got != 1 {
		t.Errorf("dependents count = %d", got)
	}
}
