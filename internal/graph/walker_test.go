package graph

import (
	"context"
	"sort"
	"testing"

	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
	"github.com/starford/drift/internal/testutil"
)

func setup(t *testing.T) (*store.DB, *schema.Registry) {
	t.Helper()
	reg := testutil.Registry(t)
	db, err := store.Open(testutil.TempDBPath(t), reg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.CreateTables(context.Background(), reg.All()); err != nil {
		t.Fatal(err)
	}

	insert := func(model, id string, fields map[string]any) {
		s, _ := reg.SchemaFor(model)
		if err := db.Insert(context.Background(), s, models.NewRecord(model, id, fields)); err != nil {
			t.Fatalf("insert %s/%s: %v", model, id, err)
		}
	}
	insert("Blog", "b1", map[string]any{"name": "one"})
	insert("Blog", "b2", map[string]any{"name": "two"})
	insert("Post", "p1", map[string]any{"title": "a", "blog": "b1"})
	insert("Post", "p2", map[string]any{"title": "b", "blog": "b1"})
	insert("Post", "p3", map[string]any{"title": "c", "blog": "b2"})
	insert("Comment", "c1", map[string]any{"post": "p1"})
	insert("Comment", "c2", map[string]any{"post": "p1"})
	insert("Comment", "c3", map[string]any{"post": "p2"})
	insert("Comment", "c4", map[string]any{"post": "p3"})
	insert("Tag", "t1", map[string]any{"label": "go"})
	insert("PostTag", "pt1", map[string]any{"post": "p1", "tag": "t1"})
	insert("PostTag", "pt2", map[string]any{"post": "p3", "tag": "t1"})
	return db, reg
}

func flatten(levels []Level) map[string][]string {
	out := make(map[string][]string)
	for _, l := range levels {
		out[l.Schema.Name] = append(out[l.Schema.Name], l.IDs...)
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func TestDescendantsOf_Blog(t *testing.T) {
	db, reg := setup(t)
	w := NewWalker(reg, db, nil)
	blog, _ := reg.SchemaFor("Blog")

	levels, err := w.DescendantsOf(context.Background(), blog, []string{"b1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) == 0 || levels[0].Schema.Name != "Post" {
		t.Fatalf("first level should be Post, got %+v", levels)
	}

	got := flatten(levels)
	want := map[string][]string{
		"Post":    {"p1", "p2"},
		"Comment": {"c1", "c2", "c3"},
		"PostTag": {"pt1"},
	}
	if len(got) != len(want) {
		t.Fatalf("models = %v, want %v", got, want)
	}
	for model, ids := range want {
		if len(got[model]) != len(ids) {
			t.Errorf("%s = %v, want %v", model, got[model], ids)
			continue
		}
		for i := range ids {
			if got[model][i] != ids[i] {
				t.Errorf("%s = %v, want %v", model, got[model], ids)
				break
			}
		}
	}
}

func TestDescendantsOf_NoDependents(t *testing.T) {
	db, reg := setup(t)
	w := NewWalker(reg, db, nil)

	comment, _ := reg.SchemaFor("Comment")
	levels, err := w.DescendantsOf(context.Background(), comment, []string{"c1"})
	if err != nil || len(levels) != 0 {
		t.Errorf("comment has no dependents, got %+v, %v", levels, err)
	}

	// belongsTo is never followed: a post's blog is not a descendant.
	post, _ := reg.SchemaFor("Post")
	levels, _ = w.DescendantsOf(context.Background(), post, []string{"p3"})
	for _, l := range levels {
		if l.Schema.Name == "Blog" {
			t.Errorf("walker followed belongsTo to Blog")
		}
	}
}

func TestDescendantsOf_EmptyIDs(t *testing.T) {
	db, reg := setup(t)
	w := NewWalker(reg, db, nil)
	blog, _ := reg.SchemaFor("Blog")
	levels, err := w.DescendantsOf(context.Background(), blog, nil)
	if err != nil || len(levels) != 0 {
		t.Errorf("empty input should produce nothing, got %+v, %v", levels, err)
	}
}

type recordingQuerier struct {
	calls []predicate.Predicate
	ids   map[string][]string
}

func (r *recordingQuerier) QueryIDs(_ context.Context, s *schema.ModelSchema, p predicate.Predicate) ([]string, error) {
	r.calls = append(r.calls, p)
	return r.ids[s.Name], nil
}

func TestDescendantsOf_OnePredicatePerLevel(t *testing.T) {
	reg := testutil.Registry(t)
	q := &recordingQuerier{ids: map[string][]string{"Post": {"p1", "p2"}}}
	w := NewWalker(reg, q, nil)
	blog, _ := reg.SchemaFor("Blog")

	if _, err := w.DescendantsOf(context.Background(), blog, []string{"b1", "b2"}); err != nil {
		t.Fatal(err)
	}
	if len(q.calls) == 0 {
		t.Fatal("no queries issued")
	}
	g, ok := q.calls[0].(predicate.Group)
	if !ok || g.Type != predicate.GroupOr || len(g.Predicates) != 2 {
		t.Fatalf("first query = %#v, want OR of two equality tests", q.calls[0])
	}
	op := g.Predicates[0].(predicate.Operation)
	if op.Field != "blogId" || op.Op != predicate.OpEq || op.Value != "b1" {
		t.Errorf("first test = %+v", op)
	}
}
