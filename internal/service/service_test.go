package service

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
	"github.com/starford/drift/internal/testutil"
)

func newService(t *testing.T, withOutbox bool) *Service {
	t.Helper()
	reg := schema.NewRegistry()
	db, err := store.Open(testutil.TempDBPath(t), reg)
	if err != nil {
		t.Fatal(err)
	}
	a := adapter.New(db, reg)
	t.Cleanup(func() {
		a.Terminate()
		db.Close()
	})
	if err := a.Initialize(context.Background(), testutil.Document(t)); err != nil {
		t.Fatal(err)
	}
	var ob *outbox.Outbox
	if withOutbox {
		ob = outbox.New(db, reg, nil)
	}
	return New(a, ob)
}

func TestSaveGetDelete(t *testing.T) {
	svc := newService(t, false)
	ctx := context.Background()

	v, created, err := svc.SaveRecord(ctx, "Blog", "b1", map[string]any{"name": "first"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !created || v.Fields["name"] != "first" {
		t.Errorf("save = %+v, created %v", v, created)
	}
	if _, created, err = svc.SaveRecord(ctx, "Blog", "b1", map[string]any{"name": "second"}, nil); err != nil || created {
		t.Fatalf("update: created %v, %v", created, err)
	}

	if _, _, err := svc.SaveRecord(ctx, "Post", "p1", map[string]any{"title": "t", "blog": "b1"}, nil); err != nil {
		t.Fatal(err)
	}
	post, err := svc.GetRecord(ctx, "Post", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if post.Fields["blog"] != "b1" {
		t.Errorf("blog = %#v, want flattened id", post.Fields["blog"])
	}

	if err := svc.DeleteRecord(ctx, "Blog", "b1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetRecord(ctx, "Post", "p1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("dependent post survived: %v", err)
	}
	if err := svc.DeleteRecord(ctx, "Blog", "b1", nil); err != nil {
		t.Errorf("second delete err = %v, want nil", err)
	}
	if err := svc.DeleteRecord(ctx, "Nope", "b1", nil); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("delete of unknown model err = %v", err)
	}
}

func TestSaveRecord_Condition(t *testing.T) {
	svc := newService(t, false)
	ctx := context.Background()
	if _, _, err := svc.SaveRecord(ctx, "Blog", "b1", map[string]any{"name": "a"}, nil); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.SaveRecord(ctx, "Blog", "b1", map[string]any{"name": "b"},
		[]byte(`{"field":"name","op":"eq","value":"zzz"}`))
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
	if _, _, err := svc.SaveRecord(ctx, "Blog", "b1", nil, []byte(`{"bogus`)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad condition err = %v", err)
	}
}

func TestQueryRecords(t *testing.T) {
	svc := newService(t, false)
	ctx := context.Background()
	for _, name := range []string{"c", "a", "b", "d"} {
		if _, _, err := svc.SaveRecord(ctx, "Blog", name, map[string]any{"name": name}, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.QueryRecords(ctx, "Blog", QueryParams{
		Filter: []byte(`{"field":"name","op":"ne","value":"d"}`),
		Sort:   "-name",
		Limit:  2,
		Offset: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("page = %+v", got)
	}

	if _, err := svc.QueryRecords(ctx, "Blog", QueryParams{Limit: 2, Offset: 1}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("misaligned offset err = %v", err)
	}
	if _, err := svc.QueryRecords(ctx, "Nope", QueryParams{}); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("unknown model err = %v", err)
	}

	n, err := svc.DeleteWhere(ctx, "Blog", []byte(`{"field":"name","op":"lt","value":"c"}`))
	if err != nil || n != 2 {
		t.Errorf("delete where = %d, %v", n, err)
	}
}

func TestParseSort(t *testing.T) {
	got := ParseSort(" name, -rating,,")
	want := []predicate.SortOrder{predicate.Asc("name"), predicate.Desc("rating")}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ParseSort = %+v", got)
	}
}

func TestListModelsAndOutbox(t *testing.T) {
	svc := newService(t, true)
	ctx := context.Background()
	models := svc.ListModels(ctx)
	if len(models) != 6 || models[0].Name != "Blog" {
		t.Errorf("models = %+v", models)
	}
	st, err := svc.Outbox(ctx)
	if err != nil || !st.Enabled || st.Pending != 0 {
		t.Errorf("outbox = %+v, %v", st, err)
	}

	st, _ = newService(t, false).Outbox(ctx)
	if st.Enabled {
		t.Error("outbox reported enabled without sync")
	}
}
