package predicate

import (
	"testing"
	"time"

	"github.com/starford/drift/internal/models"
)

func getter(fields map[string]any) Getter {
	return func(name string) (any, bool) {
		v, ok := fields[name]
		return v, ok
	}
}

func TestOperation_Evaluate(t *testing.T) {
	rec := getter(map[string]any{
		"title":  "hello world",
		"rating": int64(4),
		"score":  2.5,
		"draft":  false,
		"blog":   models.Reference("Blog", "b1"),
		"empty":  nil,
	})

	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"eq string", Field("title").Eq("hello world"), true},
		{"eq int vs float", Field("rating").Eq(4.0), true},
		{"ne", Field("rating").Ne(int64(5)), true},
		{"gt", Field("rating").Gt(3), true},
		{"le", Field("score").Le(2.5), true},
		{"lt false", Field("score").Lt(1), false},
		{"contains", Field("title").Contains("lo wo"), true},
		{"not contains", Field("title").NotContains("xyz"), true},
		{"begins with", Field("title").BeginsWith("hell"), true},
		{"between", Field("rating").Between(1, 4), true},
		{"between outside", Field("rating").Between(5, 9), false},
		{"bool", Field("draft").Eq(false), true},
		{"reference by id", Field("blog").Eq("b1"), true},
		{"eq nil", Field("empty").Eq(nil), true},
		{"gt on nil", Field("empty").Gt(1), false},
		{"ne on nil", Field("empty").Ne("x"), false},
		{"missing field", Field("nope").Eq("x"), false},
		{"and", And(Field("rating").Gt(1), Field("draft").Eq(false)), true},
		{"or", Or(Field("rating").Gt(10), Field("title").BeginsWith("h")), true},
		{"not", Not(Field("rating").Gt(10)), true},
		{"empty and", And(), true},
		{"empty or", Or(), false},
		{"all", All(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Evaluate(rec); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompare_Temporal(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if c, ok := Compare(day, "2024-03-02"); !ok || c >= 0 {
		t.Errorf("Compare(time, later date) = %d, %v", c, ok)
	}
	if c, ok := Compare("2024-03-01T00:00:00Z", day); !ok || c != 0 {
		t.Errorf("Compare(rfc3339, same time) = %d, %v", c, ok)
	}
	if _, ok := Compare("abc", int64(1)); ok {
		t.Error("string and int should not be comparable")
	}
}

func TestIsAll(t *testing.T) {
	if !IsAll(nil) || !IsAll(All()) {
		t.Error("nil and All should be match-all")
	}
	if IsAll(Field("x").Eq(1)) {
		t.Error("operation is not match-all")
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	p := And(
		Field("rating").Between(1, 5),
		Or(Field("title").BeginsWith("a"), Not(Field("draft").Eq(true))),
	)
	data, err := Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}

	match := getter(map[string]any{"rating": int64(3), "title": "zzz", "draft": false})
	miss := getter(map[string]any{"rating": int64(3), "title": "zzz", "draft": true})
	if !back.Evaluate(match) || back.Evaluate(miss) {
		t.Errorf("decoded predicate behaves differently: %s", data)
	}
	if got := Fields(back); len(got) != 3 {
		t.Errorf("Fields = %v", got)
	}

	all, err := Unmarshal(nil)
	if err != nil || !IsAll(all) {
		t.Errorf("empty input should decode to All, got %v %v", all, err)
	}
	if _, err := Unmarshal([]byte(`{"field":"x","op":"like","value":1}`)); err == nil {
		t.Error("unknown operator should fail")
	}
}

func TestSort(t *testing.T) {
	recs := []*models.Record{
		models.NewRecord("Post", "c", map[string]any{"rating": int64(2)}),
		models.NewRecord("Post", "a", map[string]any{"rating": int64(5)}),
		models.NewRecord("Post", "b", map[string]any{"rating": int64(2)}),
		models.NewRecord("Post", "d", map[string]any{"rating": nil}),
	}
	value := func(r *models.Record, f string) (any, bool) { return r.Get(f) }

	Sort(recs, []SortOrder{Desc("rating")}, value)
	got := ""
	for _, r := range recs {
		got += r.ID
	}
	if got != "abcd" {
		t.Errorf("desc order = %s, want abcd", got)
	}

	Sort(recs, []SortOrder{Asc("rating")}, value)
	got = ""
	for _, r := range recs {
		got += r.ID
	}
	if got != "dbca" {
		t.Errorf("asc order = %s, want dbca", got)
	}
}

func TestPage_Offset(t *testing.T) {
	if off := (Page{Number: 3, Limit: 20}).Offset(); off != 60 {
		t.Errorf("offset = %d, want 60", off)
	}
}
