package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/remote"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
	"github.com/starford/drift/internal/testutil"
)

var fastRetry = Config{RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond}

func newAdapter(t *testing.T) *adapter.Adapter {
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
	return a
}

func blog(id, name string) *models.Record {
	return models.NewRecord("Blog", id, map[string]any{"name": name})
}

func schemaFor(t *testing.T, a *adapter.Adapter, model string) *schema.ModelSchema {
	t.Helper()
	s, err := a.Registry().SchemaFor(model)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// run starts e in the background and waits until every model is hydrated.
func run(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	eventually(t, "hydration", func() bool {
		for _, name := range e.reg.Names() {
			if _, ok, _ := e.db.LastSync(context.Background(), name); !ok {
				return false
			}
		}
		return true
	})
}

func localName(t *testing.T, a *adapter.Adapter, id string) (string, bool) {
	t.Helper()
	r, err := a.DB().Get(context.Background(), schemaFor(t, a, "Blog"), id)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil {
		return "", false
	}
	name, _ := r.Get("name")
	s, _ := name.(string)
	return s, true
}

func remoteState(m *remote.Memory, id string) (string, int, bool) {
	got, ok := m.Get("Blog", id)
	if !ok {
		return "", 0, false
	}
	name, _ := got.Record.Get("name")
	s, _ := name.(string)
	return s, got.Metadata.Version, got.Metadata.Deleted
}

func TestRun_PublishesLocalMutations(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	e := New(a, m, fastRetry)
	run(t, e)
	ctx := context.Background()

	if _, err := a.Save(ctx, blog("b1", "one"), models.InitiatorLocalAPI, predicate.All()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "create published", func() bool {
		_, v, _ := remoteState(m, "b1")
		return v == 1
	})

	if _, err := a.Save(ctx, blog("b1", "two"), models.InitiatorLocalAPI, predicate.All()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "update published", func() bool {
		name, v, _ := remoteState(m, "b1")
		return v == 2 && name == "two"
	})

	if _, err := a.Delete(ctx, models.Reference("Blog", "b1"), models.InitiatorLocalAPI, predicate.All()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "delete published", func() bool {
		_, v, deleted := remoteState(m, "b1")
		return v == 3 && deleted
	})
	eventually(t, "outbox drained", func() bool {
		n, _ := e.Outbox().Len(ctx)
		return n == 0
	})
	eventually(t, "metadata merged", func() bool {
		md, ok, _ := a.DB().Metadata(ctx, "Blog", "b1")
		return ok && md.Version == 3 && md.Deleted
	})
}

func TestRun_MergesRemoteChanges(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	run(t, New(a, m, fastRetry))
	ctx := context.Background()
	bs, ps := schemaFor(t, a, "Blog"), schemaFor(t, a, "Post")

	if _, err := m.Create(ctx, bs, blog("b2", "remote")); err != nil {
		t.Fatal(err)
	}
	post := models.NewRecord("Post", "p1", map[string]any{"title": "t", "blog": "b2"})
	if _, err := m.Create(ctx, ps, post); err != nil {
		t.Fatal(err)
	}
	eventually(t, "remote records merged", func() bool {
		p, _ := a.DB().Get(ctx, ps, "p1")
		return p != nil
	})

	if _, err := m.Update(ctx, bs, blog("b2", "renamed"), 1, predicate.All()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "remote update merged", func() bool {
		name, _ := localName(t, a, "b2")
		return name == "renamed"
	})

	if _, err := m.Delete(ctx, bs, "b2", 2, predicate.All()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "remote tombstone cascades locally", func() bool {
		_, blogThere := localName(t, a, "b2")
		p, _ := a.DB().Get(ctx, ps, "p1")
		return !blogThere && p == nil
	})
}

func TestRun_HydratesBaseThenDelta(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	ctx := context.Background()
	if _, err := m.Create(ctx, schemaFor(t, a, "Blog"), blog("b1", "seeded")); err != nil {
		t.Fatal(err)
	}

	e := New(a, m, fastRetry)
	if err := e.Hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if name, ok := localName(t, a, "b1"); !ok || name != "seeded" {
		t.Fatalf("hydrated b1 = %q, %v", name, ok)
	}
	last, ok, err := a.DB().LastSync(ctx, "Blog")
	if err != nil || !ok || last.Type != models.SyncBase {
		t.Fatalf("last sync = %+v, %v, %v", last, ok, err)
	}

	if err := e.Hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if last, _, _ = a.DB().LastSync(ctx, "Blog"); last.Type != models.SyncDelta {
		t.Errorf("second sync type = %s, want delta", last.Type)
	}

	e.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if err := e.Hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if last, _, _ = a.DB().LastSync(ctx, "Blog"); last.Type != models.SyncBase {
		t.Errorf("sync after the full sync interval = %s, want base", last.Type)
	}
}

func TestHydrate_PagesThroughRemote(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if _, err := m.Create(ctx, schemaFor(t, a, "Blog"), blog(id, id)); err != nil {
			t.Fatal(err)
		}
	}
	cfg := fastRetry
	cfg.PageSize = 2
	if err := New(a, m, cfg).Hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	all, err := a.Query(ctx, "Blog", predicate.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("hydrated %d blogs, want 5", len(all))
	}
}

// conflictSetup stores b1 locally at version 1, moves the remote copy to
// version 2 and queues a local update that still asserts version 1.
func conflictSetup(t *testing.T, opts ...Option) (*adapter.Adapter, *remote.Memory, *Engine) {
	t.Helper()
	a := newAdapter(t)
	m := remote.NewMemory()
	e := New(a, m, fastRetry, opts...)
	ctx := context.Background()
	bs := schemaFor(t, a, "Blog")

	if _, err := m.Create(ctx, bs, blog("b1", "base")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Update(ctx, bs, blog("b1", "remote"), 1, predicate.All()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Save(ctx, blog("b1", "local"), models.InitiatorSyncEngine, predicate.All()); err != nil {
		t.Fatal(err)
	}
	if err := a.DB().SaveMetadata(ctx, models.Metadata{Model: "Blog", ID: "b1", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := e.Outbox().Enqueue(ctx, outbox.Entry{
		Model: "Blog", RecordID: "b1", Type: models.MutationUpdate,
		Item: blog("b1", "local"), Predicate: predicate.All(),
	}); err != nil {
		t.Fatal(err)
	}
	return a, m, e
}

func TestConflict_ApplyRemoteByDefault(t *testing.T) {
	a, m, e := conflictSetup(t)
	ctx := context.Background()
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if name, _ := localName(t, a, "b1"); name != "remote" {
		t.Errorf("local name = %q, want remote", name)
	}
	if name, v, _ := remoteState(m, "b1"); name != "remote" || v != 2 {
		t.Errorf("remote = %q v%d, want untouched", name, v)
	}
	if md, _, _ := a.DB().Metadata(ctx, "Blog", "b1"); md.Version != 2 {
		t.Errorf("local version = %d", md.Version)
	}
	if n, _ := e.Outbox().Len(ctx); n != 0 {
		t.Errorf("outbox len = %d", n)
	}
}

func TestConflict_RetryLocal(t *testing.T) {
	var seen Conflict
	a, m, e := conflictSetup(t, WithConflictHandler(func(_ context.Context, c Conflict) Resolution {
		seen = c
		return RetryLocal()
	}))
	ctx := context.Background()
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if seen.Remote.Metadata.Version != 2 || seen.Local == nil || seen.Entry == nil {
		t.Errorf("handler saw %+v", seen)
	}
	if name, v, _ := remoteState(m, "b1"); name != "local" || v != 3 {
		t.Errorf("remote = %q v%d, want local at v3", name, v)
	}
	if name, _ := localName(t, a, "b1"); name != "local" {
		t.Errorf("local name = %q", name)
	}
	if md, _, _ := a.DB().Metadata(ctx, "Blog", "b1"); md.Version != 3 {
		t.Errorf("local version = %d", md.Version)
	}
}

func TestConflict_RetryWithCustomRecord(t *testing.T) {
	a, m, e := conflictSetup(t, WithConflictHandler(func(context.Context, Conflict) Resolution {
		return Retry(blog("b1", "merged"))
	}))
	if err := e.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if name, v, _ := remoteState(m, "b1"); name != "merged" || v != 3 {
		t.Errorf("remote = %q v%d", name, v)
	}
	if name, _ := localName(t, a, "b1"); name != "merged" {
		t.Errorf("local name = %q", name)
	}
}

func TestConflict_RemoteTombstoneWins(t *testing.T) {
	called := false
	a, m, e := conflictSetup(t, WithConflictHandler(func(context.Context, Conflict) Resolution {
		called = true
		return RetryLocal()
	}))
	ctx := context.Background()
	if _, err := m.Delete(ctx, schemaFor(t, a, "Blog"), "b1", 2, predicate.All()); err != nil {
		t.Fatal(err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("handler consulted for a tombstone")
	}
	if _, ok := localName(t, a, "b1"); ok {
		t.Error("deleted record still stored locally")
	}
	if _, _, deleted := remoteState(m, "b1"); !deleted {
		t.Error("remote tombstone resurrected")
	}
}

func TestDrain_RetriesTransientFailures(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	e := New(a, m, fastRetry)
	ctx := context.Background()
	m.FailNext(errors.New("unavailable"), errors.New("unavailable"))
	if err := e.Outbox().Enqueue(ctx, outbox.Entry{
		Model: "Blog", RecordID: "b1", Type: models.MutationCreate, Item: blog("b1", "x"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if _, v, _ := remoteState(m, "b1"); v != 1 {
		t.Errorf("remote version = %d, want published after retries", v)
	}
}

func TestDrain_DropsRejectedMutation(t *testing.T) {
	a := newAdapter(t)
	e := New(a, remote.NewMemory(), fastRetry)
	ctx := context.Background()
	if err := e.Outbox().Enqueue(ctx, outbox.Entry{
		Model: "Blog", RecordID: "ghost", Type: models.MutationUpdate, Item: blog("ghost", "x"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := e.Outbox().Len(ctx); n != 0 {
		t.Errorf("outbox len = %d, want the rejected entry dropped", n)
	}
}

// resettingRemote wipes the sync state, outbox included, before each
// write reaches the remote, as a schema reload does.
type resettingRemote struct {
	*remote.Memory
	db *store.DB
}

func (r resettingRemote) Create(ctx context.Context, s *schema.ModelSchema, rec *models.Record) (remote.ModelWithMetadata, error) {
	if err := r.db.ResetSyncState(ctx); err != nil {
		return remote.ModelWithMetadata{}, err
	}
	return r.Memory.Create(ctx, s, rec)
}

func (r resettingRemote) Update(ctx context.Context, s *schema.ModelSchema, rec *models.Record, expectedVersion int, p predicate.Predicate) (remote.ModelWithMetadata, error) {
	if err := r.db.ResetSyncState(ctx); err != nil {
		return remote.ModelWithMetadata{}, err
	}
	return r.Memory.Update(ctx, s, rec, expectedVersion, p)
}

func TestDrain_EntryResetWhileInFlight(t *testing.T) {
	for _, tc := range []struct {
		name  string
		entry outbox.Entry
	}{
		{"published", outbox.Entry{Model: "Blog", RecordID: "b1", Type: models.MutationCreate, Item: blog("b1", "x")}},
		{"rejected", outbox.Entry{Model: "Blog", RecordID: "ghost", Type: models.MutationUpdate, Item: blog("ghost", "x")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := newAdapter(t)
			m := remote.NewMemory()
			e := New(a, resettingRemote{Memory: m, db: a.DB()}, fastRetry)
			ctx := context.Background()
			if err := e.Outbox().Enqueue(ctx, tc.entry); err != nil {
				t.Fatal(err)
			}
			if err := e.Drain(ctx); err != nil {
				t.Fatalf("drain = %v, want a vanished entry treated as settled", err)
			}
			if n, _ := e.Outbox().Len(ctx); n != 0 {
				t.Errorf("outbox len = %d", n)
			}
		})
	}
}

func TestDrain_StopsWithContext(t *testing.T) {
	a := newAdapter(t)
	m := remote.NewMemory()
	e := New(a, m, fastRetry)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fail := make([]error, 10000)
	for i := range fail {
		fail[i] = errors.New("down")
	}
	m.FailNext(fail...)
	if err := e.Outbox().Enqueue(context.Background(), outbox.Entry{
		Model: "Blog", RecordID: "b1", Type: models.MutationCreate, Item: blog("b1", "x"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if n, _ := e.Outbox().Len(context.Background()); n != 1 {
		t.Errorf("entry lost on shutdown")
	}
}

func TestMerger_VersionRuleAndPendingGuard(t *testing.T) {
	a := newAdapter(t)
	e := New(a, remote.NewMemory(), fastRetry)
	ctx := context.Background()
	in := func(name string, v int) remote.ModelWithMetadata {
		return remote.ModelWithMetadata{Record: blog("b1", name), Metadata: models.Metadata{Model: "Blog", ID: "b1", Version: v}}
	}

	if got, err := e.Merger().Merge(ctx, in("v2", 2)); err != nil || got != metrics.MergeApplied {
		t.Fatalf("first merge = %s, %v", got, err)
	}
	if got, _ := e.Merger().Merge(ctx, in("v1", 1)); got != metrics.MergeStale {
		t.Errorf("older merge = %s", got)
	}
	if got, _ := e.Merger().Merge(ctx, in("again", 2)); got != metrics.MergeStale {
		t.Errorf("equal merge = %s", got)
	}
	if name, _ := localName(t, a, "b1"); name != "v2" {
		t.Errorf("local = %q", name)
	}

	if err := e.Outbox().Enqueue(ctx, outbox.Entry{
		Model: "Blog", RecordID: "b1", Type: models.MutationUpdate, Item: blog("b1", "mine"),
	}); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.Merger().Merge(ctx, in("v3", 3)); got != metrics.MergeMetadataOnly {
		t.Errorf("merge with pending mutation = %s", got)
	}
	if name, _ := localName(t, a, "b1"); name != "v2" {
		t.Errorf("pending local edit overwritten: %q", name)
	}
	if md, _, _ := a.DB().Metadata(ctx, "Blog", "b1"); md.Version != 3 {
		t.Errorf("metadata version = %d", md.Version)
	}
}

func TestMerger_SkipsOrphans(t *testing.T) {
	a := newAdapter(t)
	e := New(a, remote.NewMemory(), fastRetry)
	ctx := context.Background()
	orphan := remote.ModelWithMetadata{
		Record:   models.NewRecord("Post", "p1", map[string]any{"title": "t", "blog": "missing"}),
		Metadata: models.Metadata{Model: "Post", ID: "p1", Version: 1},
	}
	got, err := e.Merger().Merge(ctx, orphan)
	if err != nil || got != metrics.MergeSkipped {
		t.Fatalf("merge = %s, %v", got, err)
	}
	if _, ok, _ := a.DB().Metadata(ctx, "Post", "p1"); ok {
		t.Error("metadata saved for a skipped record")
	}
}

func TestHydrationOrder(t *testing.T) {
	order := HydrationOrder(testutil.Registry(t).All())
	pos := make(map[string]int, len(order))
	for i, s := range order {
		pos[s.Name] = i
	}
	for _, edge := range [][2]string{
		{"Blog", "Post"}, {"Person", "Post"}, {"Post", "Comment"}, {"Post", "PostTag"}, {"Tag", "PostTag"},
	} {
		if pos[edge[0]] >= pos[edge[1]] {
			t.Errorf("%s hydrated after %s", edge[0], edge[1])
		}
	}
	if len(order) != 6 {
		t.Errorf("order has %d models", len(order))
	}
}
