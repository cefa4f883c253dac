// Package adapter is the storage orchestrator: it validates and executes
// writes against the record store, expands deletes to their dependents and
// publishes every committed change.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/graph"
	"github.com/starford/drift/internal/livequery"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/notify"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
)

// DefaultWorkers bounds concurrent writes when no option overrides it.
const DefaultWorkers = 4

// Adapter owns the registry, the record store and the change notifier.
type Adapter struct {
	db       *store.DB
	reg      *schema.Registry
	walker   *graph.Walker
	notifier *notify.Notifier
	locks    *mapmutex.Mutex
	logger   *slog.Logger

	workers int64
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	// mu guards terminated and the pool's WaitGroup.
	mu         sync.RWMutex
	terminated bool

	// schemaMu is held exclusively while tables are rebuilt.
	schemaMu sync.RWMutex

	status  livequery.SyncStatus
	liveCfg livequery.Config
	liveMu  sync.Mutex
	live    map[*livequery.Query]struct{}

	now func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithWorkers bounds how many writes run at once.
func WithWorkers(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.workers = int64(n)
		}
	}
}

// WithSyncStatus sets the source of the live query synced flag.
func WithSyncStatus(s livequery.SyncStatus) Option {
	return func(a *Adapter) { a.status = s }
}

// WithLiveQueryConfig sets live query batching.
func WithLiveQueryConfig(cfg livequery.Config) Option {
	return func(a *Adapter) { a.liveCfg = cfg }
}

// New returns an adapter over db. Call Initialize before use.
func New(db *store.DB, reg *schema.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		db:      db,
		reg:     reg,
		logger:  slog.Default(),
		workers: DefaultWorkers,
		live:    make(map[*livequery.Query]struct{}),
		now:     time.Now,
		locks:   mapmutex.NewCustomizedMapMutex(lockRetries, lockMaxDelay, lockBaseDelay, 2, 0.2),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sem = semaphore.NewWeighted(a.workers)
	a.notifier = notify.New(a.logger)
	a.walker = graph.NewWalker(reg, db, a.logger)
	return a
}

// Registry returns the schema registry.
func (a *Adapter) Registry() *schema.Registry { return a.reg }

// DB returns the underlying record store.
func (a *Adapter) DB() *store.DB { return a.db }

// Initialize registers the schemas of src and prepares the tables. When the
// persisted schema version differs from src.Version(), every model table is
// dropped and recreated and sync state is forgotten.
func (a *Adapter) Initialize(ctx context.Context, src schema.Source) error {
	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()

	if err := a.reg.RegisterSource(src); err != nil {
		return fmt.Errorf("adapter: register schemas: %w", err)
	}
	stored, err := a.db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	version := src.Version()
	if stored != "" && stored != version {
		a.logger.Info("schema version changed, rebuilding local tables",
			slog.String("from", stored), slog.String("to", version))
		if err := a.db.DropModelTables(ctx); err != nil {
			return err
		}
		if err := a.db.ResetSyncState(ctx); err != nil {
			return err
		}
	}
	if err := a.db.CreateTables(ctx, a.reg.All()); err != nil {
		return err
	}
	if err := a.db.SetSchemaVersion(ctx, version); err != nil {
		return err
	}
	a.logger.Info("storage initialized",
		slog.String("schema_version", version), slog.Int("models", len(a.reg.Names())))
	return nil
}

// Clear drops and recreates every model table and forgets sync state.
func (a *Adapter) Clear(ctx context.Context) error {
	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()

	if err := a.db.DropModelTables(ctx); err != nil {
		return err
	}
	if err := a.db.ResetSyncState(ctx); err != nil {
		return err
	}
	return a.db.CreateTables(ctx, a.reg.All())
}

// Terminate completes all subscribers, cancels live queries and waits for
// in-flight writes. Later writes fail with apperr.ErrTerminated.
func (a *Adapter) Terminate() {
	a.mu.Lock()
	if a.terminated {
		a.mu.Unlock()
		return
	}
	a.terminated = true
	a.mu.Unlock()

	a.wg.Wait()

	a.liveMu.Lock()
	for q := range a.live {
		q.Cancel()
	}
	a.live = make(map[*livequery.Query]struct{})
	a.liveMu.Unlock()

	a.notifier.Close()
}

// Observe subscribes to every committed change.
func (a *Adapter) Observe(onEvent func(notify.Change), onError func(error), onComplete func()) notify.Cancelable {
	return a.notifier.Observe(onEvent, onError, onComplete)
}

// SubscriberCount returns the number of change subscribers.
func (a *Adapter) SubscriberCount() int {
	return a.notifier.SubscriberCount()
}

// ObserveQuery starts a live query over model. The first snapshot is
// delivered before ObserveQuery returns.
func (a *Adapter) ObserveQuery(ctx context.Context, model string, opts predicate.Options, h livequery.Handlers) (*livequery.Query, error) {
	s, err := a.reg.SchemaFor(model)
	if err != nil {
		return nil, err
	}
	q := livequery.New(a, s, opts, a.liveCfg, a.status, h, a.logger)

	a.liveMu.Lock()
	for other := range a.live {
		if other.State() == livequery.StateCancelled {
			delete(a.live, other)
		}
	}
	a.live[q] = struct{}{}
	a.liveMu.Unlock()

	if err := q.Start(ctx); err != nil {
		a.liveMu.Lock()
		delete(a.live, q)
		a.liveMu.Unlock()
		return nil, err
	}
	return q, nil
}

// Query returns the records of model matching opts.
func (a *Adapter) Query(ctx context.Context, model string, opts predicate.Options) ([]*models.Record, error) {
	s, err := a.reg.SchemaFor(model)
	if err != nil {
		return nil, err
	}
	a.schemaMu.RLock()
	defer a.schemaMu.RUnlock()

	cur, err := a.db.Query(ctx, s, opts)
	if err != nil {
		return nil, err
	}
	return cur.All()
}

// Get returns one record or an error wrapping apperr.ErrNotFound.
func (a *Adapter) Get(ctx context.Context, model, id string) (*models.Record, error) {
	s, err := a.reg.SchemaFor(model)
	if err != nil {
		return nil, err
	}
	a.schemaMu.RLock()
	defer a.schemaMu.RUnlock()

	r, err := a.db.Get(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("adapter: %s %s: %w", model, id, apperr.ErrNotFound)
	}
	return r, nil
}

// submit runs fn on the bounded pool and blocks until it returns.
func (a *Adapter) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	a.mu.RLock()
	if a.terminated {
		a.mu.RUnlock()
		return apperr.ErrTerminated
	}
	a.wg.Add(1)
	a.mu.RUnlock()

	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.wg.Done()
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer a.wg.Done()
		defer a.sem.Release(1)
		a.schemaMu.RLock()
		defer a.schemaMu.RUnlock()
		done <- fn(ctx)
	}()
	return <-done
}

// A writer waits for a held record key with exponential backoff from 1µs
// to 20ms, about one second in total, before giving up with a conflict.
const (
	lockRetries   = 60
	lockBaseDelay = float64(time.Microsecond)
	lockMaxDelay  = float64(20 * time.Millisecond)
)

func (a *Adapter) lock(model, id string) (func(), error) {
	key := model + "|" + id
	if !a.locks.TryLock(key) {
		return nil, &apperr.ConflictError{Model: model, ID: id, Reason: "record is busy"}
	}
	return func() { a.locks.Unlock(key) }, nil
}

func (a *Adapter) newChange(s *schema.ModelSchema, t models.MutationType, initiator models.Initiator, p predicate.Predicate, item, patch *models.Record) *notify.Change {
	if p == nil {
		p = predicate.All()
	}
	return &notify.Change{
		ID:          uuid.NewString(),
		Schema:      s,
		Type:        t,
		Initiator:   initiator,
		Predicate:   p,
		Item:        item,
		Patch:       patch,
		CommittedAt: a.now().UTC(),
	}
}

func (a *Adapter) publish(c *notify.Change) {
	if err := a.notifier.Publish(*c); err != nil {
		a.logger.Warn("change not published",
			slog.String("model", c.Model()), slog.String("id", c.Item.ID), slog.String("error", err.Error()))
	}
}
