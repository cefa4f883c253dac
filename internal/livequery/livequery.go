// Package livequery keeps a query result set up to date as records change
// and delivers it to a subscriber in batched snapshots.
package livequery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/notify"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// Lifecycle states.
const (
	StatePriming   = "priming"
	StateStreaming = "streaming"
	StateCancelled = "cancelled"
)

const (
	eventPrimed = "primed"
	eventCancel = "cancel"
)

// Defaults applied to a zero Config.
const (
	DefaultMaxRecords = 1000
	DefaultMaxTime    = 2 * time.Second
)

// Snapshot is the full, sorted result set at one point in time.
type Snapshot struct {
	Items    []*models.Record `json:"items"`
	IsSynced bool             `json:"isSynced"`
}

// Config bounds how changes are batched into snapshots.
type Config struct {
	// MaxRecords flushes as soon as this many changes are pending.
	MaxRecords int `yaml:"max_records"`
	// MaxTime flushes this long after the first pending change.
	MaxTime time.Duration `yaml:"max_time"`
}

func (c Config) withDefaults() Config {
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	if c.MaxTime <= 0 {
		c.MaxTime = DefaultMaxTime
	}
	return c
}

// Source runs the priming query and streams committed changes.
type Source interface {
	Query(ctx context.Context, model string, opts predicate.Options) ([]*models.Record, error)
	Observe(onEvent func(notify.Change), onError func(error), onComplete func()) notify.Cancelable
}

// SyncStatus reports whether a model is considered up to date with the
// remote.
type SyncStatus interface {
	IsSynced(ctx context.Context, model string) (bool, error)
}

// Handlers receive the query's output. OnError and OnComplete may be nil.
type Handlers struct {
	OnSnapshot func(Snapshot)
	OnError    func(error)
	OnComplete func()
}

// Query is one live subscription.
type Query struct {
	src    Source
	schema *schema.ModelSchema
	opts   predicate.Options
	cfg    Config
	status SyncStatus
	h      Handlers
	logger *slog.Logger

	machine   *fsm.FSM
	cancelled atomic.Bool
	items     *itemMap

	// mu orders the priming replay against the streaming path.
	mu       sync.Mutex
	buffered []notify.Change
	sub      notify.Cancelable

	pendMu  sync.Mutex
	pending int
	timer   *time.Timer
	gen     uint64

	emitMu sync.Mutex
}

// New builds a query in the priming state. Pagination in opts is ignored.
func New(src Source, s *schema.ModelSchema, opts predicate.Options, cfg Config, status SyncStatus, h Handlers, logger *slog.Logger) *Query {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Page = nil
	q := &Query{
		src:    src,
		schema: s,
		opts:   opts,
		cfg:    cfg.withDefaults(),
		status: status,
		h:      h,
		logger: logger.With(slog.String("model", s.Name)),
		items:  newItemMap(),
	}
	q.machine = fsm.NewFSM(
		StatePriming,
		fsm.Events{
			{Name: eventPrimed, Src: []string{StatePriming}, Dst: StateStreaming},
			{Name: eventCancel, Src: []string{StatePriming, StateStreaming}, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_" + StateStreaming: func(_ context.Context, _ *fsm.Event) {
				metrics.LiveQueryStarted()
			},
			"leave_" + StateStreaming: func(_ context.Context, _ *fsm.Event) {
				metrics.LiveQueryStopped()
			},
		},
	)
	return q
}

// State returns the current lifecycle state.
func (q *Query) State() string {
	return q.machine.Current()
}

// Start subscribes to changes, runs the priming query, emits the initial
// snapshot and replays whatever changed while priming. A priming failure
// cancels the query.
func (q *Query) Start(ctx context.Context) error {
	sub := q.src.Observe(q.onChange, q.onError, q.onComplete)
	q.mu.Lock()
	q.sub = sub
	q.mu.Unlock()

	records, err := q.src.Query(ctx, q.schema.Name, predicate.Options{Where: q.opts.Where, SortBy: q.opts.SortBy})
	if err != nil {
		q.Cancel()
		return fmt.Errorf("livequery: prime %s: %w", q.schema.Name, err)
	}
	for _, r := range records {
		q.items.put(r)
	}
	q.emit(ctx, metrics.SnapshotInitial)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled.Load() {
		return nil
	}
	for _, c := range q.buffered {
		q.apply(c)
	}
	q.buffered = nil
	if err := q.machine.Event(ctx, eventPrimed); err != nil && !q.cancelled.Load() {
		return fmt.Errorf("livequery: %w", err)
	}
	return nil
}

// Cancel stops the query. It is idempotent; a change delivered after Cancel
// returns is ignored.
func (q *Query) Cancel() {
	if !q.cancelled.CompareAndSwap(false, true) {
		return
	}
	if err := q.machine.Event(context.Background(), eventCancel); err != nil {
		q.logger.Debug("cancel transition", slog.String("error", err.Error()))
	}

	q.mu.Lock()
	sub := q.sub
	q.sub = nil
	q.buffered = nil
	q.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	q.pendMu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.pending = 0
	q.gen++
	q.pendMu.Unlock()

	q.items.clear()
}

func (q *Query) onChange(c notify.Change) {
	if q.cancelled.Load() || c.Model() != q.schema.Name {
		return
	}
	q.mu.Lock()
	if q.machine.Is(StatePriming) {
		q.buffered = append(q.buffered, c)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.apply(c)
}

func (q *Query) onError(err error) {
	if q.cancelled.Load() {
		return
	}
	if q.h.OnError != nil {
		q.h.OnError(err)
	}
}

func (q *Query) onComplete() {
	if q.cancelled.Load() {
		return
	}
	q.flush(metrics.SnapshotTimer, 0)
	if q.h.OnComplete != nil {
		q.h.OnComplete()
	}
}

// apply folds one change into the item map and the pending batch.
func (q *Query) apply(c notify.Change) {
	if q.cancelled.Load() || c.Item == nil {
		return
	}
	switch c.Type {
	case models.MutationDelete:
		q.items.remove(c.Item.ID)
	default:
		if q.matches(c.Item) {
			q.items.put(c.Item)
		} else {
			q.items.remove(c.Item.ID)
		}
	}
	q.collect()
}

func (q *Query) matches(r *models.Record) bool {
	if predicate.IsAll(q.opts.Where) {
		return true
	}
	return q.opts.Where.Evaluate(func(field string) (any, bool) {
		return q.schema.Value(r, field)
	})
}

func (q *Query) collect() {
	q.pendMu.Lock()
	q.pending++
	if q.pending == 1 {
		q.gen++
		gen := q.gen
		q.timer = time.AfterFunc(q.cfg.MaxTime, func() {
			q.flush(metrics.SnapshotTimer, gen)
		})
	}
	full := q.pending >= q.cfg.MaxRecords
	q.pendMu.Unlock()

	if full {
		q.flush(metrics.SnapshotThreshold, 0)
	}
}

// flush emits a snapshot if changes are pending. A non-zero gen only flushes
// the batch whose timer carried that generation.
func (q *Query) flush(reason string, gen uint64) {
	q.pendMu.Lock()
	if q.pending == 0 || (gen != 0 && gen != q.gen) {
		q.pendMu.Unlock()
		return
	}
	q.pending = 0
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.pendMu.Unlock()

	q.emit(context.Background(), reason)
}

func (q *Query) emit(ctx context.Context, reason string) {
	q.emitMu.Lock()
	defer q.emitMu.Unlock()
	if q.cancelled.Load() {
		return
	}

	items := q.items.values()
	if len(q.opts.SortBy) > 0 {
		predicate.Sort(items, q.opts.SortBy, q.schema.Value)
	}

	synced := false
	if q.status != nil {
		var err error
		synced, err = q.status.IsSynced(ctx, q.schema.Name)
		if err != nil {
			q.logger.Warn("sync status unavailable", slog.String("error", err.Error()))
			q.onError(err)
		}
	}

	if q.cancelled.Load() {
		return
	}
	metrics.ObserveSnapshot(q.schema.Name, reason)
	if q.h.OnSnapshot != nil {
		q.h.OnSnapshot(Snapshot{Items: items, IsSynced: synced})
	}
}
