// Package reconcile keeps local storage and the remote dataset converged:
// local mutations are queued in the outbox and published in order, remote
// changes are merged under the version rule, and conflicts are settled by a
// ConflictHandler.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/notify"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/remote"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
)

// Config tunes the engine. Zero values take the defaults below.
type Config struct {
	// FullSyncInterval is how old the last sync of a model may be before
	// hydration downloads the whole model again instead of a delta.
	FullSyncInterval time.Duration
	PageSize         int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	// RetryMaxElapsed bounds retries of one remote call; zero retries until
	// the engine stops.
	RetryMaxElapsed time.Duration
	// InboundBuffer is the number of remote events held while hydrating.
	InboundBuffer int
	// SyncPredicates restricts what is downloaded per model.
	SyncPredicates map[string]predicate.Predicate
}

const (
	DefaultFullSyncInterval = 24 * time.Hour
	DefaultPageSize         = 1000
	DefaultRetryInitial     = 500 * time.Millisecond
	DefaultRetryMax         = 30 * time.Second
	DefaultInboundBuffer    = 1024

	maxConflictRounds = 3
)

func (c Config) withDefaults() Config {
	if c.FullSyncInterval <= 0 {
		c.FullSyncInterval = DefaultFullSyncInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = DefaultInboundBuffer
	}
	return c
}

// Engine runs the reconciliation loops for one adapter.
type Engine struct {
	adapter   *adapter.Adapter
	db        *store.DB
	reg       *schema.Registry
	remote    remote.Remote
	outbox    *outbox.Outbox
	merger    *Merger
	conflicts ConflictHandler
	cfg       Config
	logger    *slog.Logger

	inbound chan remote.ModelWithMetadata
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithConflictHandler(h ConflictHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.conflicts = h
		}
	}
}

// New returns an engine reconciling a against r.
func New(a *adapter.Adapter, r remote.Remote, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		adapter:   a,
		db:        a.DB(),
		reg:       a.Registry(),
		remote:    r,
		conflicts: AlwaysApplyRemote,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "reconcile"))
	e.outbox = outbox.New(e.db, e.reg, e.logger)
	e.merger = NewMerger(a, e.outbox, e.logger)
	e.inbound = make(chan remote.ModelWithMetadata, e.cfg.InboundBuffer)
	return e
}

// Outbox exposes the pending mutation queue.
func (e *Engine) Outbox() *outbox.Outbox { return e.outbox }

// Merger exposes the remote record merger.
func (e *Engine) Merger() *Merger { return e.merger }

// Run starts reconciliation and blocks until ctx is done. Local changes are
// queued from the moment Run is called; remote events received during
// hydration are merged once it completes.
func (e *Engine) Run(ctx context.Context) error {
	e.outbox.Reset()

	local := e.adapter.Observe(func(c notify.Change) { e.onLocalChange(ctx, c) },
		func(err error) { e.logger.Error("change observer failed", slog.Any("error", err)) }, nil)
	defer local.Cancel()

	for _, s := range e.reg.All() {
		cancel := e.remote.Subscribe(s.Name, func(ev remote.ModelWithMetadata) {
			select {
			case e.inbound <- ev:
			case <-ctx.Done():
			}
		})
		defer cancel()
	}

	if err := e.Hydrate(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.mergeLoop(gctx) })
	g.Go(func() error { return e.processLoop(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) onLocalChange(ctx context.Context, c notify.Change) {
	if c.Initiator != models.InitiatorLocalAPI {
		return
	}
	if err := e.outbox.Enqueue(ctx, outbox.FromChange(c)); err != nil {
		e.logger.Error("cannot queue local mutation",
			slog.String("model", c.Model()), slog.String("id", c.Item.ID),
			slog.String("type", string(c.Type)), slog.Any("error", err))
	}
}

func (e *Engine) mergeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.inbound:
			err := e.retry(ctx, func() error {
				_, err := e.merger.Merge(ctx, ev)
				if err != nil && !errors.Is(err, apperr.ErrConflict) {
					return backoff.Permanent(err)
				}
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("cannot merge remote event",
					slog.String("model", ev.Metadata.Model), slog.String("id", ev.Metadata.ID), slog.Any("error", err))
			}
		}
	}
}

func (e *Engine) processLoop(ctx context.Context) error {
	for {
		if err := e.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.outbox.Available():
		}
	}
}

// Drain publishes queued mutations, oldest first, until the outbox is
// empty.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		entry, err := e.outbox.Peek(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		if err := e.process(ctx, entry); err != nil {
			return err
		}
	}
}

// process publishes one entry. Only a stopped context is returned as an
// error; an entry that cannot be published is logged and dropped.
func (e *Engine) process(ctx context.Context, entry *outbox.Entry) error {
	if err := e.outbox.MarkInFlight(ctx, entry.ID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	log := e.logger.With(slog.String("model", entry.Model), slog.String("id", entry.RecordID),
		slog.String("type", string(entry.Type)))

	s, err := e.reg.SchemaFor(entry.Model)
	if err != nil {
		log.Error("dropping mutation of unregistered model", slog.Any("error", err))
		return e.settle(ctx, entry)
	}

	var res remote.ModelWithMetadata
	err = e.retry(ctx, func() error {
		var err error
		res, err = e.publish(ctx, s, entry)
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, remote.ErrRejected) {
			return backoff.Permanent(err)
		}
		if err != nil {
			metrics.ObservePublish(entry.Model, metrics.ResultRetry)
		}
		return err
	})

	var conflict *remote.ConflictError
	switch {
	case err == nil:
		metrics.ObservePublish(entry.Model, metrics.ResultSuccess)
		if err := e.settle(ctx, entry); err != nil {
			return err
		}
		if _, err := e.merger.Merge(ctx, res); err != nil {
			log.Error("cannot merge published record", slog.Any("error", err))
		}
		return nil
	case errors.As(err, &conflict):
		metrics.ObservePublish(entry.Model, metrics.ResultConflict)
		return e.resolve(ctx, s, entry, conflict.Server)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		metrics.ObservePublish(entry.Model, metrics.ResultFailed)
		log.Error("dropping mutation the remote refused", slog.Any("error", err))
		return e.settle(ctx, entry)
	}
}

// settle removes a handled entry. An entry that is already gone, because a
// schema reload reset the sync state while it was in flight, counts as
// settled.
func (e *Engine) settle(ctx context.Context, entry *outbox.Entry) error {
	err := e.outbox.Remove(ctx, entry.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		e.logger.Debug("outbox entry already removed",
			slog.String("model", entry.Model), slog.String("id", entry.RecordID), slog.String("entry", entry.ID))
		return nil
	}
	return err
}

// publish sends entry to the remote, asserting the last version merged
// locally.
func (e *Engine) publish(ctx context.Context, s *schema.ModelSchema, entry *outbox.Entry) (remote.ModelWithMetadata, error) {
	md, _, err := e.db.Metadata(ctx, s.Name, entry.RecordID)
	if err != nil {
		return remote.ModelWithMetadata{}, err
	}
	switch entry.Type {
	case models.MutationCreate:
		return e.remote.Create(ctx, s, entry.Item)
	case models.MutationUpdate:
		return e.remote.Update(ctx, s, entry.Item, md.Version, entry.Predicate)
	default:
		return e.remote.Delete(ctx, s, entry.RecordID, md.Version, entry.Predicate)
	}
}

// resolve settles a conflict on entry. A remote tombstone is always
// applied; otherwise the ConflictHandler decides, and a retried mutation
// that conflicts again is decided again up to maxConflictRounds times
// before the remote record is taken.
func (e *Engine) resolve(ctx context.Context, s *schema.ModelSchema, entry *outbox.Entry, server remote.ModelWithMetadata) error {
	for round := 0; ; round++ {
		res := ApplyRemote()
		if !server.Metadata.Deleted && round < maxConflictRounds {
			local, err := e.db.Get(ctx, s, entry.RecordID)
			if err != nil {
				return err
			}
			res = e.conflicts(ctx, Conflict{Entry: entry, Local: local, Remote: server})
		}
		e.logger.Info("resolving conflict",
			slog.String("model", s.Name), slog.String("id", entry.RecordID),
			slog.Int("remote_version", server.Metadata.Version), slog.Bool("remote_deleted", server.Metadata.Deleted),
			slog.String("resolution", res.Kind.String()))

		if res.Kind == ResolveApplyRemote {
			if err := e.settle(ctx, entry); err != nil {
				return err
			}
			_, err := e.merger.mergeResolved(ctx, server)
			return err
		}

		var (
			out remote.ModelWithMetadata
			err error
		)
		switch {
		case res.Kind == ResolveRetry && res.Record != nil:
			out, err = e.remote.Update(ctx, s, res.Record, server.Metadata.Version, predicate.All())
		case entry.Type == models.MutationDelete:
			out, err = e.remote.Delete(ctx, s, entry.RecordID, server.Metadata.Version, entry.Predicate)
		default:
			out, err = e.remote.Update(ctx, s, entry.Item, server.Metadata.Version, entry.Predicate)
		}
		var again *remote.ConflictError
		if errors.As(err, &again) {
			server = again.Server
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("dropping mutation after failed conflict retry",
				slog.String("model", s.Name), slog.String("id", entry.RecordID), slog.Any("error", err))
			return e.settle(ctx, entry)
		}
		if err := e.settle(ctx, entry); err != nil {
			return err
		}
		_, err = e.merger.Merge(ctx, out)
		return err
	}
}

// Hydrate downloads every model, parents before children. A model whose
// last sync is within FullSyncInterval gets a delta sync, the rest a base
// sync.
func (e *Engine) Hydrate(ctx context.Context) error {
	for _, s := range HydrationOrder(e.reg.All()) {
		if err := e.hydrate(ctx, s); err != nil {
			return fmt.Errorf("hydrate %s: %w", s.Name, err)
		}
	}
	return nil
}

func (e *Engine) hydrate(ctx context.Context, s *schema.ModelSchema) error {
	start := e.now().UTC()
	last, ok, err := e.db.LastSync(ctx, s.Name)
	if err != nil {
		return err
	}
	syncType, since := models.SyncBase, time.Time{}
	if ok && start.Sub(last.SyncedAt) < e.cfg.FullSyncInterval {
		syncType, since = models.SyncDelta, last.SyncedAt
	}
	p := e.cfg.SyncPredicates[s.Name]
	if p == nil {
		p = predicate.All()
	}

	token, merged := "", 0
	for {
		var page remote.Page
		err := e.retry(ctx, func() error {
			var err error
			page, err = e.remote.Sync(ctx, s, since, e.cfg.PageSize, p, token)
			if errors.Is(err, remote.ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		})
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if _, err := e.merger.Merge(ctx, item); err != nil {
				return err
			}
		}
		merged += len(page.Items)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	e.logger.Info("model synced", slog.String("model", s.Name),
		slog.String("type", string(syncType)), slog.Int("records", merged))
	return e.db.SetLastSync(ctx, models.LastSync{Model: s.Name, Type: syncType, SyncedAt: start})
}

// HydrationOrder sorts schemas so that every belongs-to target precedes the
// models pointing at it. Models on a belongs-to cycle keep registration
// order relative to each other.
func HydrationOrder(all []*schema.ModelSchema) []*schema.ModelSchema {
	byName := make(map[string]*schema.ModelSchema, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	seen := make(map[string]bool, len(all))
	out := make([]*schema.ModelSchema, 0, len(all))

	var visit func(s *schema.ModelSchema)
	visit = func(s *schema.ModelSchema) {
		if seen[s.Name] {
			return
		}
		seen[s.Name] = true
		for _, rel := range s.BelongsTo() {
			if parent, ok := byName[rel.Target]; ok {
				visit(parent)
			}
		}
		out = append(out, s)
	}
	for _, s := range all {
		visit(s)
	}
	return out
}

func (e *Engine) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax
	b.MaxElapsedTime = e.cfg.RetryMaxElapsed
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		e.logger.Warn("remote call failed, retrying", slog.Duration("in", next), slog.Any("error", err))
	})
}
