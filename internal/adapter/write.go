package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/graph"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/notify"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"
)

// Save creates item, or replaces it when a record with the same primary key
// exists. A predicate other than match-all gates updates: it must hold for
// the stored record or the save fails with a ConflictError. On an insert a
// gating predicate is a validation error.
//
// The returned change is the one published to observers. For updates
// requested through the local API its Patch holds only the changed fields.
func (a *Adapter) Save(ctx context.Context, item *models.Record, initiator models.Initiator, p predicate.Predicate) (*notify.Change, error) {
	if item == nil {
		return nil, apperr.Validationf("save: nil record")
	}
	s, err := a.reg.SchemaFor(item.Model)
	if err != nil {
		return nil, err
	}
	item = item.Clone()

	var change *notify.Change
	start := time.Now()
	err = a.submit(ctx, func(ctx context.Context) error {
		unlock, err := a.lock(s.Name, item.ID)
		if err != nil {
			return err
		}
		defer unlock()

		existing, err := a.db.Get(ctx, s, item.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			if !predicate.IsAll(p) {
				return apperr.Validationf("%s %s does not exist; conditions only apply to updates", s.Name, item.ID)
			}
			if err := a.db.Insert(ctx, s, item); err != nil {
				return err
			}
			change = a.newChange(s, models.MutationCreate, initiator, p, item, item)
			a.publish(change)
			return nil
		}

		if err := a.checkCondition(ctx, s, item.ID, p); err != nil {
			return err
		}
		patch := item
		if initiator == models.InitiatorLocalAPI {
			if patch, err = a.db.Codec().Difference(s, item, existing); err != nil {
				return err
			}
		}
		if err := a.db.Update(ctx, s, item); err != nil {
			return err
		}
		change = a.newChange(s, models.MutationUpdate, initiator, p, item, patch)
		a.publish(change)
		return nil
	})
	metrics.ObserveWriteDuration("save", time.Since(start))
	if err != nil {
		a.observeError(s.Name, err)
		return nil, err
	}
	metrics.ObserveWrite(s.Name, string(change.Type), string(initiator))
	return change, nil
}

// Delete removes item and everything that depends on it. Deleting a record
// that is not stored succeeds without publishing anything. Dependents are
// published first, each with a match-all predicate, then the item itself.
func (a *Adapter) Delete(ctx context.Context, item *models.Record, initiator models.Initiator, p predicate.Predicate) (*notify.Change, error) {
	if item == nil {
		return nil, apperr.Validationf("delete: nil record")
	}
	s, err := a.reg.SchemaFor(item.Model)
	if err != nil {
		return nil, err
	}

	var change *notify.Change
	start := time.Now()
	err = a.submit(ctx, func(ctx context.Context) error {
		unlock, err := a.lock(s.Name, item.ID)
		if err != nil {
			return err
		}
		defer unlock()

		existing, err := a.db.Get(ctx, s, item.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			change = a.newChange(s, models.MutationDelete, initiator, p, item.Clone(), item.Clone())
			return nil
		}
		if err := a.checkCondition(ctx, s, item.ID, p); err != nil {
			return err
		}

		levels, err := a.walker.DescendantsOf(ctx, s, []string{item.ID})
		if err != nil {
			return err
		}
		if _, err := a.db.DeleteCascade(ctx, s, predicate.Field(s.PK()).Eq(item.ID), rowSets(levels)); err != nil {
			return err
		}

		n := a.publishDescendants(levels, initiator)
		metrics.ObserveCascade(n)
		change = a.newChange(s, models.MutationDelete, initiator, p, existing, existing)
		a.publish(change)
		return nil
	})
	metrics.ObserveWriteDuration("delete", time.Since(start))
	if err != nil {
		a.observeError(s.Name, err)
		return nil, err
	}
	metrics.ObserveWrite(s.Name, string(models.MutationDelete), string(initiator))
	return change, nil
}

// DeleteWhere removes every record of model matching p, together with their
// dependents, in one transaction. It returns the published changes of the
// matched records; dependents are published before them.
func (a *Adapter) DeleteWhere(ctx context.Context, model string, initiator models.Initiator, p predicate.Predicate) ([]*notify.Change, error) {
	s, err := a.reg.SchemaFor(model)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = predicate.All()
	}

	var changes []*notify.Change
	start := time.Now()
	err = a.submit(ctx, func(ctx context.Context) error {
		cur, err := a.db.Query(ctx, s, predicate.Options{Where: p})
		if err != nil {
			return err
		}
		matched, err := cur.All()
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			return nil
		}
		ids := make([]string, len(matched))
		for i, r := range matched {
			ids[i] = r.ID
		}

		levels, err := a.walker.DescendantsOf(ctx, s, ids)
		if err != nil {
			return err
		}
		if _, err := a.db.DeleteCascade(ctx, s, p, rowSets(levels)); err != nil {
			return err
		}

		n := a.publishDescendants(levels, initiator)
		metrics.ObserveCascade(n)
		for _, r := range matched {
			c := a.newChange(s, models.MutationDelete, initiator, p, r, r)
			a.publish(c)
			changes = append(changes, c)
		}
		return nil
	})
	metrics.ObserveWriteDuration("delete_where", time.Since(start))
	if err != nil {
		a.observeError(s.Name, err)
		return nil, err
	}
	for range changes {
		metrics.ObserveWrite(s.Name, string(models.MutationDelete), string(initiator))
	}
	a.logger.Debug("bulk delete", slog.String("model", s.Name), slog.Int("deleted", len(changes)))
	return changes, nil
}

func (a *Adapter) checkCondition(ctx context.Context, s *schema.ModelSchema, id string, p predicate.Predicate) error {
	if predicate.IsAll(p) {
		return nil
	}
	ok, err := a.db.Exists(ctx, s, id, p)
	if err != nil {
		return err
	}
	if !ok {
		return &apperr.ConflictError{Model: s.Name, ID: id, Reason: "condition did not match existing instance"}
	}
	return nil
}

func (a *Adapter) publishDescendants(levels []graph.Level, initiator models.Initiator) int {
	n := 0
	for _, l := range levels {
		for _, id := range l.IDs {
			ref := models.Reference(l.Schema.Name, id)
			a.publish(a.newChange(l.Schema, models.MutationDelete, initiator, predicate.All(), ref, ref))
			n++
		}
	}
	return n
}

func (a *Adapter) observeError(model string, err error) {
	kind := "storage"
	switch {
	case errors.Is(err, apperr.ErrConflict):
		kind = "conflict"
	case errors.Is(err, apperr.ErrValidation):
		kind = "validation"
	case errors.Is(err, apperr.ErrUnsupportedType):
		kind = "unsupported_type"
	case errors.Is(err, apperr.ErrTerminated):
		kind = "terminated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = "canceled"
	}
	metrics.ObserveWriteError(model, kind)
}

func rowSets(levels []graph.Level) []store.RowSet {
	out := make([]store.RowSet, len(levels))
	for i, l := range levels {
		out[i] = store.RowSet{Schema: l.Schema, IDs: l.IDs}
	}
	return out
}
