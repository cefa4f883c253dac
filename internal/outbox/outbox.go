// Package outbox is the durable queue of local mutations waiting to be
// published to the remote.
package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/notify"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/store"

	json "github.com/goccy/go-json"
)

// Errors returned by Enqueue when a mutation cannot be merged with the one
// already pending for the same record.
var (
	ErrDuplicateCreate   = errors.New("outbox: a creation is already pending for this record")
	ErrScheduledDeletion = errors.New("outbox: record is already scheduled for deletion")
	ErrUnexpectedOrder   = errors.New("outbox: mutation cannot follow the pending one")
)

// Entry is one pending mutation.
type Entry struct {
	ID        string              `json:"id"`
	Seq       int64               `json:"seq"`
	Model     string              `json:"model"`
	RecordID  string              `json:"recordId"`
	Type      models.MutationType `json:"type"`
	Item      *models.Record      `json:"item"`
	Predicate predicate.Predicate `json:"-"`
	CreatedAt time.Time           `json:"createdAt"`
	InFlight  bool                `json:"inFlight"`
}

// FromChange builds the entry for a committed local change.
func FromChange(c notify.Change) Entry {
	p := c.Predicate
	if p == nil {
		p = predicate.All()
	}
	return Entry{
		Model:     c.Model(),
		RecordID:  c.Item.ID,
		Type:      c.Type,
		Item:      c.Item,
		Predicate: p,
		CreatedAt: c.CommittedAt,
	}
}

// Outbox persists entries in the _drift_outbox table. In-flight marks live
// in memory only: after a restart every entry is pending again.
type Outbox struct {
	conn   *sql.DB
	codec  *store.Codec
	reg    *schema.Registry
	logger *slog.Logger

	mu        sync.Mutex
	inFlight  map[string]bool
	available chan struct{}
}

// New returns an outbox stored in db.
func New(db *store.DB, reg *schema.Registry, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		conn:      db.SQL(),
		codec:     db.Codec(),
		reg:       reg,
		logger:    logger,
		inFlight:  make(map[string]bool),
		available: make(chan struct{}, 1),
	}
}

// Available signals that entries may be waiting.
func (o *Outbox) Available() <-chan struct{} { return o.available }

func (o *Outbox) notify() {
	select {
	case o.available <- struct{}{}:
	default:
	}
}

// Enqueue adds e, merging it with the oldest pending entry for the same
// record:
//
//	pending  incoming  result
//	create   create    ErrDuplicateCreate
//	create   update    pending becomes a create of the new item
//	create   delete    both dropped
//	update   update    pending dropped, incoming appended (conditional: appended)
//	update   delete    pending becomes the delete
//	delete   update    ErrScheduledDeletion
//	delete   delete    pending becomes the new delete
//
// A pending entry that is in flight is never rewritten; e is appended.
func (o *Outbox) Enqueue(ctx context.Context, e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.Predicate == nil {
		e.Predicate = predicate.All()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	existing, err := o.oldestFor(ctx, e.Model, e.RecordID)
	if err != nil {
		return err
	}
	if existing == nil || o.inFlight[existing.ID] {
		return o.append(ctx, e)
	}

	switch e.Type {
	case models.MutationCreate:
		if existing.Type == models.MutationCreate {
			return fmt.Errorf("%w: %s %s", ErrDuplicateCreate, e.Model, e.RecordID)
		}
		return fmt.Errorf("%w: create after %s of %s %s", ErrUnexpectedOrder, existing.Type, e.Model, e.RecordID)

	case models.MutationUpdate:
		switch existing.Type {
		case models.MutationCreate:
			return o.overwrite(ctx, existing.ID, models.MutationCreate, e.Item, predicate.All())
		case models.MutationUpdate:
			if !predicate.IsAll(e.Predicate) {
				return o.append(ctx, e)
			}
			if err := o.delete(ctx, existing.ID); err != nil {
				return err
			}
			return o.append(ctx, e)
		case models.MutationDelete:
			return fmt.Errorf("%w: %s %s", ErrScheduledDeletion, e.Model, e.RecordID)
		}

	case models.MutationDelete:
		switch existing.Type {
		case models.MutationCreate:
			// The record never reached the remote.
			return o.delete(ctx, existing.ID)
		case models.MutationUpdate, models.MutationDelete:
			return o.overwrite(ctx, existing.ID, models.MutationDelete, e.Item, e.Predicate)
		}
	}
	return fmt.Errorf("%w: %s after %s", ErrUnexpectedOrder, e.Type, existing.Type)
}

// Peek returns the oldest entry, or nil when the outbox is empty.
func (o *Outbox) Peek(ctx context.Context) (*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.list(ctx, `ORDER BY seq LIMIT 1`)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// List returns every entry in publication order.
func (o *Outbox) List(ctx context.Context) ([]*Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.list(ctx, `ORDER BY seq`)
}

// MarkInFlight records that the entry is being published.
func (o *Outbox) MarkInFlight(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var one int
	err := o.conn.QueryRowContext(ctx, `SELECT 1 FROM _drift_outbox WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox: mark in flight %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("outbox: mark in flight: %w", err)
	}
	o.inFlight[id] = true
	return nil
}

// Remove deletes a published entry.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, err := o.conn.ExecContext(ctx, `DELETE FROM _drift_outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: remove: %w", err)
	}
	delete(o.inFlight, id)
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: remove %s: %w", id, apperr.ErrNotFound)
	}
	o.refreshDepth(ctx)
	o.notify()
	return nil
}

// HasPending reports whether any entry exists for the record.
func (o *Outbox) HasPending(ctx context.Context, model, recordID string) (bool, error) {
	var one int
	err := o.conn.QueryRowContext(ctx,
		`SELECT 1 FROM _drift_outbox WHERE model = ? AND record_id = ? LIMIT 1`, model, recordID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("outbox: pending lookup: %w", err)
	}
	return true, nil
}

// Len returns the number of entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM _drift_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return n, nil
}

// Reset forgets in-flight marks, as after a restart.
func (o *Outbox) Reset() {
	o.mu.Lock()
	o.inFlight = make(map[string]bool)
	o.mu.Unlock()
	o.notify()
}

func (o *Outbox) append(ctx context.Context, e Entry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("outbox: new id: %w", err)
	}
	payload, pred, err := o.encode(e.Model, e.Type, e.Item, e.Predicate)
	if err != nil {
		return err
	}
	_, err = o.conn.ExecContext(ctx, `
		INSERT INTO _drift_outbox (id, model, record_id, mutation_type, payload, predicate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), e.Model, e.RecordID, string(e.Type), payload, pred, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("outbox: append: %w", err)
	}
	o.logger.Debug("outbox entry added",
		slog.String("model", e.Model), slog.String("record_id", e.RecordID), slog.String("type", string(e.Type)))
	o.refreshDepth(ctx)
	o.notify()
	return nil
}

func (o *Outbox) overwrite(ctx context.Context, id string, t models.MutationType, item *models.Record, p predicate.Predicate) error {
	payload, pred, err := o.encode(item.Model, t, item, p)
	if err != nil {
		return err
	}
	_, err = o.conn.ExecContext(ctx,
		`UPDATE _drift_outbox SET mutation_type = ?, payload = ?, predicate = ? WHERE id = ?`,
		string(t), payload, pred, id)
	if err != nil {
		return fmt.Errorf("outbox: overwrite: %w", err)
	}
	o.notify()
	return nil
}

func (o *Outbox) delete(ctx context.Context, id string) error {
	if _, err := o.conn.ExecContext(ctx, `DELETE FROM _drift_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("outbox: drop entry: %w", err)
	}
	o.refreshDepth(ctx)
	return nil
}

func (o *Outbox) refreshDepth(ctx context.Context) {
	if n, err := o.Len(ctx); err == nil {
		metrics.SetOutboxDepth(n)
	}
}

func (o *Outbox) oldestFor(ctx context.Context, model, recordID string) (*Entry, error) {
	entries, err := o.list(ctx, `WHERE model = ? AND record_id = ? ORDER BY seq LIMIT 1`, model, recordID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (o *Outbox) list(ctx context.Context, tail string, args ...any) ([]*Entry, error) {
	query := `SELECT seq, id, model, record_id, mutation_type, payload, predicate, created_at FROM _drift_outbox ` + tail
	rows, err := o.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &apperr.StorageError{Statement: query, Err: err}
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e       Entry
			typ     string
			payload []byte
			pred    string
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Model, &e.RecordID, &typ, &payload, &pred, &created); err != nil {
			return nil, &apperr.StorageError{Statement: query, Err: err}
		}
		e.Type = models.MutationType(typ)
		e.CreatedAt = time.UnixMilli(created).UTC()
		e.InFlight = o.inFlight[e.ID]
		if e.Item, err = o.decodeItem(e.Model, e.RecordID, e.Type, payload); err != nil {
			return nil, err
		}
		if e.Predicate, err = predicate.Unmarshal([]byte(pred)); err != nil {
			return nil, fmt.Errorf("outbox: entry %s predicate: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// encode serialises the item's column values as snappy-compressed JSON.
// Deletes only carry the primary key.
func (o *Outbox) encode(model string, t models.MutationType, item *models.Record, p predicate.Predicate) ([]byte, string, error) {
	s, err := o.reg.SchemaFor(model)
	if err != nil {
		return nil, "", err
	}
	var cols map[string]any
	if t == models.MutationDelete {
		cols = map[string]any{s.PK(): item.ID}
	} else if cols, err = o.codec.EncodeRecord(s, item); err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(cols)
	if err != nil {
		return nil, "", fmt.Errorf("outbox: encode item: %w", err)
	}
	pred, err := predicate.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("outbox: encode predicate: %w", err)
	}
	return snappy.Encode(nil, raw), string(pred), nil
}

func (o *Outbox) decodeItem(model, id string, t models.MutationType, payload []byte) (*models.Record, error) {
	if t == models.MutationDelete {
		return models.Reference(model, id), nil
	}
	s, err := o.reg.SchemaFor(model)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: decompress %s %s: %w", model, id, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var cols map[string]any
	if err := dec.Decode(&cols); err != nil {
		return nil, fmt.Errorf("outbox: decode %s %s: %w", model, id, err)
	}
	return o.codec.DecodeRecord(s, cols)
}
