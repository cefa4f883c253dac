// Package service is the record façade shared by the REST API and the MCP
// server: it parses JSON inputs into records and predicates and shapes
// results for output.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// RecordView is the output form of a record. Belongs-to values are
// flattened to the referenced id.
type RecordView struct {
	Model   string         `json:"model"`
	ID      string         `json:"id"`
	Fields  map[string]any `json:"fields"`
	Version int            `json:"version,omitempty"`
}

// ModelInfo describes one registered model.
type ModelInfo struct {
	Name          string                `json:"name"`
	PrimaryKey    string                `json:"primaryKey"`
	Fields        []schema.Field        `json:"fields"`
	Relationships []schema.Relationship `json:"relationships"`
}

// OutboxItem summarizes one pending mutation.
type OutboxItem struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	RecordID  string    `json:"recordId"`
	Type      string    `json:"type"`
	InFlight  bool      `json:"inFlight"`
	CreatedAt time.Time `json:"createdAt"`
}

// OutboxStatus is the state of the mutation queue.
type OutboxStatus struct {
	Enabled bool         `json:"enabled"`
	Pending int          `json:"pending"`
	Entries []OutboxItem `json:"entries"`
}

// QueryParams are the inputs of a record listing.
type QueryParams struct {
	// Filter is a predicate in its JSON form; empty matches everything.
	Filter []byte
	// Sort is a comma separated field list; a leading '-' sorts descending.
	Sort   string
	Limit  int
	Offset int
}

// Service coordinates the storage adapter and, when sync runs, the outbox.
type Service struct {
	adapter *adapter.Adapter
	outbox  *outbox.Outbox
}

// New returns a service. ob is nil when sync is disabled.
func New(a *adapter.Adapter, ob *outbox.Outbox) *Service {
	return &Service{adapter: a, outbox: ob}
}

// ListModels returns every registered model sorted by name.
func (s *Service) ListModels(_ context.Context) []ModelInfo {
	all := s.adapter.Registry().All()
	out := make([]ModelInfo, 0, len(all))
	for _, m := range all {
		out = append(out, ModelInfo{
			Name:          m.Name,
			PrimaryKey:    m.PK(),
			Fields:        nonNilSlice(m.Fields),
			Relationships: nonNilSlice(m.Relationships),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// QueryRecords lists records of model.
func (s *Service) QueryRecords(ctx context.Context, model string, q QueryParams) ([]RecordView, error) {
	where, err := predicate.Unmarshal(q.Filter)
	if err != nil {
		return nil, apperr.Validationf("filter: %v", err)
	}
	opts := predicate.Options{Where: where, SortBy: ParseSort(q.Sort)}
	if q.Limit > 0 {
		if q.Offset%q.Limit != 0 {
			return nil, apperr.Validationf("offset %d is not a multiple of limit %d", q.Offset, q.Limit)
		}
		opts.Page = &predicate.Page{Number: q.Offset / q.Limit, Limit: q.Limit}
	}
	records, err := s.adapter.Query(ctx, model, opts)
	if err != nil {
		return nil, err
	}
	out := make([]RecordView, 0, len(records))
	for _, r := range records {
		v, err := s.view(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetRecord returns one record or apperr.ErrNotFound.
func (s *Service) GetRecord(ctx context.Context, model, id string) (*RecordView, error) {
	r, err := s.adapter.Get(ctx, model, id)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SaveRecord creates or replaces a record. condition, when set, is a
// predicate in JSON form that must hold for the stored record. It returns
// the stored record and whether it was created.
func (s *Service) SaveRecord(ctx context.Context, model, id string, fields map[string]any, condition []byte) (*RecordView, bool, error) {
	if id == "" {
		return nil, false, apperr.Validationf("id is required")
	}
	p, err := predicate.Unmarshal(condition)
	if err != nil {
		return nil, false, apperr.Validationf("condition: %v", err)
	}
	change, err := s.adapter.Save(ctx, models.NewRecord(model, id, fields), models.InitiatorLocalAPI, p)
	if err != nil {
		return nil, false, err
	}
	v, err := s.GetRecord(ctx, model, id)
	if err != nil {
		return nil, false, err
	}
	return v, change.Type == models.MutationCreate, nil
}

// DeleteRecord deletes a record and its dependents. Deleting a record that
// is not stored succeeds without effect.
func (s *Service) DeleteRecord(ctx context.Context, model, id string, condition []byte) error {
	p, err := predicate.Unmarshal(condition)
	if err != nil {
		return apperr.Validationf("condition: %v", err)
	}
	_, err = s.adapter.Delete(ctx, models.Reference(model, id), models.InitiatorLocalAPI, p)
	return err
}

// DeleteWhere deletes every record of model matching filter, with their
// dependents, and returns how many matched.
func (s *Service) DeleteWhere(ctx context.Context, model string, filter []byte) (int, error) {
	p, err := predicate.Unmarshal(filter)
	if err != nil {
		return 0, apperr.Validationf("filter: %v", err)
	}
	changes, err := s.adapter.DeleteWhere(ctx, model, models.InitiatorLocalAPI, p)
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

// Outbox reports the pending mutations.
func (s *Service) Outbox(ctx context.Context) (*OutboxStatus, error) {
	if s.outbox == nil {
		return &OutboxStatus{Entries: []OutboxItem{}}, nil
	}
	entries, err := s.outbox.List(ctx)
	if err != nil {
		return nil, err
	}
	st := &OutboxStatus{Enabled: true, Pending: len(entries), Entries: make([]OutboxItem, 0, len(entries))}
	for _, e := range entries {
		st.Entries = append(st.Entries, OutboxItem{
			ID:        e.ID,
			Model:     e.Model,
			RecordID:  e.RecordID,
			Type:      string(e.Type),
			InFlight:  e.InFlight,
			CreatedAt: e.CreatedAt,
		})
	}
	return st, nil
}

// ParseSort turns "name,-rating" into sort orders.
func ParseSort(spec string) []predicate.SortOrder {
	var out []predicate.SortOrder
	for _, f := range strings.Split(spec, ",") {
		f = strings.TrimSpace(f)
		switch {
		case f == "" || f == "-":
		case strings.HasPrefix(f, "-"):
			out = append(out, predicate.Desc(f[1:]))
		default:
			out = append(out, predicate.Asc(f))
		}
	}
	return out
}

func (s *Service) view(ctx context.Context, r *models.Record) (RecordView, error) {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		if ref, ok := v.(*models.Record); ok {
			if ref == nil {
				fields[k] = nil
			} else {
				fields[k] = ref.ID
			}
			continue
		}
		fields[k] = v
	}
	v := RecordView{Model: r.Model, ID: r.ID, Fields: fields}
	md, ok, err := s.adapter.DB().Metadata(ctx, r.Model, r.ID)
	if err != nil {
		return RecordView{}, fmt.Errorf("service: metadata of %s %s: %w", r.Model, r.ID, err)
	}
	if ok {
		v.Version = md.Version
	}
	return v, nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
