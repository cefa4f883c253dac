package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

type stored struct {
	rec  *models.Record
	meta models.Metadata
}

// Memory is an in-process Remote. It backs loopback mode and tests.
type Memory struct {
	mu       sync.Mutex
	data     map[string]map[string]*stored
	subs     map[string]map[int]func(ModelWithMetadata)
	nextSub  int
	failures []error
	now      func() time.Time
}

// NewMemory returns an empty remote.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]*stored),
		subs: make(map[string]map[int]func(ModelWithMetadata)),
		now:  time.Now,
	}
}

// FailNext makes the next len(errs) calls return errs in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// Get returns the remote state of one record.
func (m *Memory) Get(model, id string) (ModelWithMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.data[model][id]
	if !ok {
		return ModelWithMetadata{}, false
	}
	return st.snapshot(), true
}

func (st *stored) snapshot() ModelWithMetadata {
	if st.meta.Deleted {
		return ModelWithMetadata{Record: models.Reference(st.meta.Model, st.meta.ID), Metadata: st.meta}
	}
	return ModelWithMetadata{Record: st.rec.Clone(), Metadata: st.meta}
}

func (m *Memory) failure() error {
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *Memory) table(model string) map[string]*stored {
	t, ok := m.data[model]
	if !ok {
		t = make(map[string]*stored)
		m.data[model] = t
	}
	return t
}

// Create stores r at version 1. Creating an id that exists, even as a
// tombstone, is a conflict.
func (m *Memory) Create(_ context.Context, s *schema.ModelSchema, r *models.Record) (ModelWithMetadata, error) {
	m.mu.Lock()
	if err := m.failure(); err != nil {
		m.mu.Unlock()
		return ModelWithMetadata{}, err
	}
	t := m.table(s.Name)
	if st, ok := t[r.ID]; ok {
		server := st.snapshot()
		m.mu.Unlock()
		return ModelWithMetadata{}, &ConflictError{Server: server, Reason: "record already exists"}
	}
	st := &stored{rec: r.Clone(), meta: models.Metadata{Model: s.Name, ID: r.ID, Version: 1, LastChangedAt: m.now().UTC()}}
	t[r.ID] = st
	out := st.snapshot()
	m.mu.Unlock()

	m.broadcast(out)
	return out, nil
}

// Update replaces r when expectedVersion matches the stored version and p
// holds for the stored record.
func (m *Memory) Update(_ context.Context, s *schema.ModelSchema, r *models.Record, expectedVersion int, p predicate.Predicate) (ModelWithMetadata, error) {
	m.mu.Lock()
	st, err := m.writable(s, r.ID, expectedVersion, p)
	if err != nil {
		m.mu.Unlock()
		return ModelWithMetadata{}, err
	}
	st.rec = r.Clone()
	st.meta.Version++
	st.meta.LastChangedAt = m.now().UTC()
	out := st.snapshot()
	m.mu.Unlock()

	m.broadcast(out)
	return out, nil
}

// Delete tombstones the record under the same rules as Update.
func (m *Memory) Delete(_ context.Context, s *schema.ModelSchema, id string, expectedVersion int, p predicate.Predicate) (ModelWithMetadata, error) {
	m.mu.Lock()
	st, err := m.writable(s, id, expectedVersion, p)
	if err != nil {
		m.mu.Unlock()
		return ModelWithMetadata{}, err
	}
	st.meta.Deleted = true
	st.meta.Version++
	st.meta.LastChangedAt = m.now().UTC()
	out := st.snapshot()
	m.mu.Unlock()

	m.broadcast(out)
	return out, nil
}

// writable returns the stored record if a write asserting expectedVersion
// and p may proceed. Must be called with m.mu held.
func (m *Memory) writable(s *schema.ModelSchema, id string, expectedVersion int, p predicate.Predicate) (*stored, error) {
	if err := m.failure(); err != nil {
		return nil, err
	}
	st, ok := m.data[s.Name][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s does not exist", ErrRejected, s.Name, id)
	}
	switch {
	case st.meta.Deleted:
		return nil, &ConflictError{Server: st.snapshot(), Reason: "record is deleted"}
	case st.meta.Version != expectedVersion:
		return nil, &ConflictError{Server: st.snapshot(),
			Reason: fmt.Sprintf("expected version %d", expectedVersion)}
	case !predicate.IsAll(p) && !p.Evaluate(func(f string) (any, bool) { return s.Value(st.rec, f) }):
		return nil, &ConflictError{Server: st.snapshot(), Reason: "condition did not match"}
	}
	return st, nil
}

// Sync pages through records changed at or after since, oldest first. The
// token is the offset of the next page.
func (m *Memory) Sync(_ context.Context, s *schema.ModelSchema, since time.Time, pageSize int, p predicate.Predicate, nextToken string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(); err != nil {
		return Page{}, err
	}

	offset := 0
	if nextToken != "" {
		n, err := strconv.Atoi(nextToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("%w: bad token %q", ErrRejected, nextToken)
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	var all []ModelWithMetadata
	for _, st := range m.data[s.Name] {
		if !since.IsZero() && st.meta.LastChangedAt.Before(since) {
			continue
		}
		if !st.meta.Deleted && !predicate.IsAll(p) &&
			!p.Evaluate(func(f string) (any, bool) { return s.Value(st.rec, f) }) {
			continue
		}
		all = append(all, st.snapshot())
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Metadata, all[j].Metadata
		if !a.LastChangedAt.Equal(b.LastChangedAt) {
			return a.LastChangedAt.Before(b.LastChangedAt)
		}
		return a.ID < b.ID
	})

	if offset >= len(all) {
		return Page{}, nil
	}
	end := min(offset+pageSize, len(all))
	page := Page{Items: all[offset:end]}
	if end < len(all) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// Subscribe registers fn for model. fn runs on the writer's goroutine after
// the write is committed.
func (m *Memory) Subscribe(model string, fn func(ModelWithMetadata)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	if m.subs[model] == nil {
		m.subs[model] = make(map[int]func(ModelWithMetadata))
	}
	m.subs[model][id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs[model], id)
		m.mu.Unlock()
	}
}

func (m *Memory) broadcast(ev ModelWithMetadata) {
	m.mu.Lock()
	fns := make([]func(ModelWithMetadata), 0, len(m.subs[ev.Metadata.Model]))
	for _, fn := range m.subs[ev.Metadata.Model] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
