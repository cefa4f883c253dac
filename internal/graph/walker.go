// Package graph discovers the records that depend on a given set of records
// by walking hasOne, hasMany and manyToMany relationships breadth first.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// chunkSize bounds the number of OR-ed equality tests per query.
const chunkSize = 400

// IDQuerier returns the primary keys of rows matching a predicate.
type IDQuerier interface {
	QueryIDs(ctx context.Context, s *schema.ModelSchema, p predicate.Predicate) ([]string, error)
}

// Level is the set of descendant ids of one model found at one depth.
type Level struct {
	Schema *schema.ModelSchema
	IDs    []string
}

// Walker finds descendants through the registry's relationships.
type Walker struct {
	reg    *schema.Registry
	q      IDQuerier
	logger *slog.Logger
}

// NewWalker returns a walker. A nil logger uses slog.Default().
func NewWalker(reg *schema.Registry, q IDQuerier, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{reg: reg, q: q, logger: logger}
}

type frontier struct {
	schema *schema.ModelSchema
	ids    []string
}

// DescendantsOf returns every record reachable from ids of root through
// dependent relationships, level by level in discovery order. belongsTo is
// never followed. A record reached twice is reported once.
func (w *Walker) DescendantsOf(ctx context.Context, root *schema.ModelSchema, ids []string) ([]Level, error) {
	seen := map[string]map[string]bool{root.Name: set(ids)}
	queue := []frontier{{schema: root, ids: ids}}
	var out []Level

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(cur.ids) == 0 {
			continue
		}
		for _, rel := range cur.schema.Dependents() {
			childName := rel.Target
			if rel.Kind == schema.ManyToMany {
				childName = rel.Through
			}
			child, err := w.reg.SchemaFor(childName)
			if err != nil {
				w.logger.Warn("graph: skipping relationship with unknown target",
					slog.String("model", cur.schema.Name), slog.String("relationship", rel.Name))
				continue
			}
			back, ok := child.Relationship(rel.AssociatedWith)
			if !ok || back.Kind != schema.BelongsTo {
				w.logger.Warn("graph: skipping relationship without belongsTo back reference",
					slog.String("model", cur.schema.Name), slog.String("relationship", rel.Name))
				continue
			}

			found, err := w.children(ctx, child, schema.ForeignKey(back), cur.ids)
			if err != nil {
				return nil, fmt.Errorf("graph: %s.%s: %w", cur.schema.Name, rel.Name, err)
			}
			if seen[child.Name] == nil {
				seen[child.Name] = make(map[string]bool)
			}
			var fresh []string
			for _, id := range found {
				if !seen[child.Name][id] {
					seen[child.Name][id] = true
					fresh = append(fresh, id)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			out = append(out, Level{Schema: child, IDs: fresh})
			queue = append(queue, frontier{schema: child, ids: fresh})
		}
	}
	return out, nil
}

// children queries child rows whose foreign key equals any parent id, one
// OR group per chunk.
func (w *Walker) children(ctx context.Context, child *schema.ModelSchema, fk string, parents []string) ([]string, error) {
	var out []string
	for start := 0; start < len(parents); start += chunkSize {
		end := min(start+chunkSize, len(parents))
		tests := make([]predicate.Predicate, 0, end-start)
		for _, id := range parents[start:end] {
			tests = append(tests, predicate.Field(fk).Eq(id))
		}
		ids, err := w.q.QueryIDs(ctx, child, predicate.Or(tests...))
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
	}
	return out, nil
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
