package store

import (
	"fmt"
	"strings"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

var comparison = map[predicate.Op]string{
	predicate.OpEq: "=",
	predicate.OpNe: "!=",
	predicate.OpLt: "<",
	predicate.OpLe: "<=",
	predicate.OpGt: ">",
	predicate.OpGe: ">=",
}

// whereClause compiles p into a parameterised SQL condition over the
// columns of s qualified by alias.
type whereClause struct {
	codec *Codec
	s     *schema.ModelSchema
	alias string
	args  []any
}

func (c *Codec) compileWhere(s *schema.ModelSchema, alias string, p predicate.Predicate) (string, []any, error) {
	w := &whereClause{codec: c, s: s, alias: alias}
	sql, err := w.node(p)
	if err != nil {
		return "", nil, err
	}
	return sql, w.args, nil
}

func (w *whereClause) node(p predicate.Predicate) (string, error) {
	if predicate.IsAll(p) {
		return "1 = 1", nil
	}
	switch n := p.(type) {
	case predicate.Operation:
		return w.operation(n)
	case predicate.Group:
		return w.group(n)
	}
	return "", apperr.Validationf("unsupported predicate %T", p)
}

func (w *whereClause) group(g predicate.Group) (string, error) {
	if g.Type == predicate.GroupNot {
		if len(g.Predicates) != 1 {
			return "", apperr.Validationf("not group needs exactly one child")
		}
		inner, err := w.node(g.Predicates[0])
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	}
	if len(g.Predicates) == 0 {
		if g.Type == predicate.GroupAnd {
			return "1 = 1", nil
		}
		return "1 = 0", nil
	}
	joiner := " AND "
	if g.Type == predicate.GroupOr {
		joiner = " OR "
	}
	parts := make([]string, 0, len(g.Predicates))
	for _, c := range g.Predicates {
		s, err := w.node(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (w *whereClause) operation(o predicate.Operation) (string, error) {
	col, encode, err := w.resolve(o.Field)
	if err != nil {
		return "", err
	}

	switch o.Op {
	case predicate.OpContains, predicate.OpNotContains:
		w.args = append(w.args, fmt.Sprint(o.Value))
		if o.Op == predicate.OpContains {
			return fmt.Sprintf("instr(%s, ?) > 0", col), nil
		}
		return fmt.Sprintf("instr(%s, ?) = 0", col), nil
	case predicate.OpBeginsWith:
		s := fmt.Sprint(o.Value)
		w.args = append(w.args, s, s)
		return fmt.Sprintf("substr(%s, 1, length(?)) = ?", col), nil
	case predicate.OpBetween:
		lo, err := encode(o.Value)
		if err != nil {
			return "", err
		}
		hi, err := encode(o.Upper)
		if err != nil {
			return "", err
		}
		w.args = append(w.args, lo, hi)
		return fmt.Sprintf("%s BETWEEN ? AND ?", col), nil
	}

	op, ok := comparison[o.Op]
	if !ok {
		return "", apperr.Validationf("unknown operator %q", o.Op)
	}
	if o.Value == nil {
		switch o.Op {
		case predicate.OpEq:
			return col + " IS NULL", nil
		case predicate.OpNe:
			return col + " IS NOT NULL", nil
		}
		return "", apperr.Validationf("field %q: operator %q needs a value", o.Field, o.Op)
	}
	v, err := encode(o.Value)
	if err != nil {
		return "", err
	}
	w.args = append(w.args, v)
	return fmt.Sprintf("%s %s ?", col, op), nil
}

// resolve maps a field, relationship or foreign key name to its qualified
// column and value encoder.
func (w *whereClause) resolve(name string) (string, func(any) (any, error), error) {
	a, ok := w.s.Accessor(name)
	if !ok {
		return "", nil, apperr.Validationf("%s has no field %q", w.s.Name, name)
	}
	if a.Field != nil {
		f := a.Field
		return quote(w.alias) + "." + quote(f.Name), func(v any) (any, error) { return w.codec.EncodeField(f, v) }, nil
	}
	rel := a.Relation
	return quote(w.alias) + "." + quote(schema.ForeignKey(rel)), func(v any) (any, error) { return w.codec.EncodeRef(rel, v) }, nil
}
