// Package predicate models query conditions as a tree of field operations
// and boolean groups, evaluated either in memory or compiled by the store.
package predicate

import (
	"fmt"
	"strings"
)

// Getter resolves a field name against some record.
type Getter func(field string) (any, bool)

// Predicate is a node of a condition tree.
type Predicate interface {
	Evaluate(get Getter) bool
}

// Op is a field comparison operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpLt          Op = "lt"
	OpLe          Op = "le"
	OpGt          Op = "gt"
	OpGe          Op = "ge"
	OpContains    Op = "contains"
	OpNotContains Op = "notContains"
	OpBeginsWith  Op = "beginsWith"
	OpBetween     Op = "between"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpContains, OpNotContains, OpBeginsWith, OpBetween:
		return true
	}
	return false
}

// Operation compares one field against a value. Upper is only used by
// between.
type Operation struct {
	Field string
	Op    Op
	Value any
	Upper any
}

// GroupType combines child predicates.
type GroupType string

const (
	GroupAnd GroupType = "and"
	GroupOr  GroupType = "or"
	GroupNot GroupType = "not"
)

// Group is an and/or/not node. A not group has exactly one child.
type Group struct {
	Type       GroupType
	Predicates []Predicate
}

type matchAll struct{}

func (matchAll) Evaluate(Getter) bool { return true }

// All returns the predicate that matches every record.
func All() Predicate { return matchAll{} }

// IsAll reports whether p matches unconditionally. A nil predicate is
// treated as match-all.
func IsAll(p Predicate) bool {
	if p == nil {
		return true
	}
	_, ok := p.(matchAll)
	return ok
}

// Field starts an operation on the named field.
type Field string

func (f Field) Eq(v any) Operation         { return Operation{Field: string(f), Op: OpEq, Value: v} }
func (f Field) Ne(v any) Operation         { return Operation{Field: string(f), Op: OpNe, Value: v} }
func (f Field) Lt(v any) Operation         { return Operation{Field: string(f), Op: OpLt, Value: v} }
func (f Field) Le(v any) Operation         { return Operation{Field: string(f), Op: OpLe, Value: v} }
func (f Field) Gt(v any) Operation         { return Operation{Field: string(f), Op: OpGt, Value: v} }
func (f Field) Ge(v any) Operation         { return Operation{Field: string(f), Op: OpGe, Value: v} }
func (f Field) Contains(s string) Operation { return Operation{Field: string(f), Op: OpContains, Value: s} }
func (f Field) NotContains(s string) Operation {
	return Operation{Field: string(f), Op: OpNotContains, Value: s}
}
func (f Field) BeginsWith(s string) Operation {
	return Operation{Field: string(f), Op: OpBeginsWith, Value: s}
}
func (f Field) Between(lo, hi any) Operation {
	return Operation{Field: string(f), Op: OpBetween, Value: lo, Upper: hi}
}

// And matches when every child matches.
func And(ps ...Predicate) Predicate { return Group{Type: GroupAnd, Predicates: ps} }

// Or matches when at least one child matches.
func Or(ps ...Predicate) Predicate { return Group{Type: GroupOr, Predicates: ps} }

// Not inverts p.
func Not(p Predicate) Predicate { return Group{Type: GroupNot, Predicates: []Predicate{p}} }

// Evaluate implements Predicate. Comparisons against a missing or null field
// are false, except equality with nil.
func (o Operation) Evaluate(get Getter) bool {
	v, ok := get(o.Field)
	if !ok {
		return false
	}
	switch o.Op {
	case OpEq:
		if o.Value == nil {
			return v == nil
		}
		return v != nil && equal(v, o.Value)
	case OpNe:
		if o.Value == nil {
			return v != nil
		}
		return v != nil && !equal(v, o.Value)
	case OpLt, OpLe, OpGt, OpGe:
		if v == nil || o.Value == nil {
			return false
		}
		c, ok := Compare(v, o.Value)
		if !ok {
			return false
		}
		switch o.Op {
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpContains, OpNotContains, OpBeginsWith:
		s, ok := v.(string)
		if !ok {
			return false
		}
		needle := fmt.Sprint(o.Value)
		switch o.Op {
		case OpContains:
			return strings.Contains(s, needle)
		case OpNotContains:
			return !strings.Contains(s, needle)
		default:
			return strings.HasPrefix(s, needle)
		}
	case OpBetween:
		if v == nil {
			return false
		}
		lo, ok1 := Compare(v, o.Value)
		hi, ok2 := Compare(v, o.Upper)
		return ok1 && ok2 && lo >= 0 && hi <= 0
	}
	return false
}

func equal(a, b any) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Evaluate implements Predicate. An empty and group matches, an empty or
// group does not.
func (g Group) Evaluate(get Getter) bool {
	switch g.Type {
	case GroupAnd:
		for _, p := range g.Predicates {
			if !p.Evaluate(get) {
				return false
			}
		}
		return true
	case GroupOr:
		for _, p := range g.Predicates {
			if p.Evaluate(get) {
				return true
			}
		}
		return false
	case GroupNot:
		if len(g.Predicates) != 1 {
			return false
		}
		return !g.Predicates[0].Evaluate(get)
	}
	return false
}

// Fields returns every field name referenced by p.
func Fields(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch n := p.(type) {
		case Operation:
			out = append(out, n.Field)
		case Group:
			for _, c := range n.Predicates {
				walk(c)
			}
		}
	}
	walk(p)
	return out
}
