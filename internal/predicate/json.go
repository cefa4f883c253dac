package predicate

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Marshal encodes p as JSON:
//
//	{"all":true}
//	{"field":"rating","op":"gt","value":3}
//	{"field":"rating","op":"between","value":1,"upper":5}
//	{"and":[...]} {"or":[...]} {"not":{...}}
func Marshal(p Predicate) ([]byte, error) {
	v, err := toWire(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Unmarshal decodes the form produced by Marshal. Empty input and null
// decode to the match-all predicate.
func Unmarshal(data []byte) (Predicate, error) {
	if len(data) == 0 || string(data) == "null" {
		return All(), nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}
	return fromWire(raw)
}

func toWire(p Predicate) (map[string]any, error) {
	switch n := p.(type) {
	case nil, matchAll:
		return map[string]any{"all": true}, nil
	case Operation:
		out := map[string]any{"field": n.Field, "op": n.Op, "value": n.Value}
		if n.Op == OpBetween {
			out["upper"] = n.Upper
		}
		return out, nil
	case Group:
		children := make([]map[string]any, 0, len(n.Predicates))
		for _, c := range n.Predicates {
			w, err := toWire(c)
			if err != nil {
				return nil, err
			}
			children = append(children, w)
		}
		if n.Type == GroupNot {
			if len(children) != 1 {
				return nil, fmt.Errorf("predicate: not group needs exactly one child, has %d", len(children))
			}
			return map[string]any{"not": children[0]}, nil
		}
		return map[string]any{string(n.Type): children}, nil
	}
	return nil, fmt.Errorf("predicate: cannot encode %T", p)
}

func fromWire(raw map[string]json.RawMessage) (Predicate, error) {
	if _, ok := raw["all"]; ok {
		return All(), nil
	}
	for _, gt := range []GroupType{GroupAnd, GroupOr} {
		body, ok := raw[string(gt)]
		if !ok {
			continue
		}
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("predicate: %s: %w", gt, err)
		}
		children := make([]Predicate, 0, len(items))
		for _, item := range items {
			c, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		return Group{Type: gt, Predicates: children}, nil
	}
	if body, ok := raw["not"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(body, &inner); err != nil {
			return nil, fmt.Errorf("predicate: not: %w", err)
		}
		c, err := fromWire(inner)
		if err != nil {
			return nil, err
		}
		return Not(c), nil
	}

	var op Operation
	if err := decodeField(raw, "field", &op.Field); err != nil {
		return nil, err
	}
	var opName string
	if err := decodeField(raw, "op", &opName); err != nil {
		return nil, err
	}
	op.Op = Op(opName)
	if !op.Op.Valid() {
		return nil, fmt.Errorf("predicate: unknown operator %q", opName)
	}
	if op.Field == "" {
		return nil, fmt.Errorf("predicate: operation without field")
	}
	if err := decodeField(raw, "value", &op.Value); err != nil {
		return nil, err
	}
	if op.Op == OpBetween {
		if err := decodeField(raw, "upper", &op.Upper); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) error {
	body, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("predicate: %s: %w", key, err)
	}
	return nil
}
