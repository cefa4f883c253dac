package predicate

import (
	"sort"
	"strings"
	"time"

	"github.com/starford/drift/internal/models"
)

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02", "15:04:05.999999999"}

// Compare orders two field values. nil sorts before everything else;
// referenced records compare by primary key; numbers compare numerically
// across integer and float types; strings that parse as one of the
// canonical temporal formats compare against time values. ok is false when
// the values are not comparable.
func Compare(a, b any) (c int, ok bool) {
	a, b = normalize(a), normalize(b)
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return -1, true
	case b == nil:
		return 1, true
	}

	if ia, ok := toInt(a); ok {
		if ib, ok := toInt(b); ok {
			return cmpOrdered(ia, ib), true
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return cmpOrdered(fa, fb), true
		}
		return 0, false
	}

	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), true
		case time.Time:
			if tx, ok := parseTime(x); ok {
				return tx.Compare(y), true
			}
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Compare(y), true
		case string:
			if ty, ok := parseTime(y); ok {
				return x.Compare(ty), true
			}
		}
	}
	return 0, false
}

func normalize(v any) any {
	switch x := v.(type) {
	case *models.Record:
		if x == nil {
			return nil
		}
		return x.ID
	case map[string]any:
		if id, ok := models.RefID(x); ok {
			return id
		}
	}
	return v
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SortOrder sorts by one field.
type SortOrder struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// Asc sorts field in ascending order.
func Asc(field string) SortOrder { return SortOrder{Field: field} }

// Desc sorts field in descending order.
func Desc(field string) SortOrder { return SortOrder{Field: field, Descending: true} }

// Page selects a window of results; the offset is Number*Limit.
type Page struct {
	Number int `json:"page"`
	Limit  int `json:"limit"`
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int { return p.Number * p.Limit }

// Options bundles the parts of a query.
type Options struct {
	Where  Predicate
	SortBy []SortOrder
	Page   *Page
}

// ValueFunc reads a named value from a record.
type ValueFunc func(r *models.Record, field string) (any, bool)

// Sort orders records by the given sort orders, breaking ties by primary
// key so that the result is deterministic.
func Sort(records []*models.Record, orders []SortOrder, value ValueFunc) {
	sort.SliceStable(records, func(i, j int) bool {
		for _, o := range orders {
			vi, _ := value(records[i], o.Field)
			vj, _ := value(records[j], o.Field)
			c, ok := Compare(vi, vj)
			if !ok || c == 0 {
				continue
			}
			if o.Descending {
				return c > 0
			}
			return c < 0
		}
		return records[i].ID < records[j].ID
	})
}
