package store

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/schema"
)

// Canonical text layouts for temporal columns. Fixed-width fractions keep
// lexicographic order equal to chronological order.
const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	timeLayout     = "15:04:05.000000000"
)

// Codec converts between record values and column values. Column values are
// always nil, string, int64 or float64.
type Codec struct {
	reg *schema.Registry
}

// NewCodec returns a codec resolving enums and custom types through reg.
func NewCodec(reg *schema.Registry) *Codec {
	return &Codec{reg: reg}
}

// column is one physical column of a model table: a scalar field or the
// foreign key of a belongsTo relationship.
type column struct {
	name  string
	field *schema.Field
	rel   *schema.Relationship
}

func columnsOf(s *schema.ModelSchema) []column {
	cols := make([]column, 0, len(s.Fields)+len(s.Relationships))
	for i := range s.Fields {
		cols = append(cols, column{name: s.Fields[i].Name, field: &s.Fields[i]})
	}
	for _, rel := range s.BelongsTo() {
		cols = append(cols, column{name: schema.ForeignKey(rel), rel: rel})
	}
	return cols
}

// EncodeField converts a scalar record value into its column value.
func (c *Codec) EncodeField(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	unsupported := &apperr.UnsupportedTypeError{Field: f.Name, Value: v}
	switch f.Type {
	case schema.TypeID, schema.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, unsupported
		}
		return s, nil
	case schema.TypeInt:
		n, ok := asInt64(v)
		if !ok {
			return nil, unsupported
		}
		return n, nil
	case schema.TypeFloat:
		n, ok := asFloat64(v)
		if !ok {
			return nil, unsupported
		}
		return n, nil
	case schema.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, unsupported
		}
		if b {
			return int64(1), nil
		}
		return int64(0), nil
	case schema.TypeEnum:
		var s string
		switch e := v.(type) {
		case string:
			s = e
		case fmt.Stringer:
			s = e.String()
		default:
			return nil, unsupported
		}
		if enum, ok := c.reg.Enum(f.Target); ok && !slices.Contains(enum.Values, s) {
			return nil, apperr.Validationf("field %q: %q is not a value of enum %s", f.Name, s, f.Target)
		}
		return s, nil
	case schema.TypeCustom:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, unsupported
		}
		enc, err := c.encodeCustom(f, m)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(enc)
		if err != nil {
			return nil, fmt.Errorf("store: encode %s: %w", f.Name, err)
		}
		return string(data), nil
	case schema.TypeDate:
		t, ok := asTime(v, dateLayout)
		if !ok {
			return nil, unsupported
		}
		return t.UTC().Format(dateLayout), nil
	case schema.TypeDateTime:
		t, ok := asTime(v, time.RFC3339Nano)
		if !ok {
			return nil, unsupported
		}
		return t.UTC().Format(dateTimeLayout), nil
	case schema.TypeTime:
		t, ok := asTime(v, "15:04:05.999999999")
		if !ok {
			return nil, unsupported
		}
		return t.UTC().Format(timeLayout), nil
	case schema.TypeTimestamp:
		if t, ok := asTime(v, time.RFC3339Nano); ok {
			return t.Unix(), nil
		}
		n, ok := asInt64(v)
		if !ok {
			return nil, unsupported
		}
		return n, nil
	}
	return nil, unsupported
}

func (c *Codec) encodeCustom(f *schema.Field, m map[string]any) (map[string]any, error) {
	ct, ok := c.reg.CustomType(f.Target)
	if !ok {
		return nil, apperr.Validationf("field %q: unknown custom type %q", f.Name, f.Target)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		idx := slices.IndexFunc(ct.Fields, func(cf schema.Field) bool { return cf.Name == k })
		if idx < 0 {
			return nil, apperr.Validationf("field %q: %s has no field %q", f.Name, ct.Name, k)
		}
		enc, err := c.EncodeField(&ct.Fields[idx], v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

// EncodeRef converts a belongsTo value into the referenced primary key.
func (c *Codec) EncodeRef(rel *schema.Relationship, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if r, ok := v.(*models.Record); ok && r == nil {
		return nil, nil
	}
	id, ok := models.RefID(v)
	if !ok {
		return nil, &apperr.UnsupportedTypeError{Field: rel.Name, Value: v}
	}
	return id, nil
}

// DecodeField converts a column value back into a record value. It accepts
// values read from SQLite as well as their JSON-decoded form.
func (c *Codec) DecodeField(f *schema.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	bad := fmt.Errorf("store: decode %s: unexpected %T for %s", f.Name, raw, f.Type)
	switch f.Type {
	case schema.TypeID, schema.TypeString, schema.TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, bad
		}
		return s, nil
	case schema.TypeInt:
		n, ok := asInt64(raw)
		if !ok {
			return nil, bad
		}
		return n, nil
	case schema.TypeFloat:
		n, ok := asFloat64(raw)
		if !ok {
			return nil, bad
		}
		return n, nil
	case schema.TypeBoolean:
		n, ok := asInt64(raw)
		if !ok {
			if b, isBool := raw.(bool); isBool {
				return b, nil
			}
			return nil, bad
		}
		return n != 0, nil
	case schema.TypeCustom:
		s, ok := raw.(string)
		if !ok {
			return nil, bad
		}
		// Numbers stay json.Number until the nested field type is known,
		// so ints above 2^53 survive.
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", f.Name, err)
		}
		return c.decodeCustom(f, m)
	case schema.TypeDate, schema.TypeDateTime, schema.TypeTime:
		s, ok := raw.(string)
		if !ok {
			return nil, bad
		}
		layout := map[schema.FieldType]string{
			schema.TypeDate:     dateLayout,
			schema.TypeDateTime: time.RFC3339Nano,
			schema.TypeTime:     "15:04:05.999999999",
		}[f.Type]
		t, err := time.Parse(layout, s)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", f.Name, err)
		}
		return t.UTC(), nil
	case schema.TypeTimestamp:
		n, ok := asInt64(raw)
		if !ok {
			return nil, bad
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return nil, bad
}

func (c *Codec) decodeCustom(f *schema.Field, m map[string]any) (map[string]any, error) {
	ct, ok := c.reg.CustomType(f.Target)
	out := make(map[string]any, len(m))
	for k, v := range m {
		idx := -1
		if ok {
			idx = slices.IndexFunc(ct.Fields, func(cf schema.Field) bool { return cf.Name == k })
		}
		if idx < 0 {
			out[k] = plainNumber(v)
			continue
		}
		dec, err := c.DecodeField(&ct.Fields[idx], v)
		if err != nil {
			return nil, err
		}
		out[k] = dec
	}
	return out, nil
}

// EncodeRecord converts r into column values keyed by column name.
// Required fields must be present and non-null.
func (c *Codec) EncodeRecord(s *schema.ModelSchema, r *models.Record) (map[string]any, error) {
	if r.ID == "" {
		return nil, apperr.Validationf("%s: missing primary key", s.Name)
	}
	cols := columnsOf(s)
	out := make(map[string]any, len(cols))
	for _, col := range cols {
		var (
			enc any
			err error
		)
		if col.field != nil {
			raw, _ := s.Value(r, col.name)
			enc, err = c.EncodeField(col.field, raw)
			if err == nil && enc == nil && col.field.Required {
				err = apperr.Validationf("%s: field %q is required", s.Name, col.name)
			}
		} else {
			raw, ok := r.Get(col.rel.Name)
			if !ok {
				raw, _ = r.Get(col.name)
			}
			enc, err = c.EncodeRef(col.rel, raw)
		}
		if err != nil {
			return nil, err
		}
		out[col.name] = enc
	}
	return out, nil
}

// DecodeRecord rebuilds a record from column values. Belongs-to values
// become reference stubs.
func (c *Codec) DecodeRecord(s *schema.ModelSchema, cols map[string]any) (*models.Record, error) {
	id, _ := cols[s.PK()].(string)
	r := &models.Record{Model: s.Name, ID: id, Fields: make(map[string]any, len(cols))}
	for _, col := range columnsOf(s) {
		raw := cols[col.name]
		if col.field != nil {
			if col.name == s.PK() {
				continue
			}
			v, err := c.DecodeField(col.field, raw)
			if err != nil {
				return nil, err
			}
			r.Fields[col.name] = v
			continue
		}
		if ref, ok := raw.(string); ok && ref != "" {
			r.Fields[col.rel.Name] = models.Reference(col.rel.Target, ref)
		} else {
			r.Fields[col.rel.Name] = nil
		}
	}
	return r, nil
}

// Difference returns a patch holding the primary key plus every field of
// updated whose column value differs from existing.
func (c *Codec) Difference(s *schema.ModelSchema, updated, existing *models.Record) (*models.Record, error) {
	newCols, err := c.EncodeRecord(s, updated)
	if err != nil {
		return nil, err
	}
	oldCols, err := c.EncodeRecord(s, existing)
	if err != nil {
		return nil, err
	}
	patch := &models.Record{Model: s.Name, ID: updated.ID, Fields: make(map[string]any)}
	for _, col := range columnsOf(s) {
		if col.name == s.PK() || reflect.DeepEqual(newCols[col.name], oldCols[col.name]) {
			continue
		}
		if col.field != nil {
			v, _ := updated.Get(col.name)
			patch.Fields[col.name] = v
			continue
		}
		v, ok := updated.Get(col.rel.Name)
		if !ok {
			v, _ = updated.Get(col.name)
		}
		patch.Fields[col.rel.Name] = v
	}
	return patch, nil
}

func asInt64(v any) (int64, bool) {
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
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return asInt64(float64(n))
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// plainNumber turns a json.Number of an undeclared key into int64 when it
// is integral, float64 otherwise.
func plainNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func asTime(v any, layout string) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(layout, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
