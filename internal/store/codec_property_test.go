package store

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/starford/drift/internal/schema"
)

const measureDocument = `
version: "1"
enums:
  - name: Unit
    values: [MM, CM, M]
customTypes:
  - name: Box
    fields:
      - {name: n, type: int}
      - {name: x, type: float}
      - {name: label, type: string}
      - {name: open, type: boolean}
      - {name: unit, type: enum, target: Unit}
models:
  - name: Crate
    fields:
      - {name: id, type: id, required: true}
      - {name: box, type: custom, target: Box}
`

func measureRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	doc, err := schema.ParseDocument([]byte(measureDocument))
	if err != nil {
		t.Fatal(err)
	}
	reg := schema.NewRegistry()
	if err := reg.RegisterSource(doc); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestCodec_CustomTypeKeepsLargeInts(t *testing.T) {
	codec := NewCodec(measureRegistry(t))
	f := &schema.Field{Name: "box", Type: schema.TypeCustom, Target: "Box"}
	in := map[string]any{"n": int64(9007199254740993), "x": 0.1, "label": "crate"}

	enc, err := codec.EncodeField(f, in)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := codec.DecodeField(f, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dec, in) {
		t.Errorf("decoded %#v, want %#v", dec, in)
	}
}

func TestProperty_CodecRoundTrip(t *testing.T) {
	codec := NewCodec(schema.NewRegistry())
	field := func(ft schema.FieldType) *schema.Field { return &schema.Field{Name: "v", Type: ft} }

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("int values survive a column round trip", prop.ForAll(
		func(n int64) bool {
			f := field(schema.TypeInt)
			enc, err := codec.EncodeField(f, n)
			if err != nil {
				return false
			}
			dec, err := codec.DecodeField(f, enc)
			return err == nil && dec == n
		},
		gen.Int64(),
	))

	properties.Property("float values survive a column round trip", prop.ForAll(
		func(x float64) bool {
			f := field(schema.TypeFloat)
			enc, err := codec.EncodeField(f, x)
			if err != nil {
				return false
			}
			dec, err := codec.DecodeField(f, enc)
			return err == nil && dec == x
		},
		gen.Float64(),
	))

	properties.Property("strings survive a column round trip", prop.ForAll(
		func(s string) bool {
			f := field(schema.TypeString)
			enc, err := codec.EncodeField(f, s)
			if err != nil {
				return false
			}
			dec, err := codec.DecodeField(f, enc)
			return err == nil && dec == s
		},
		gen.AnyString(),
	))

	properties.Property("booleans are stored as 0 or 1", prop.ForAll(
		func(b bool) bool {
			f := field(schema.TypeBoolean)
			enc, err := codec.EncodeField(f, b)
			if err != nil {
				return false
			}
			n, ok := enc.(int64)
			if !ok || (n != 0 && n != 1) {
				return false
			}
			dec, err := codec.DecodeField(f, enc)
			return err == nil && dec == b
		},
		gen.Bool(),
	))

	properties.Property("datetimes keep nanosecond precision and sort as text", prop.ForAll(
		func(sec1, sec2, nsec int64) bool {
			f := field(schema.TypeDateTime)
			t1 := time.Unix(sec1, nsec).UTC()
			t2 := time.Unix(sec2, 0).UTC()
			enc1, err := codec.EncodeField(f, t1)
			if err != nil {
				return false
			}
			enc2, err := codec.EncodeField(f, t2)
			if err != nil {
				return false
			}
			dec, err := codec.DecodeField(f, enc1)
			if err != nil || !dec.(time.Time).Equal(t1) {
				return false
			}
			return (enc1.(string) < enc2.(string)) == t1.Before(t2)
		},
		gen.Int64Range(0, 4102444800),
		gen.Int64Range(0, 4102444800),
		gen.Int64Range(0, 999999999),
	))

	properties.TestingRun(t)
}

func TestProperty_CodecRoundTrip_SchemaTypes(t *testing.T) {
	codec := NewCodec(measureRegistry(t))

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	roundTrip := func(f *schema.Field, v any) (any, bool) {
		enc, err := codec.EncodeField(f, v)
		if err != nil {
			return nil, false
		}
		dec, err := codec.DecodeField(f, enc)
		return dec, err == nil
	}

	properties.Property("custom type values survive a column round trip", prop.ForAll(
		func(n int64, x float64, label string, open bool, unit string) bool {
			in := map[string]any{"n": n, "x": x, "label": label, "open": open, "unit": unit}
			dec, ok := roundTrip(&schema.Field{Name: "box", Type: schema.TypeCustom, Target: "Box"}, in)
			return ok && reflect.DeepEqual(dec, in)
		},
		gen.Int64(),
		gen.Float64(),
		gen.AnyString(),
		gen.Bool(),
		gen.OneConstOf("MM", "CM", "M"),
	))

	properties.Property("enum values survive a column round trip", prop.ForAll(
		func(unit string) bool {
			dec, ok := roundTrip(&schema.Field{Name: "unit", Type: schema.TypeEnum, Target: "Unit"}, unit)
			return ok && dec == unit
		},
		gen.OneConstOf("MM", "CM", "M"),
	))

	properties.Property("dates survive a column round trip", prop.ForAll(
		func(days int) bool {
			d := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
			dec, ok := roundTrip(&schema.Field{Name: "d", Type: schema.TypeDate}, d)
			return ok && dec.(time.Time).Equal(d)
		},
		gen.IntRange(0, 80000),
	))

	properties.Property("times of day keep nanosecond precision", prop.ForAll(
		func(nsec int64) bool {
			tod := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(nsec))
			dec, ok := roundTrip(&schema.Field{Name: "t", Type: schema.TypeTime}, tod)
			return ok && dec.(time.Time).Equal(tod)
		},
		gen.Int64Range(0, int64(24*time.Hour)-1),
	))

	properties.TestingRun(t)
}
