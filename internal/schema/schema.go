// Package schema describes model shapes and keeps the registry of known models.
package schema

import (
	"regexp"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/drift/internal/models"
)

// FieldType is the storage-relevant type of a scalar field.
type FieldType string

const (
	TypeID        FieldType = "id"
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBoolean   FieldType = "boolean"
	TypeEnum      FieldType = "enum"
	TypeCustom    FieldType = "custom"
	TypeDate      FieldType = "date"
	TypeDateTime  FieldType = "datetime"
	TypeTime      FieldType = "time"
	TypeTimestamp FieldType = "timestamp"
)

var fieldTypes = []interface{}{
	TypeID, TypeString, TypeInt, TypeFloat, TypeBoolean, TypeEnum, TypeCustom,
	TypeDate, TypeDateTime, TypeTime, TypeTimestamp,
}

// RelationKind is the cardinality of a relationship.
type RelationKind string

const (
	HasOne     RelationKind = "hasOne"
	HasMany    RelationKind = "hasMany"
	BelongsTo  RelationKind = "belongsTo"
	ManyToMany RelationKind = "manyToMany"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Field is a scalar field of a model or custom type.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Target   string    `yaml:"target,omitempty" json:"target,omitempty"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
}

// Validate validates the field declaration.
func (f Field) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&f.Type, validation.Required, validation.In(fieldTypes...)),
		validation.Field(&f.Target, validation.When(f.Type == TypeEnum || f.Type == TypeCustom, validation.Required)),
	)
}

// Relationship links a model to another one.
//
// For belongsTo, TargetName is the foreign key column on this model and
// defaults to Name+"Id". For hasOne and hasMany, AssociatedWith names the
// belongsTo relationship on Target that points back here. For manyToMany,
// Through is the join model and AssociatedWith its belongsTo back to this
// model.
type Relationship struct {
	Name           string       `yaml:"name" json:"name"`
	Kind           RelationKind `yaml:"kind" json:"kind"`
	Target         string       `yaml:"target" json:"target"`
	TargetName     string       `yaml:"targetName,omitempty" json:"targetName,omitempty"`
	AssociatedWith string       `yaml:"associatedWith,omitempty" json:"associatedWith,omitempty"`
	Through        string       `yaml:"through,omitempty" json:"through,omitempty"`
}

// Validate validates the relationship declaration.
func (r Relationship) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&r.Kind, validation.Required, validation.In(HasOne, HasMany, BelongsTo, ManyToMany)),
		validation.Field(&r.Target, validation.Required),
		validation.Field(&r.AssociatedWith, validation.When(r.Kind != BelongsTo, validation.Required)),
		validation.Field(&r.Through, validation.When(r.Kind == ManyToMany, validation.Required)),
	)
}

// Index is a secondary index over one or more columns.
type Index struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []string `yaml:"fields" json:"fields"`
}

// Validate validates the index declaration.
func (i Index) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&i.Fields, validation.Required),
	)
}

// CustomTypeSchema is a named structured value stored inside a single column.
type CustomTypeSchema struct {
	Name   string  `yaml:"name" json:"name"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Validate validates the custom type declaration.
func (c *CustomTypeSchema) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&c.Fields, validation.Required),
	)
}

// Enum lists the allowed values of an enum type.
type Enum struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// Validate validates the enum declaration.
func (e *Enum) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&e.Values, validation.Required),
	)
}

// Accessor reads one named value out of a record. It is built once per
// name at registration time.
type Accessor struct {
	// Field is set for scalar fields.
	Field *Field
	// Relation is set for belongsTo relationships, both under the
	// relationship name and under its foreign key column.
	Relation *Relationship
	Get      func(*models.Record) any
}

// ModelSchema is the shape of one model. It must not be modified after it
// has been registered.
type ModelSchema struct {
	Name          string         `yaml:"name" json:"name"`
	PrimaryKey    string         `yaml:"primaryKey,omitempty" json:"primaryKey,omitempty"`
	Fields        []Field        `yaml:"fields" json:"fields"`
	Relationships []Relationship `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Indexes       []Index        `yaml:"indexes,omitempty" json:"indexes,omitempty"`

	fieldIdx  map[string]int
	relIdx    map[string]int
	accessors map[string]Accessor
}

// Validate validates the model declaration on its own. Cross-model checks
// happen in Registry.Register.
func (m *ModelSchema) Validate() error {
	return validation.ValidateStruct(m,
		validation.Field(&m.Name, validation.Required, validation.Match(identRe)),
		validation.Field(&m.Fields, validation.Required),
		validation.Field(&m.Relationships),
		validation.Field(&m.Indexes),
	)
}

// PK returns the primary key field name.
func (m *ModelSchema) PK() string {
	if m.PrimaryKey == "" {
		return "id"
	}
	return m.PrimaryKey
}

// Field returns the scalar field called name.
func (m *ModelSchema) Field(name string) (*Field, bool) {
	i, ok := m.fieldIdx[name]
	if !ok {
		return nil, false
	}
	return &m.Fields[i], true
}

// Relationship returns the relationship called name.
func (m *ModelSchema) Relationship(name string) (*Relationship, bool) {
	i, ok := m.relIdx[name]
	if !ok {
		return nil, false
	}
	return &m.Relationships[i], true
}

// Accessor returns the accessor for a field name, relationship name or
// foreign key column.
func (m *ModelSchema) Accessor(name string) (Accessor, bool) {
	a, ok := m.accessors[name]
	return a, ok
}

// Value reads name from r through the accessor table. Belongs-to values
// resolve to the referenced primary key.
func (m *ModelSchema) Value(r *models.Record, name string) (any, bool) {
	a, ok := m.accessors[name]
	if !ok {
		return nil, false
	}
	return a.Get(r), true
}

// BelongsTo returns the belongsTo relationships in declaration order.
func (m *ModelSchema) BelongsTo() []*Relationship {
	var out []*Relationship
	for i := range m.Relationships {
		if m.Relationships[i].Kind == BelongsTo {
			out = append(out, &m.Relationships[i])
		}
	}
	return out
}

// Dependents returns the relationships whose target rows depend on this
// model: hasOne, hasMany and manyToMany.
func (m *ModelSchema) Dependents() []*Relationship {
	var out []*Relationship
	for i := range m.Relationships {
		if m.Relationships[i].Kind != BelongsTo {
			out = append(out, &m.Relationships[i])
		}
	}
	return out
}

// ForeignKey returns the column a belongsTo relationship is stored in.
func ForeignKey(r *Relationship) string {
	if r.TargetName != "" {
		return r.TargetName
	}
	return r.Name + "Id"
}

// clone copies the declaration without the lookup tables build derives.
func (m *ModelSchema) clone() *ModelSchema {
	return &ModelSchema{
		Name:          m.Name,
		PrimaryKey:    m.PrimaryKey,
		Fields:        slices.Clone(m.Fields),
		Relationships: slices.Clone(m.Relationships),
		Indexes:       slices.Clone(m.Indexes),
	}
}

func (m *ModelSchema) build() {
	m.fieldIdx = make(map[string]int, len(m.Fields))
	m.relIdx = make(map[string]int, len(m.Relationships))
	m.accessors = make(map[string]Accessor, len(m.Fields)+2*len(m.Relationships))

	pk := m.PK()
	for i := range m.Fields {
		f := &m.Fields[i]
		m.fieldIdx[f.Name] = i
		name := f.Name
		if name == pk {
			m.accessors[name] = Accessor{Field: f, Get: func(r *models.Record) any { return r.ID }}
			continue
		}
		m.accessors[name] = Accessor{Field: f, Get: func(r *models.Record) any {
			v, _ := r.Get(name)
			return v
		}}
	}
	for i := range m.Relationships {
		rel := &m.Relationships[i]
		m.relIdx[rel.Name] = i
		if rel.Kind != BelongsTo {
			continue
		}
		name, fk := rel.Name, ForeignKey(rel)
		get := func(r *models.Record) any {
			v, ok := r.Get(name)
			if !ok {
				v, _ = r.Get(fk)
			}
			if id, ok := models.RefID(v); ok {
				return id
			}
			return nil
		}
		m.accessors[name] = Accessor{Relation: rel, Get: get}
		m.accessors[fk] = Accessor{Relation: rel, Get: get}
	}
}
