package schema

import (
	"sync"

	"github.com/starford/drift/internal/apperr"
)

// Registry maps model names to their schemas. It is an explicit instance
// handed to every component that needs it.
type Registry struct {
	mu          sync.RWMutex
	models      map[string]*ModelSchema
	order       []string
	customTypes map[string]*CustomTypeSchema
	enums       map[string]*Enum
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:      make(map[string]*ModelSchema),
		customTypes: make(map[string]*CustomTypeSchema),
		enums:       make(map[string]*Enum),
	}
}

// Register replaces the registry contents with copies of the given schemas.
// Calling it again with the same input leaves the registry unchanged.
func (r *Registry) Register(ms []*ModelSchema, cts []*CustomTypeSchema, enums []*Enum) error {
	modelsByName := make(map[string]*ModelSchema, len(ms))
	order := make([]string, 0, len(ms))
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return apperr.Validationf("model %q: %v", m.Name, err)
		}
		if _, dup := modelsByName[m.Name]; dup {
			return apperr.Validationf("model %q registered twice", m.Name)
		}
		modelsByName[m.Name] = m
		order = append(order, m.Name)
	}
	ctByName := make(map[string]*CustomTypeSchema, len(cts))
	for _, ct := range cts {
		if err := ct.Validate(); err != nil {
			return apperr.Validationf("custom type %q: %v", ct.Name, err)
		}
		ctByName[ct.Name] = ct
	}
	enumByName := make(map[string]*Enum, len(enums))
	for _, e := range enums {
		if err := e.Validate(); err != nil {
			return apperr.Validationf("enum %q: %v", e.Name, err)
		}
		enumByName[e.Name] = e
	}

	for _, m := range ms {
		if err := checkReferences(m, modelsByName, ctByName, enumByName); err != nil {
			return err
		}
	}
	// Schemas handed out earlier stay untouched; readers may still hold them.
	built := make(map[string]*ModelSchema, len(ms))
	for _, m := range ms {
		c := m.clone()
		c.build()
		built[c.Name] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = built
	r.order = order
	r.customTypes = ctByName
	r.enums = enumByName
	return nil
}

// RegisterSource registers everything a schema source provides.
func (r *Registry) RegisterSource(src Source) error {
	return r.Register(src.ModelSchemas(), src.CustomTypeSchemas(), src.EnumSchemas())
}

// SchemaFor returns the schema registered under name.
func (r *Registry) SchemaFor(name string) (*ModelSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, &apperr.UnknownModelError{Model: name}
	}
	return m, nil
}

// CustomType returns the custom type registered under name.
func (r *Registry) CustomType(name string) (*CustomTypeSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.customTypes[name]
	return ct, ok
}

// Enum returns the enum registered under name.
func (r *Registry) Enum(name string) (*Enum, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enums[name]
	return e, ok
}

// Names returns the registered model names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns the registered schemas in registration order.
func (r *Registry) All() []*ModelSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ModelSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// Clear removes every registered schema.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]*ModelSchema)
	r.order = nil
	r.customTypes = make(map[string]*CustomTypeSchema)
	r.enums = make(map[string]*Enum)
}

func checkReferences(m *ModelSchema, ms map[string]*ModelSchema, cts map[string]*CustomTypeSchema, enums map[string]*Enum) error {
	seen := make(map[string]bool)
	hasPK := false
	for _, f := range m.Fields {
		if seen[f.Name] {
			return apperr.Validationf("model %q: duplicate field %q", m.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Name == m.PK() {
			hasPK = true
			if f.Type != TypeID && f.Type != TypeString {
				return apperr.Validationf("model %q: primary key %q must be id or string", m.Name, f.Name)
			}
		}
		switch f.Type {
		case TypeEnum:
			if _, ok := enums[f.Target]; !ok {
				return apperr.Validationf("model %q: field %q: unknown enum %q", m.Name, f.Name, f.Target)
			}
		case TypeCustom:
			if _, ok := cts[f.Target]; !ok {
				return apperr.Validationf("model %q: field %q: unknown custom type %q", m.Name, f.Name, f.Target)
			}
		}
	}
	if !hasPK {
		return apperr.Validationf("model %q: missing primary key field %q", m.Name, m.PK())
	}

	for i := range m.Relationships {
		rel := &m.Relationships[i]
		if seen[rel.Name] {
			return apperr.Validationf("model %q: relationship %q collides with a field", m.Name, rel.Name)
		}
		seen[rel.Name] = true
		if _, ok := ms[rel.Target]; !ok {
			return apperr.Validationf("model %q: relationship %q: unknown target %q", m.Name, rel.Name, rel.Target)
		}
		switch rel.Kind {
		case BelongsTo:
			fk := ForeignKey(rel)
			if seen[fk] {
				return apperr.Validationf("model %q: foreign key %q collides with a field", m.Name, fk)
			}
			seen[fk] = true
		case ManyToMany:
			through, ok := ms[rel.Through]
			if !ok {
				return apperr.Validationf("model %q: relationship %q: unknown join model %q", m.Name, rel.Name, rel.Through)
			}
			if err := checkBackReference(m, rel, through); err != nil {
				return err
			}
		default:
			if err := checkBackReference(m, rel, ms[rel.Target]); err != nil {
				return err
			}
		}
	}
	for _, idx := range m.Indexes {
		for _, col := range idx.Fields {
			if !seen[col] {
				return apperr.Validationf("model %q: index %q: unknown column %q", m.Name, idx.Name, col)
			}
		}
	}
	return nil
}

func checkBackReference(m *ModelSchema, rel *Relationship, child *ModelSchema) error {
	for _, back := range child.Relationships {
		if back.Name == rel.AssociatedWith {
			if back.Kind != BelongsTo || back.Target != m.Name {
				return apperr.Validationf("model %q: relationship %q: %s.%s is not a belongsTo %s",
					m.Name, rel.Name, child.Name, back.Name, m.Name)
			}
			return nil
		}
	}
	return apperr.Validationf("model %q: relationship %q: %s has no relationship %q",
		m.Name, rel.Name, child.Name, rel.AssociatedWith)
}
