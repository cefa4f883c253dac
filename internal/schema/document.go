package schema

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/drift/internal/checksum"
)

// Source provides the full set of schemas plus an opaque version string.
// A version change means the local tables must be rebuilt.
type Source interface {
	ModelSchemas() []*ModelSchema
	CustomTypeSchemas() []*CustomTypeSchema
	EnumSchemas() []*Enum
	Version() string
}

// Document is a schema source decoded from YAML (or JSON).
type Document struct {
	DeclaredVersion string              `yaml:"version,omitempty"`
	Models          []*ModelSchema      `yaml:"models"`
	CustomTypes     []*CustomTypeSchema `yaml:"customTypes,omitempty"`
	Enums           []*Enum             `yaml:"enums,omitempty"`

	digest string
}

var _ Source = (*Document)(nil)

// ParseDocument decodes and validates a schema document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("schema: invalid document: %w", err)
	}
	doc.digest = checksum.Document(data)
	return &doc, nil
}

// Validate validates the document structure.
func (d *Document) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Models, validation.Required),
		validation.Field(&d.CustomTypes),
		validation.Field(&d.Enums),
	)
}

func (d *Document) ModelSchemas() []*ModelSchema           { return d.Models }
func (d *Document) CustomTypeSchemas() []*CustomTypeSchema { return d.CustomTypes }
func (d *Document) EnumSchemas() []*Enum                   { return d.Enums }

// Version returns the declared version, or the document digest when none
// was declared.
func (d *Document) Version() string {
	if d.DeclaredVersion != "" {
		return d.DeclaredVersion
	}
	return d.digest
}
