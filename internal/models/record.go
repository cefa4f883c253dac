// Package models defines the domain types for drift.
package models

import "time"

// Record is a single model instance. Fields holds scalar values keyed by
// field name; a belongs-to relationship holds a *Record (full or reference)
// or nil.
type Record struct {
	Model  string         `json:"model"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`

	reference bool
}

// NewRecord builds a record and copies fields into a fresh map.
func NewRecord(model, id string, fields map[string]any) *Record {
	r := &Record{Model: model, ID: id, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

// Reference returns a stub record that carries only the primary key.
func Reference(model, id string) *Record {
	return &Record{Model: model, ID: id, reference: true}
}

// IsReference reports whether r is a primary-key-only stub.
func (r *Record) IsReference() bool { return r != nil && r.reference }

// Get returns the value stored for name.
func (r *Record) Get(name string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}

// Set stores v under name.
func (r *Record) Set(name string, v any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[name] = v
	r.reference = false
}

// Clone returns a copy of r. Nested records are cloned as well; other
// values are copied by assignment.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{Model: r.Model, ID: r.ID, reference: r.reference}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if nested, ok := v.(*Record); ok {
				v = nested.Clone()
			}
			out.Fields[k] = v
		}
	}
	return out
}

// MutationType names the kind of change applied to a record.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Initiator identifies who asked for a mutation.
type Initiator string

const (
	InitiatorLocalAPI   Initiator = "local_api"
	InitiatorSyncEngine Initiator = "sync_engine"
)

// Metadata is the remote version bookkeeping for one record.
type Metadata struct {
	Model         string    `json:"model"`
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	Deleted       bool      `json:"deleted"`
	LastChangedAt time.Time `json:"last_changed_at"`
}

// SyncType distinguishes a full download from an incremental one.
type SyncType string

const (
	SyncBase  SyncType = "base"
	SyncDelta SyncType = "delta"
)

// LastSync records the most recent completed reconciliation of a model.
type LastSync struct {
	Model    string    `json:"model"`
	Type     SyncType  `json:"type"`
	SyncedAt time.Time `json:"synced_at"`
}

// RefID extracts the referenced primary key from a belongs-to value: a
// *Record, a plain id string or a decoded JSON object with an "id" key.
func RefID(v any) (string, bool) {
	switch ref := v.(type) {
	case *Record:
		if ref == nil || ref.ID == "" {
			return "", false
		}
		return ref.ID, true
	case string:
		return ref, ref != ""
	case map[string]any:
		id, ok := ref["id"].(string)
		return id, ok && id != ""
	}
	return "", false
}
