// Package apperr holds the sentinel and typed errors shared across drift.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnknownModel    = errors.New("unknown model")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrValidation      = errors.New("validation failed")
	ErrStorage         = errors.New("storage failure")
	ErrTerminated      = errors.New("adapter terminated")
)

// UnknownModelError is returned when a model name has no registered schema.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

func (e *UnknownModelError) Is(target error) bool { return target == ErrUnknownModel }

// UnsupportedTypeError is returned when a value cannot be bound to a column.
type UnsupportedTypeError struct {
	Field string
	Value any
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("field %q: unsupported value of type %T", e.Field, e.Value)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

// ConflictError reports a write that lost against persisted or remote state.
// Exists marks an insert whose key is already taken.
type ConflictError struct {
	Model  string
	ID     string
	Reason string
	Exists bool
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("conflict on %s: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("conflict on %s/%s: %s", e.Model, e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict || (e.Exists && target == ErrAlreadyExists)
}

// StorageError wraps a failure of the embedded store together with the
// statement that was being executed.
type StorageError struct {
	Statement string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %v (statement: %s)", e.Err, e.Statement)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// ValidationError reports a request that is malformed for the target model.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
