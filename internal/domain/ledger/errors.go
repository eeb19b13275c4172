package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed requests, before any lookup.
	ErrValidation = errors.New("validation failed")
	// ErrConsistency is returned when an administration would exceed the
	// dispensed quantity. No ledger row is written.
	ErrConsistency = errors.New("administration exceeds remaining quantity")
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the acting role lacks a capability.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConsistencyError carries the quantities involved in a rejected administration.
type ConsistencyError struct {
	Requested int
	Remaining int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("requested %d units but only %d remain", e.Requested, e.Remaining)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistency
}
