package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates an illegal paper lifecycle move.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConflict indicates a write based on a stale read of the paper.
	ErrConflict = errors.New("conflict")

	// ErrDatabase indicates a failure of the backing paper store.
	ErrDatabase = errors.New("database error")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrCancelled indicates that an operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// StateTransitionError is returned when a paper is asked to move along an
// edge that the lifecycle does not allow. The paper is left unchanged.
type StateTransitionError struct {
	PaperID string
	From    PaperStatus
	To      PaperStatus
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for paper %s: %s -> %s", e.PaperID, e.From, e.To)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConflictError is returned when a paper was changed by another writer
// between being loaded and being saved.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently: %s", e.Entity, e.ID, e.Reason)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// DatabaseError wraps a failure of the backing paper store (network,
// serialization, constraint). A missing paper is reported with
// NotFoundError instead.
type DatabaseError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// Is matches ErrDatabase so callers can test with errors.Is.
func (e *DatabaseError) Is(target error) bool {
	return target == ErrDatabase
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewStateTransitionError creates a new StateTransitionError.
func NewStateTransitionError(paperID string, from, to PaperStatus) *StateTransitionError {
	return &StateTransitionError{
		PaperID: paperID,
		From:    from,
		To:      to,
	}
}

// NewConflictError creates a new ConflictError.
func NewConflictError(entity, id, reason string) *ConflictError {
	return &ConflictError{
		Entity: entity,
		ID:     id,
		Reason: reason,
	}
}

// NewDatabaseError creates a new DatabaseError.
func NewDatabaseError(op string, cause error) *DatabaseError {
	return &DatabaseError{
		Op:    op,
		Cause: cause,
	}
}
