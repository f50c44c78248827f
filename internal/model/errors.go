package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes failures surfaced by the knowledge-base core.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed or rule-violating input.
	// Never partially applied; the caller may fix the input and retry.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound marks a referenced Item, Page or Action that does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConflict marks a reparenting attempt, an immutable-field change
	// or a concurrent-write collision. The caller should re-fetch and retry.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeStorage marks an unavailable or failing backing store.
	ErrCodeStorage ErrorCode = "STORAGE"
)

// FieldError describes one invalid field of an input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Error is the error type returned by reconciliation, import and queries.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entity names the node type involved ("item", "page", "action", "image").
	Entity string

	// ID identifies the node involved, if any.
	ID string

	// Fields lists individual field failures for validation errors.
	Fields []FieldError

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Entity != "" && e.ID != "" {
		fmt.Fprintf(&b, " (%s=%s)", e.Entity, e.ID)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain.
// Errors that carry no code are reported as storage failures.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ErrCodeStorage
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool { return hasCode(err, ErrCodeStorage) }

func hasCode(err error, code ErrorCode) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// NewValidationError creates a validation error listing the offending fields.
func NewValidationError(message string, fields ...FieldError) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Fields: fields}
}

// NewNotFoundError creates a not-found error for the given node.
func NewNotFoundError(entity, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: entity + " not found",
		Entity:  entity,
		ID:      id,
	}
}

// NewConflictError creates a conflict error for the given node.
func NewConflictError(entity, id, message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Entity: entity, ID: id}
}

// NewStorageError wraps a backing-store failure.
func NewStorageError(message string, err error) *Error {
	return &Error{Code: ErrCodeStorage, Message: message, Err: err}
}

// AsError classifies err: errors already carrying a code pass through,
// anything else becomes a storage error with the given message.
func AsError(message string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return NewStorageError(message, err)
}
