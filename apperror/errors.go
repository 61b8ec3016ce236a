package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports a request that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) ErrCode() string { return "VALIDATION_ERROR" }

func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// NotFoundError reports an unknown email or follow-up id.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) ErrCode() string { return "NOT_FOUND_ERROR" }

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// ConflictError reports a state transition that is no longer possible,
// e.g. completing a follow-up that another request already completed.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) ErrCode() string { return "CONFLICT_ERROR" }

func (e *ConflictError) StatusCode() int { return http.StatusConflict }

// StorageError wraps a failure of the underlying datastore.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) ErrCode() string { return "STORAGE_ERROR" }

func (e *StorageError) StatusCode() int { return http.StatusInternalServerError }

// SchemaWarning is a non-fatal schema upgrade problem. It is logged, never returned
// as an error from startup.
type SchemaWarning struct {
	Table  string
	Column string
	Err    error
}

func (w SchemaWarning) String() string {
	return fmt.Sprintf("column %s.%s: %v", w.Table, w.Column, w.Err)
}

// Coded is implemented by every error kind in this package.
type Coded interface {
	error
	ErrCode() string
	StatusCode() int
}

// Validation returns a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFoundError for entity id.
func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Conflict returns a ConflictError.
func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// Storage wraps err unless it is nil or already carries a kind from this package.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded Coded
	if errors.As(err, &coded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsStorage(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// StatusCode maps err to an HTTP status, defaulting to 500.
func StatusCode(err error) int {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return http.StatusInternalServerError
}
