// Package errors holds the error definitions shared by every tsdb package.
//
// This file provides:
// - Response codes carried in every replication RPC response
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Response codes - carried as an explicit field in every RPC response
// ============================================================================

const (
	CodeOK         int32 = 200
	CodeBadRequest int32 = 400
	CodeNotFound   int32 = 404
	CodeInternal   int32 = 500
)

// CodeName returns a human-readable name for a response code.
func CodeName(code int32) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeBadRequest:
		return "BadRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Stream errors
	ErrEndOfStream = errors.New("end of stream")

	// Rejected writes
	ErrRejected     = errors.New("write rejected")
	ErrReadOnly     = errors.New("read only")
	ErrTypeMismatch = errors.New("floating point and integer values mixed in one series")

	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrWALNotFound    = errors.New("wal not found on node")
	ErrRouteNotFound  = errors.New("route not found")
	ErrSeriesNotFound = errors.New("series not found")

	// Buffer errors
	ErrBufferOverflow  = errors.New("buffer overflow")
	ErrBufferUnderflow = errors.New("buffer underflow")

	// Validation errors
	ErrUnknownCodec    = errors.New("unknown codec")
	ErrUnknownStrategy = errors.New("unknown routing strategy")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCorrupt         = errors.New("corrupt data")

	// Cluster errors
	ErrNotLeader         = errors.New("not leader for route")
	ErrInsufficientNodes = errors.New("replication factor exceeds cluster size")
	ErrTimeout           = errors.New("timeout")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrOffsetOutOfRange  = errors.New("offset out of range")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrClosed   = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsEndOfStream returns true if err signals an exhausted reader.
func IsEndOfStream(err error) bool {
	return errors.Is(err, ErrEndOfStream)
}

// IsRejected returns true if a write was refused for this point only.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrReadOnly) ||
		errors.Is(err, ErrTypeMismatch)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrWALNotFound) ||
		errors.Is(err, ErrRouteNotFound) ||
		errors.Is(err, ErrSeriesNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownCodec) ||
		errors.Is(err, ErrUnknownStrategy) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidArgument)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrNotLeader)
}

// ============================================================================
// Error to response code mapping
// ============================================================================

// ErrorToCode maps an error to its response code.
func ErrorToCode(err error) int32 {
	switch {
	case err == nil:
		return CodeOK

	// Service.WriteData answers a missing WAL with a bad request itself.
	case IsNotFound(err):
		return CodeNotFound

	case IsRejected(err), IsValidation(err), Is(err, ErrOffsetOutOfRange):
		return CodeBadRequest

	default:
		return CodeInternal
	}
}

// CodeToError maps a response code back to a sentinel error (for clients).
// The message, when non-empty, is kept in the returned error.
func CodeToError(code int32, message string) error {
	var base error
	switch code {
	case CodeOK:
		return nil
	case CodeBadRequest:
		base = ErrRejected
	case CodeNotFound:
		base = ErrNotFound
	default:
		base = ErrInternal
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%s: %w", message, base)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
