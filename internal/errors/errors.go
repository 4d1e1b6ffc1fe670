// Package errors provides structured error handling for scangate operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Caller errors.
	CodeInvalidTarget   ErrorCode = "INVALID_TARGET"
	CodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"

	// Pipeline errors.
	CodeDispatchFailure ErrorCode = "DISPATCH_FAILURE"
	CodeReconcileAuth   ErrorCode = "RECONCILE_AUTH"
	CodePersistence     ErrorCode = "PERSISTENCE"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"
	CodeSerialization      ErrorCode = "SERIALIZATION"
)

// Error is the general structured error used across the admission pipeline.
type Error struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithTarget creates an error for a specific target.
func NewWithTarget(code ErrorCode, message, target string) *Error {
	e := New(code, message)
	e.Target = target
	return e
}

// Wrap wraps an existing error.
func Wrap(code ErrorCode, message string, err error) *Error {
	e := New(code, message)
	e.Cause = err
	return e
}

// QuotaExceededError reports a reservation that would push consumption past
// the purchased limit. The numbers are surfaced verbatim to the caller.
type QuotaExceededError struct {
	Kind      string
	Used      int
	Limit     int
	Requested int
	Remaining int
	// Plan is the caller's current plan tier, filled in by admission.
	Plan string
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("[%s] %s quota exceeded: requested %d, remaining %d (used %d of %d)",
		CodeQuotaExceeded, e.Kind, e.Requested, e.Remaining, e.Used, e.Limit)
}

// NewQuotaExceeded builds a quota error from the ledger row that refused the reservation.
func NewQuotaExceeded(kind string, used, limit, requested int) *QuotaExceededError {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaExceededError{
		Kind:      kind,
		Used:      used,
		Limit:     limit,
		Requested: requested,
		Remaining: remaining,
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// Utility functions for common error operations

// GetCode extracts the error code from an error chain if it has one.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var quotaErr *QuotaExceededError
	if stderrors.As(err, &quotaErr) {
		return CodeQuotaExceeded
	}
	var gateErr *Error
	if stderrors.As(err, &gateErr) {
		return gateErr.Code
	}
	var dbErr *DatabaseError
	if stderrors.As(err, &dbErr) {
		return dbErr.Code
	}
	var cfgErr *ConfigError
	if stderrors.As(err, &cfgErr) {
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// AsQuotaExceeded extracts the quota diagnostics from err.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var quotaErr *QuotaExceededError
	if stderrors.As(err, &quotaErr) {
		return quotaErr, true
	}
	return nil, false
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDatabaseTimeout, CodeSerialization, CodeDispatchFailure:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code reported to API callers.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeInvalidTarget, CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated, CodeReconcileAuth:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeTimeout, CodeDatabaseTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error naming the offending target.
func ErrInvalidTarget(target, requirement string) *Error {
	return NewWithTarget(CodeInvalidTarget,
		fmt.Sprintf("Invalid target format: %s. Must be %s", target, requirement), target)
}

// ErrUnauthenticated creates an error for a missing or invalid credential.
func ErrUnauthenticated(message string) *Error {
	return New(CodeUnauthenticated, message)
}

// ErrForbidden creates an error for a caller without entitlement.
func ErrForbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// ErrNotFound creates a not-found error for a resource.
func ErrNotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s %s not found", resource, id)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "Database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
