// Package errors provides structured error handling for postalscan operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Job lifecycle errors.
	CodeDuplicateJob ErrorCode = "DUPLICATE_JOB"
	CodeNotReady     ErrorCode = "NOT_READY"
	CodeNoNetworks   ErrorCode = "NO_NETWORKS"

	// Probe capability errors.
	CodeCapability  ErrorCode = "CAPABILITY_ERROR"
	CodeProbeFailed ErrorCode = "PROBE_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// File system errors.
	CodeFileNotFound ErrorCode = "FILE_NOT_FOUND"
)

// coded is implemented by every error type in this package.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// ValidationError reports a malformed record or parameter.
type ValidationError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ValidationError) ErrorCode() ErrorCode {
	return e.Code
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Code:    CodeValidation,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapValidationError wraps an existing error as a validation error.
func WrapValidationError(message string, err error) *ValidationError {
	return &ValidationError{
		Code:    CodeValidation,
		Message: message,
		Cause:   err,
	}
}

// CapabilityError represents a failure of the probing mechanism itself,
// as opposed to an unreachable destination.
type CapabilityError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *CapabilityError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *CapabilityError) ErrorCode() ErrorCode {
	return e.Code
}

// WithContext adds context information to the error.
func (e *CapabilityError) WithContext(key string, value interface{}) *CapabilityError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewCapabilityError creates a new capability error.
func NewCapabilityError(code ErrorCode, message string) *CapabilityError {
	return &CapabilityError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapCapabilityError wraps an existing error as a capability error.
func WrapCapabilityError(code ErrorCode, message, target string, err error) *CapabilityError {
	return &CapabilityError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// JobError represents a scan job lifecycle error.
type JobError struct {
	Code    ErrorCode
	Message string
	JobID   string
	Cause   error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.JobID != "" {
		msg += fmt.Sprintf(" (job: %s)", e.JobID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *JobError) ErrorCode() ErrorCode {
	return e.Code
}

// NewJobError creates a new job error.
func NewJobError(code ErrorCode, jobID, message string) *JobError {
	return &JobError{
		Code:    code,
		Message: message,
		JobID:   jobID,
	}
}

// DatabaseError represents persistence errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation: %s)", e.Operation)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WithOperation records the store operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
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

// ErrorCode returns the error code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
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

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsNotFound reports whether err denotes a missing resource.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether err denotes a uniqueness conflict.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDatabaseConnection, CodeDatabaseTimeout:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseMigration, CodeCapability:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrDuplicateJob creates an error for a job id that already exists.
func ErrDuplicateJob(jobID string) *JobError {
	return NewJobError(CodeDuplicateJob, jobID, "job already exists or is running")
}

// ErrNotReady creates an error for results requested before completion.
func ErrNotReady(jobID, status string) *JobError {
	return NewJobError(CodeNotReady, jobID, fmt.Sprintf("results not ready, job is %s", status))
}

// ErrCanceled creates an error for a job that was canceled.
func ErrCanceled(jobID string) *JobError {
	return NewJobError(CodeCanceled, jobID, "canceled")
}

// ErrNotFound creates an error for a missing resource.
func ErrNotFound(resource string) *DatabaseError {
	return NewDatabaseError(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ErrNotFoundWithID creates an error for a missing resource identified by id.
func ErrNotFoundWithID(resource, id string) *DatabaseError {
	return NewDatabaseError(CodeNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// ErrConflict creates an error for a uniqueness violation.
func ErrConflict(resource string) *DatabaseError {
	return NewDatabaseError(CodeConflict, fmt.Sprintf("%s already exists", resource))
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "required configuration field missing", field, nil)
}
