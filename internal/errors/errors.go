// Package errors provides structured error handling for portsim operations.
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
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"

	// Scan errors.
	CodeScanInProgress  ErrorCode = "SCAN_IN_PROGRESS"
	CodeNoActiveScan    ErrorCode = "NO_ACTIVE_SCAN"
	CodeScanNotFinished ErrorCode = "SCAN_NOT_FINISHED"
	CodeScanFailed      ErrorCode = "SCAN_FAILED"
	CodeTargetInvalid   ErrorCode = "TARGET_INVALID"
	CodeEmptyPortSet    ErrorCode = "EMPTY_PORT_SET"

	// History storage errors.
	CodeStorageConnection    ErrorCode = "STORAGE_CONNECTION"
	CodeStorageQuery         ErrorCode = "STORAGE_QUERY"
	CodeStorageMigration     ErrorCode = "STORAGE_MIGRATION"
	CodeStorageCorrupt       ErrorCode = "STORAGE_CORRUPT"
	CodeConfirmationRequired ErrorCode = "CONFIRMATION_REQUIRED"

	// File system errors.
	CodeFilePermission  ErrorCode = "FILE_PERMISSION"
	CodeDirectoryCreate ErrorCode = "DIRECTORY_CREATE"
)

// ScanError represents an error that occurred during scanning operations.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// StorageError represents history persistence errors.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Key       string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WithOperation records which store operation failed.
func (e *StorageError) WithOperation(op string) *StorageError {
	e.Operation = op
	return e
}

// NewStorageError creates a new storage error.
func NewStorageError(code ErrorCode, message string) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
	}
}

// WrapStorageError wraps an existing error as a storage error.
func WrapStorageError(code ErrorCode, message string, err error) *StorageError {
	return &StorageError{
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

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
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
	return err != nil && GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Code
	}
	var storageErr *StorageError
	if stderrors.As(err, &storageErr) {
		return storageErr.Code
	}
	var configErr *ConfigError
	if stderrors.As(err, &configErr) {
		return configErr.Code
	}
	return CodeUnknown
}

// IsValidation reports whether the error was caused by bad caller input.
func IsValidation(err error) bool {
	switch GetCode(err) {
	case CodeValidation, CodeTargetInvalid, CodeEmptyPortSet:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for an empty or malformed scan target.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Please enter a target host or IP address", target)
}

// ErrEmptyPortSet creates an error for a scan request without ports.
func ErrEmptyPortSet(target string) *ScanError {
	return NewScanErrorWithTarget(CodeEmptyPortSet, "Please select ports to scan", target)
}

// ErrScanInProgress creates an error for a start request while a scan runs.
func ErrScanInProgress(sessionID string) *ScanError {
	return NewScanError(CodeScanInProgress, "A scan is already running").
		WithContext("session_id", sessionID)
}

// ErrNoActiveScan creates an error for stop or export requests without a session.
func ErrNoActiveScan() *ScanError {
	return NewScanError(CodeNoActiveScan, "No scan has been started")
}

// ErrScanNotFinished creates an error for exporting a session that is still running.
func ErrScanNotFinished(sessionID string) *ScanError {
	return NewScanError(CodeScanNotFinished, "Scan has not finished yet").
		WithContext("session_id", sessionID)
}

// ErrStorageQuery creates an error for failed history reads or writes.
func ErrStorageQuery(op string, err error) *StorageError {
	return WrapStorageError(CodeStorageQuery, "History storage query failed", err).WithOperation(op)
}

// ErrConfirmationRequired creates an error for destructive calls made without confirmation.
func ErrConfirmationRequired(op string) *StorageError {
	return NewStorageError(CodeConfirmationRequired, "Explicit confirmation is required").WithOperation(op)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
