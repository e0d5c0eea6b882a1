// Package errors provides the structured error taxonomy shared by the compile
// pipeline, the registry, the response cache and the HTTP surface.
//
// Every error raised by strata packages is a *StrataError carrying a Type that
// decides how it propagates: file-level scan, transpile and write errors abort
// a compile pass, validation and not-found errors become client faults, and
// cache errors are always logged and bypassed.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeScan       ErrorType = "scan"
	ErrorTypeTranspile  ErrorType = "transpile"
	ErrorTypeWrite      ErrorType = "write"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeCache      ErrorType = "cache"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// StrataError is a structured error type with context.
type StrataError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Path        string
	Recoverable bool
}

// Error implements the error interface.
func (e *StrataError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *StrataError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *StrataError) Is(target error) bool {
	var t *StrataError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *StrataError) WithContext(key string, value interface{}) *StrataError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath records the file or resource path the error refers to.
func (e *StrataError) WithPath(path string) *StrataError {
	e.Path = path

	return e
}

// Error creation functions

// NewScanError creates a source enumeration error.
func NewScanError(path string, cause error) *StrataError {
	return &StrataError{
		Type:    ErrorTypeScan,
		Code:    ErrCodeScanFailed,
		Message: "scanning sources failed",
		Cause:   cause,
		Path:    path,
	}
}

// NewTranspileError creates a transform error for a single source file.
func NewTranspileError(path string, cause error) *StrataError {
	return &StrataError{
		Type:        ErrorTypeTranspile,
		Code:        ErrCodeTranspileFailed,
		Message:     "transpiling collection failed",
		Cause:       cause,
		Path:        path,
		Recoverable: true,
	}
}

// NewWriteError creates an artifact persistence error.
func NewWriteError(path string, cause error) *StrataError {
	return &StrataError{
		Type:    ErrorTypeWrite,
		Code:    ErrCodeWriteFailed,
		Message: "writing artifact failed",
		Cause:   cause,
		Path:    path,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *StrataError {
	return &StrataError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewNotFoundError creates a lookup miss error.
func NewNotFoundError(code, message string) *StrataError {
	return &StrataError{
		Type:        ErrorTypeNotFound,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewCacheError creates a distributed cache error. Cache errors are never
// fatal to the surrounding request.
func NewCacheError(op string, cause error) *StrataError {
	return &StrataError{
		Type:        ErrorTypeCache,
		Code:        ErrCodeCacheUnavailable,
		Message:     "cache " + op + " failed",
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *StrataError {
	return &StrataError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *StrataError {
	return &StrataError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error recovery and handling utilities

// TypeOf returns the ErrorType of the outermost StrataError in the chain, or
// ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Type
	}

	return ErrorTypeInternal
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var se *StrataError
	if errors.As(err, &se) {
		return se.Recoverable
	}

	return false
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsValidation reports whether err is a client validation failure.
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsCacheError reports whether err came from the distributed cache tier.
func IsCacheError(err error) bool {
	return TypeOf(err) == ErrorTypeCache
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message that is safe to echo to untrusted callers:
// the outermost StrataError message without causes, or a generic message.
func PublicMessage(err error) string {
	var se *StrataError
	if errors.As(err, &se) {
		if se.Type == ErrorTypeInternal {
			return "internal server error"
		}
		return se.Message
	}

	return "internal server error"
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle processes an error with appropriate logging.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var se *StrataError
	if !errors.As(err, &se) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch se.Type {
	case ErrorTypeValidation, ErrorTypeNotFound:
		h.logger.Warn(ctx, err, "Client error occurred",
			"type", se.Type,
			"code", se.Code)
	case ErrorTypeCache:
		h.logger.Warn(ctx, err, "Cache tier bypassed",
			"type", se.Type,
			"code", se.Code)
	default:
		h.logger.Error(ctx, err, "Error occurred",
			"type", se.Type,
			"code", se.Code,
			"path", se.Path)
	}
}

// Common error codes.
const (
	ErrCodeScanFailed         = "ERR_SCAN_FAILED"
	ErrCodeTranspileFailed    = "ERR_TRANSPILE_FAILED"
	ErrCodeWriteFailed        = "ERR_WRITE_FAILED"
	ErrCodeInvalidPath        = "ERR_INVALID_PATH"
	ErrCodePathTraversal      = "ERR_PATH_TRAVERSAL"
	ErrCodeMissingParameter   = "ERR_MISSING_PARAMETER"
	ErrCodeInvalidAction      = "ERR_INVALID_ACTION"
	ErrCodeInvalidCategory    = "ERR_INVALID_CATEGORY"
	ErrCodeInvalidBody        = "ERR_INVALID_BODY"
	ErrCodeCollectionNotFound = "ERR_COLLECTION_NOT_FOUND"
	ErrCodeCategoryNotFound   = "ERR_CATEGORY_NOT_FOUND"
	ErrCodeFileNotFound       = "ERR_FILE_NOT_FOUND"
	ErrCodeCacheUnavailable   = "ERR_CACHE_UNAVAILABLE"
	ErrCodeConfigInvalid      = "ERR_CONFIG_INVALID"
	ErrCodeStoreFailed        = "ERR_STORE_FAILED"
	ErrCodeCompileTimeout     = "ERR_COMPILE_TIMEOUT"
	ErrCodeInternalError      = "ERR_INTERNAL"
)

// Helper functions for common errors

// ErrPathTraversal creates a path traversal validation error.
func ErrPathTraversal(path string) *StrataError {
	return NewValidationError(ErrCodePathTraversal, "path traversal attempt: "+path)
}

// ErrMissingParameter creates a missing request parameter error.
func ErrMissingParameter(name string) *StrataError {
	return NewValidationError(ErrCodeMissingParameter, "missing required parameter: "+name)
}

// ErrCollectionNotFound creates a collection lookup miss.
func ErrCollectionNotFound(name string) *StrataError {
	return NewNotFoundError(ErrCodeCollectionNotFound, "collection not found: "+name)
}

// ErrCategoryNotFound creates a category lookup miss.
func ErrCategoryNotFound(id int) *StrataError {
	return NewNotFoundError(ErrCodeCategoryNotFound, fmt.Sprintf("category not found: %d", id))
}
