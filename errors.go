package rivetdb

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeUpstream   ErrorType = "upstream"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeCatalog    ErrorType = "catalog"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes surfaced in the HTTP error envelope
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeBadGateway          = "BAD_GATEWAY"
	ErrCodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

// Error is the unified typed error for the engine and catalog layers. Only
// the HTTP handlers map it to status codes; inner layers propagate it as-is.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause attaches an underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// NewValidationError creates a 400-class error
func NewValidationError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeValidation, Code: ErrCodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a 404-class error
func NewNotFoundError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeNotFound, Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError creates a 409-class error
func NewConflictError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeConflict, Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewUpstreamError creates a 502-class error for failed source operations
func NewUpstreamError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeUpstream, Code: ErrCodeBadGateway, Message: fmt.Sprintf(format, args...)}
}

// NewStorageError creates an error for failed cache I/O
func NewStorageError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeStorage, Code: ErrCodeInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError creates a 500-class error
func NewInternalError(format string, args ...any) *Error {
	return &Error{Type: ErrorTypeInternal, Code: ErrCodeInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from an error chain
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// MigrationHashMismatchError aborts startup when a migration's SQL changed
// after it was applied to an existing database.
type MigrationHashMismatchError struct {
	Version      int64
	CompiledHash string
	StoredHash   string
}

func (e *MigrationHashMismatchError) Error() string {
	return fmt.Sprintf(
		"migration v%d was modified after being applied\n"+
			"  compiled hash (current code): %s\n"+
			"  stored hash (in database):    %s\n"+
			"this database was created with a different version of migration v%d; "+
			"wipe and recreate the catalog database, then restart",
		e.Version, e.CompiledHash, e.StoredHash, e.Version)
}

// MissingMigrationError aborts startup when applied versions have a gap.
type MissingMigrationError struct {
	Version    int64
	MaxApplied int64
}

func (e *MissingMigrationError) Error() string {
	return fmt.Sprintf(
		"migration v%d is missing but v%d was applied; migrations must be applied "+
			"sequentially, wipe and recreate the catalog database",
		e.Version, e.MaxApplied)
}

// FetchErrorKind classifies upstream fetch failures.
type FetchErrorKind string

const (
	FetchErrDriverLoad          FetchErrorKind = "driver_load"
	FetchErrConnection          FetchErrorKind = "connection"
	FetchErrQuery               FetchErrorKind = "query"
	FetchErrStorage             FetchErrorKind = "storage"
	FetchErrUnsupportedDriver   FetchErrorKind = "unsupported_driver"
	FetchErrDiscovery           FetchErrorKind = "discovery"
	FetchErrSchemaSerialization FetchErrorKind = "schema_serialization"
)

// DataFetchError is returned by DataFetcher implementations. The refresh
// coordinator maps it to user-visible refresh failures.
type DataFetchError struct {
	Kind    FetchErrorKind
	Message string
	Cause   error
}

func (e *DataFetchError) Error() string {
	switch e.Kind {
	case FetchErrDriverLoad:
		return fmt.Sprintf("driver load failed: %s", e.Message)
	case FetchErrConnection:
		return fmt.Sprintf("connection failed: %s", e.Message)
	case FetchErrQuery:
		return fmt.Sprintf("query failed: %s", e.Message)
	case FetchErrStorage:
		return fmt.Sprintf("storage write failed: %s", e.Message)
	case FetchErrUnsupportedDriver:
		return fmt.Sprintf("unsupported driver: %s", e.Message)
	case FetchErrDiscovery:
		return fmt.Sprintf("discovery failed: %s", e.Message)
	case FetchErrSchemaSerialization:
		return fmt.Sprintf("schema serialization failed: %s", e.Message)
	default:
		return e.Message
	}
}

func (e *DataFetchError) Unwrap() error {
	return e.Cause
}

// NewFetchError creates a DataFetchError of the given kind
func NewFetchError(kind FetchErrorKind, cause error, format string, args ...any) *DataFetchError {
	return &DataFetchError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
