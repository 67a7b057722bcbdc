package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeUnsupportedOperation ErrorCode = 1001
	ErrCodeMissingValue         ErrorCode = 1002
	ErrCodeValueMismatch        ErrorCode = 1003
	ErrCodeInvalidStoreType     ErrorCode = 1004
	ErrCodeEntityNotFound       ErrorCode = 1005
	ErrCodeValueTooLarge        ErrorCode = 1006

	// Server errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeBackingStoreFailed ErrorCode = 2002
	ErrCodeSyncTimeout        ErrorCode = 2003
	ErrCodeClosed             ErrorCode = 2004
)

// Sentinels for errors.Is. A StoreError matches a sentinel with the same code.
var (
	ErrUnsupportedOperation = &StoreError{Code: ErrCodeUnsupportedOperation, Message: "unsupported operation"}
	ErrMissingValue         = &StoreError{Code: ErrCodeMissingValue, Message: "missing value"}
	ErrValueMismatch        = &StoreError{Code: ErrCodeValueMismatch, Message: "value does not match reference"}
	ErrInvalidStoreType     = &StoreError{Code: ErrCodeInvalidStoreType, Message: "invalid store type"}
	ErrEntityNotFound       = &StoreError{Code: ErrCodeEntityNotFound, Message: "entity not found"}
	ErrBackingStoreFailed   = &StoreError{Code: ErrCodeBackingStoreFailed, Message: "backing store write failed"}
	ErrSyncTimeout          = &StoreError{Code: ErrCodeSyncTimeout, Message: "sync timed out"}
	ErrClosed               = &StoreError{Code: ErrCodeClosed, Message: "store closed"}
)

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is matches any StoreError carrying the same code
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

// GRPCCode maps err to the gRPC code a transport would report for it. A nil error is OK;
// context errors keep their own codes; errors that are not StoreErrors are Internal.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case stderrors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case stderrors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch GetCode(err) {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMissingValue, ErrCodeValueMismatch,
		ErrCodeInvalidStoreType, ErrCodeValueTooLarge:
		return codes.InvalidArgument
	case ErrCodeUnsupportedOperation:
		return codes.Unimplemented
	case ErrCodeEntityNotFound:
		return codes.NotFound
	case ErrCodeSyncTimeout:
		return codes.DeadlineExceeded
	case ErrCodeUnavailable, ErrCodeBackingStoreFailed, ErrCodeClosed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

func UnsupportedOperation(operation, reason string) *StoreError {
	return NewStoreError(ErrCodeUnsupportedOperation, fmt.Sprintf("%s is not supported: %s", operation, reason), nil).
		WithDetail("operation", operation)
}

func MissingValue(operation string) *StoreError {
	return NewStoreError(ErrCodeMissingValue, fmt.Sprintf("%s requires a value", operation), nil).
		WithDetail("operation", operation)
}

func ValueMismatch(referenceID, valueID string) *StoreError {
	return NewStoreError(ErrCodeValueMismatch,
		fmt.Sprintf("value %q does not match reference %q", valueID, referenceID), nil).
		WithDetail("reference_id", referenceID).
		WithDetail("value_id", valueID)
}

func InvalidStoreType(managing, got string) *StoreError {
	return NewStoreError(ErrCodeInvalidStoreType,
		fmt.Sprintf("store is managing a %s, %s messages not supported", managing, got), nil).
		WithDetail("managing", managing).
		WithDetail("got", got)
}

func EntityNotFound(id string) *StoreError {
	return NewStoreError(ErrCodeEntityNotFound, fmt.Sprintf("entity not found: %s", id), nil).
		WithDetail("entity_id", id)
}

func ValueTooLarge(field string, size, maxSize int) *StoreError {
	return NewStoreError(ErrCodeValueTooLarge, fmt.Sprintf("%s size %d exceeds maximum %d", field, size, maxSize), nil).
		WithDetail("field", field).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeUnavailable, message, cause)
}

func BackingStoreFailed(entityID string, cause error) *StoreError {
	return NewStoreError(ErrCodeBackingStoreFailed, fmt.Sprintf("backing store write failed for %s", entityID), cause).
		WithDetail("entity_id", entityID)
}

func SyncTimeout(pending int) *StoreError {
	return NewStoreError(ErrCodeSyncTimeout, fmt.Sprintf("sync timed out waiting for %d references", pending), nil).
		WithDetail("pending", pending)
}

func Closed(name string) *StoreError {
	return NewStoreError(ErrCodeClosed, fmt.Sprintf("%s is closed", name), nil)
}

// IsStoreError checks if an error is, or wraps, a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
