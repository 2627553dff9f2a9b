package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for sync operations.
// Code ranges follow the error taxonomy: 1xxx validation, 2xxx transient,
// 3xxx conflict, 4xxx terminal, 5xxx integrity.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Validation errors: rejected at enqueue, never retried.
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeMissingEntityID    ErrorCode = 1001
	ErrCodeMissingPayload     ErrorCode = 1002
	ErrCodeUnknownDependency  ErrorCode = 1003
	ErrCodeInvalidTransition  ErrorCode = 1004
	ErrCodeBatchValidation    ErrorCode = 1005
	ErrCodeOperationNotFound  ErrorCode = 1006

	// Transient errors: retried with backoff up to the retry budget.
	ErrCodeTimeout        ErrorCode = 2000
	ErrCodeTransport      ErrorCode = 2001
	ErrCodeRemoteBusy     ErrorCode = 2002
	ErrCodeStoreTransient ErrorCode = 2003

	// Conflict: never treated as a failure, routed to the analyzer.
	ErrCodeVersionConflict ErrorCode = 3000
	ErrCodeContentConflict ErrorCode = 3001

	// Terminal errors: surfaced to the caller, never retried again.
	ErrCodeRetriesExhausted ErrorCode = 4000
	ErrCodeRemoteRejected   ErrorCode = 4001
	ErrCodeCancelled        ErrorCode = 4002

	// Integrity errors: trigger rebuild-from-store, never silently ignored.
	ErrCodeChecksumMismatch        ErrorCode = 5000
	ErrCodeSnapshotVersionMismatch ErrorCode = 5001
	ErrCodeCorruptedRecord         ErrorCode = 5002
)

// SyncError represents a structured error with code and context.
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// New creates a new SyncError.
func New(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func InvalidArgument(message string) *SyncError {
	return New(ErrCodeInvalidArgument, message, nil)
}

func MissingEntityID(kind string) *SyncError {
	return New(ErrCodeMissingEntityID, fmt.Sprintf("entity id is required for %s operations", kind), nil).
		WithDetail("kind", kind)
}

func MissingPayload(kind string) *SyncError {
	return New(ErrCodeMissingPayload, fmt.Sprintf("payload is required for %s operations", kind), nil).
		WithDetail("kind", kind)
}

func UnknownDependency(depID string) *SyncError {
	return New(ErrCodeUnknownDependency, fmt.Sprintf("dependency %s is not in the queue", depID), nil).
		WithDetail("dependency_id", depID)
}

func InvalidTransition(opID string, from, to string) *SyncError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot transition operation %s from %s to %s", opID, from, to), nil).
		WithDetail("operation_id", opID).
		WithDetail("from", from).
		WithDetail("to", to)
}

func BatchValidation(entityID, reason string) *SyncError {
	return New(ErrCodeBatchValidation, fmt.Sprintf("batch validation failed for entity %s: %s", entityID, reason), nil).
		WithDetail("entity_id", entityID).
		WithDetail("reason", reason)
}

func OperationNotFound(opID string) *SyncError {
	return New(ErrCodeOperationNotFound, fmt.Sprintf("operation not found: %s", opID), nil).
		WithDetail("operation_id", opID)
}

func Timeout(opID string, cause error) *SyncError {
	return New(ErrCodeTimeout, fmt.Sprintf("operation %s timed out", opID), cause).
		WithDetail("operation_id", opID)
}

func Transport(message string, cause error) *SyncError {
	return New(ErrCodeTransport, message, cause)
}

func RemoteBusy(opID string, status int) *SyncError {
	return New(ErrCodeRemoteBusy, fmt.Sprintf("remote busy applying operation %s (status %d)", opID, status), nil).
		WithDetail("operation_id", opID).
		WithDetail("status", status)
}

func StoreTransient(message string, cause error) *SyncError {
	return New(ErrCodeStoreTransient, message, cause)
}

func RetriesExhausted(opID string, retries int, cause error) *SyncError {
	return New(ErrCodeRetriesExhausted, fmt.Sprintf("operation %s failed after %d retries", opID, retries), cause).
		WithDetail("operation_id", opID).
		WithDetail("retries", retries)
}

func RemoteRejected(opID, reason string) *SyncError {
	return New(ErrCodeRemoteRejected, fmt.Sprintf("remote permanently rejected operation %s: %s", opID, reason), nil).
		WithDetail("operation_id", opID).
		WithDetail("reason", reason)
}

func Cancelled(opID, reason string) *SyncError {
	return New(ErrCodeCancelled, fmt.Sprintf("operation %s cancelled: %s", opID, reason), nil).
		WithDetail("operation_id", opID).
		WithDetail("reason", reason)
}

func ChecksumMismatch(expected, actual uint32) *SyncError {
	return New(ErrCodeChecksumMismatch, fmt.Sprintf("snapshot checksum mismatch: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func SnapshotVersionMismatch(got, want int) *SyncError {
	return New(ErrCodeSnapshotVersionMismatch, fmt.Sprintf("snapshot format version %d, expected %d", got, want), nil).
		WithDetail("got", got).
		WithDetail("want", want)
}

func CorruptedRecord(collection, id string, cause error) *SyncError {
	return New(ErrCodeCorruptedRecord, fmt.Sprintf("corrupted record %s/%s", collection, id), cause).
		WithDetail("collection", collection).
		WithDetail("id", id)
}

// Code extracts the error code from an error, unwrapping as needed.
func Code(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeTransport
}

// IsValidation reports whether the error belongs to the validation class.
func IsValidation(err error) bool {
	c := Code(err)
	return c >= 1000 && c < 2000
}

// IsTransient reports whether the error should be retried with backoff.
// Unclassified errors default to transient so remote hiccups are retried.
func IsTransient(err error) bool {
	c := Code(err)
	return c >= 2000 && c < 3000
}

// IsConflict reports whether the error signals a version/content divergence.
func IsConflict(err error) bool {
	c := Code(err)
	return c >= 3000 && c < 4000
}

// IsTerminal reports whether the error is a final failure disposition.
func IsTerminal(err error) bool {
	c := Code(err)
	return c >= 4000 && c < 5000
}

// IsIntegrity reports whether the error indicates corrupted persisted state.
func IsIntegrity(err error) bool {
	c := Code(err)
	return c >= 5000 && c < 6000
}
