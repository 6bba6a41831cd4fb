package errs

import (
	"fmt"
)

// Error codes for field node operations
const (
	// Transport errors
	ErrCodeConnectFailed   = "CONNECT_FAILED"
	ErrCodeSocketClosed    = "SOCKET_CLOSED"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeOfflinePersist  = "OFFLINE_PERSISTENT"
	ErrCodeHandshakeFailed = "HANDSHAKE_FAILED"

	// Serialization errors
	ErrCodeDecodeFailed = "DECODE_FAILED"
	ErrCodeEncodeFailed = "ENCODE_FAILED"
	ErrCodeUnknownKind  = "UNKNOWN_KIND"

	// Computation errors
	ErrCodeMalformedInput = "MALFORMED_INPUT"
	ErrCodeGridMismatch   = "GRID_MISMATCH"

	// Persistence errors
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeCorruptState     = "CORRUPT_STATE"
	ErrCodeKeyNotFound      = "KEY_NOT_FOUND"

	// Capacity errors
	ErrCodeQueueFull        = "QUEUE_FULL"
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	ErrCodeRateLimited      = "RATE_LIMITED"
)

// FieldError carries a stable code for programmatic handling plus context
type FieldError struct {
	Code    string                 // Error code for programmatic handling
	Message string                 // Human-readable message
	Context map[string]interface{} // Additional context
	Cause   error                  // Underlying error
}

// Error implements the error interface
func (e *FieldError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *FieldError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *FieldError) WithContext(key string, value interface{}) *FieldError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new field error
func New(code, message string) *FieldError {
	return &FieldError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with field error context
func Wrap(code, message string, cause error) *FieldError {
	return &FieldError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrConnectFailed(url string, cause error) *FieldError {
	return Wrap(ErrCodeConnectFailed, "connection failed", cause).
		WithContext("url", url)
}

func ErrTimeout(operation string, duration string) *FieldError {
	return New(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithContext("duration", duration)
}

func ErrHandshakeFailed(nodeID string, cause error) *FieldError {
	return Wrap(ErrCodeHandshakeFailed, "auth handshake failed", cause).
		WithContext("node_id", nodeID)
}

func ErrDecodeFailed(kind string, cause error) *FieldError {
	return Wrap(ErrCodeDecodeFailed, "message decode failed", cause).
		WithContext("kind", kind)
}

func ErrUnknownKind(kind string) *FieldError {
	return New(ErrCodeUnknownKind, "unknown event kind").
		WithContext("kind", kind)
}

func ErrMalformedInput(reason string) *FieldError {
	return New(ErrCodeMalformedInput, "malformed field input").
		WithContext("reason", reason)
}

func ErrCorruptState(key string, cause error) *FieldError {
	return Wrap(ErrCodeCorruptState, "persisted state corrupt", cause).
		WithContext("key", key)
}

func ErrRateLimited(originID string) *FieldError {
	return New(ErrCodeRateLimited, "origin rate limited").
		WithContext("origin_id", originID)
}
