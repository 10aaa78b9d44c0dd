package realtime

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures of the push connection and the signaling
// REST calls. Codes determine whether an operation may be retried and how
// the failure is surfaced.
type ErrorCode string

const (
	// ErrCodeConnection indicates the push transport dropped or failed to establish.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates a rejected bearer token (HTTP 401).
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeServer indicates a non-2xx signaling response other than 401.
	ErrCodeServer ErrorCode = "SERVER_ERROR"

	// ErrCodeProtocol indicates a malformed or unroutable server event.
	ErrCodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// ErrCodeInternal indicates an unexpected local failure.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified error with optional debugging context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error so errors.Is and errors.As work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithContext attaches a key-value pair for diagnostics.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the error represents a transient failure.
// Authentication failures are never retryable; the user must re-authenticate.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeServer:
		return true
	default:
		return false
	}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrServer creates a server error.
func ErrServer(message string, err error) *Error {
	return NewError(ErrCodeServer, message, err)
}

// ErrProtocol creates a protocol error.
func ErrProtocol(message string, err error) *Error {
	return NewError(ErrCodeProtocol, message, err)
}

// GetErrorCode extracts the ErrorCode from err, defaulting to
// ErrCodeInternal for unclassified errors.
func GetErrorCode(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}
