package streams

import (
	"errors"
	"fmt"
)

// StreamError represents a domain-specific error.
type StreamError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeStreamNotFound  = "STREAM_NOT_FOUND"
	ErrCodeStreamExists    = "STREAM_EXISTS"
	ErrCodeInvalidParams   = "INVALID_PARAMS"
	ErrCodeConfigError     = "CONFIG_ERROR"
	ErrCodeSessionActive   = "SESSION_ACTIVE"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeProviderError   = "PROVIDER_ERROR"
	ErrCodeColorUnchanged  = "COLOR_UNCHANGED"
	ErrCodeTransportError  = "TRANSPORT_ERROR"
	ErrCodeInvalidHandle   = "INVALID_HANDLE"
)

// NewStreamError creates a new stream error.
func NewStreamError(code, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode returns the code of the first StreamError in err's chain, or "".
func ErrorCode(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
