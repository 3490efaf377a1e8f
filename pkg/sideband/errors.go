package sideband

import (
	"errors"
	"fmt"
	"math"
)

// Status is a numeric result code shared with the native handle ABI.
type Status int32

// Status codes. Queue codes are offsets from UnknownError.
const (
	StatusOK            Status = 0
	StatusInvalid       Status = -22 // -EINVAL
	UnknownError        Status = math.MinInt32
	BufQueueFull        Status = UnknownError + 9
	BufQueueEmpty       Status = UnknownError + 10
	BufQueueNoMoreData  Status = UnknownError + 11
	SettingNoDataChange Status = UnknownError + 12
)

// String returns the symbolic name of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalid:
		return "EINVAL"
	case UnknownError:
		return "UNKNOWN_ERROR"
	case BufQueueFull:
		return "BUF_QUEUE_FULL"
	case BufQueueEmpty:
		return "BUF_QUEUE_EMPTY"
	case BufQueueNoMoreData:
		return "BUF_QUEUE_NO_MORE_DATA"
	case SettingNoDataChange:
		return "SETTING_NO_DATA_CHANGE"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// Error is returned by every sideband operation that fails.
type Error struct {
	Code    Status
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == ""
}

// Status returns the code of the error.
func (e *Error) Status() Status {
	return e.Code
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrBufQueueFull        = &Error{Code: BufQueueFull}
	ErrBufQueueEmpty       = &Error{Code: BufQueueEmpty}
	ErrBufQueueNoMoreData  = &Error{Code: BufQueueNoMoreData}
	ErrSettingNoDataChange = &Error{Code: SettingNoDataChange}
	ErrInvalidHandle       = &Error{Code: StatusInvalid}
)

// Non-protocol errors raised by the Go API.
var (
	ErrInvalidIndex       = errors.New("buffer index out of range")
	ErrBufferNotOwned     = errors.New("buffer not owned by caller")
	ErrWrongRole          = errors.New("operation not valid for handle role")
	ErrClosed             = errors.New("handle closed")
	ErrNotInitialized     = errors.New("handle factory not initialized")
	ErrAlreadyInitialized = errors.New("handle factory already initialized")
	ErrUnknownProvider    = errors.New("unknown sideband provider")
	ErrStreamNotFound     = errors.New("sideband stream not found")
	ErrConsumerAttached   = errors.New("stream already has a consumer")
)

func newError(code Status, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// StatusOf maps an error to its status code. Nil maps to StatusOK and
// non-sideband errors map to UnknownError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return UnknownError
}

// IsQueueState reports whether err signals ordinary back-pressure or end of
// stream rather than a failure.
func IsQueueState(err error) bool {
	switch StatusOf(err) {
	case BufQueueFull, BufQueueEmpty, BufQueueNoMoreData:
		return true
	default:
		return false
	}
}
