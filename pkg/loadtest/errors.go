package loadtest

import (
	"errors"
	"fmt"
)

// ErrorCode allows us to encapsulate specific failure codes for the master,
// slave and standalone processes. Codes double as process exit codes.
type ErrorCode int

// Error/exit codes for load testing-related errors.
const (
	NoError ErrorCode = iota
	ErrInvalidConfig
	ErrPoolInitFailed
	ErrSlaveNotReady
	ErrSlaveInitFailed
	ErrSlaveWarmupFailed
	ErrLoadTestFailed
	ErrKilled
	ErrStatsWriteFailed
	ErrResponderFailed
	ErrMonitorFailed
)

// Error is a way of wrapping the meaningful exit code we want to provide on
// failure.
type Error struct {
	Code     ErrorCode
	Message  string
	Upstream error
}

var _ error = (*Error)(nil)

// NewError allows us to create new Error structures from the given code and
// upstream error (can be nil).
func NewError(code ErrorCode, upstream error, additionalInfo ...string) *Error {
	return &Error{
		Code:     code,
		Message:  ErrorMessageForCode(code, additionalInfo...),
		Upstream: upstream,
	}
}

func (e *Error) Error() string {
	if e.Upstream != nil {
		return fmt.Sprintf("%s. Caused by: %s", e.Message, e.Upstream.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Upstream
}

// ErrorMessageForCode translates the given error code into a human-readable,
// English message.
func ErrorMessageForCode(code ErrorCode, additionalInfo ...string) string {
	var result string
	switch code {
	case NoError:
		result = "No error"
	case ErrInvalidConfig:
		result = "Invalid configuration"
	case ErrPoolInitFailed:
		result = "Failed to initialize connection pool"
	case ErrSlaveNotReady:
		result = "Slave did not respond to ping"
	case ErrSlaveInitFailed:
		result = "Slave failed to initialize its connections"
	case ErrSlaveWarmupFailed:
		result = "Slave failed to warm up"
	case ErrLoadTestFailed:
		result = "Load test failed"
	case ErrKilled:
		result = "Process killed"
	case ErrStatsWriteFailed:
		result = "Failed to write statistics"
	case ErrResponderFailed:
		result = "Responder failed"
	case ErrMonitorFailed:
		result = "Queue monitor failed"
	default:
		return "Unrecognized error"
	}
	if len(additionalInfo) > 0 {
		result = fmt.Sprintf("%s: %s", result, additionalInfo[0])
	}
	return result
}

// IsErrorCode checks whether err, or any error it wraps, is an *Error with the
// given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// ExitCode returns the process exit code for the given error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return int(e.Code)
	}
	return 1
}
