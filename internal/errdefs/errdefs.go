// Package errdefs defines the error taxonomy shared by the dispatcher,
// worker, and API surfaces: validation, not-found, transport, execution,
// timeout, and internal errors.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError indicates the caller supplied bad input. No state was
// mutated.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// NotFoundError indicates the requested entity does not exist.
type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

// NotFoundf builds a NotFoundError with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &NotFoundError{msg: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// TransportError indicates a store or network operation failed after
// exhausting retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError for the named operation.
// Returns nil if err is nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var v *TransportError
	return errors.As(err, &v)
}

// Failure cause codes recorded in the _FAILED sentinel.
const (
	CauseMissingInput = "missing_input"
	CauseToolError    = "tool_error"
	CauseTimeout      = "timeout"
)

// ExecutionError indicates the render tool exited non-zero, timed out, or
// required inputs were missing. Never retried automatically.
type ExecutionError struct {
	Cause   string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution: %s: %s", e.Cause, e.Message)
}

// Executionf builds an ExecutionError with the given cause code.
func Executionf(cause, format string, args ...any) error {
	return &ExecutionError{Cause: cause, Message: fmt.Sprintf(format, args...)}
}

// IsExecution reports whether err is an ExecutionError.
func IsExecution(err error) bool {
	var v *ExecutionError
	return errors.As(err, &v)
}

// TimeoutError indicates a bounded wait elapsed before completion.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string { return e.msg }

// Timeoutf builds a TimeoutError with a formatted message.
func Timeoutf(format string, args ...any) error {
	return &TimeoutError{msg: fmt.Sprintf(format, args...)}
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var v *TimeoutError
	return errors.As(err, &v)
}

// InternalError indicates a violated invariant. Details are logged, never
// exposed to clients.
type InternalError struct {
	msg string
	err error
}

func (e *InternalError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("internal: %s: %v", e.msg, e.err)
	}
	return "internal: " + e.msg
}

func (e *InternalError) Unwrap() error { return e.err }

// Internal wraps err as an InternalError with context.
func Internal(msg string, err error) error {
	return &InternalError{msg: msg, err: err}
}

// IsInternal reports whether err is an InternalError.
func IsInternal(err error) bool {
	var v *InternalError
	return errors.As(err, &v)
}
