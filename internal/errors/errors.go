// Package errors defines the typed error codes surfaced by the orchestration
// engine. Callers import it as xerrors to avoid clashing with the standard
// library.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies one error kind. Code values double as the wire strings
// carried in API error bodies and on failed task records.
type Code string

const (
	CodeUnknown          Code = "Unknown"
	CodeValidation       Code = "ValidationError"
	CodeCyclicDependency Code = "CyclicDependency"
	CodeCapacityExceeded Code = "CapacityExceeded"
	CodeTimeout          Code = "Timeout"
	CodeExecution        Code = "ExecutionError"
	CodeAlreadyTerminal  Code = "AlreadyTerminal"
	CodeNotFound         Code = "NotFound"
)

// Error is the engine's unified error type: a code, a message, and an
// optional wrapped cause.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches two *Error values by code, so errors.Is(err, xerrors.New(code, ""))
// works across wrapping.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error's code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the code prefix or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From extracts the typed error from an error chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of any error, or CodeUnknown for untyped errors.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to the status the API responds with.
// AlreadyTerminal maps to 409; the idempotent cancel handler downgrades it
// to 200 itself since repeated cancels are reported, not failed.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation, CodeCyclicDependency:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyTerminal:
		return http.StatusConflict
	case CodeCapacityExceeded:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
