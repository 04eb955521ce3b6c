// ABOUTME: Gateway error taxonomy returned in response frames.
// ABOUTME: Provides the coded Error type handlers use to surface domain failures.

package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable wire-level error code. The set is exhaustive: every
// response error carries exactly one of these.
type ErrorCode string

const (
	CodeNotLinked      ErrorCode = "NOT_LINKED"
	CodeNotPaired      ErrorCode = "NOT_PAIRED"
	CodeAgentTimeout   ErrorCode = "AGENT_TIMEOUT"
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded error that maps directly onto a response frame's error
// object. Handlers return it (or wrap it) to control the wire code; anything
// else is reported as INTERNAL_ERROR with a safe message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError constructs a coded error.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError translates any handler error into a coded Error. Coded errors pass
// through (including wrapped ones); everything else collapses to
// INTERNAL_ERROR so internal detail never reaches the wire.
func AsError(err error) *Error {
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
