package governance

import (
	"errors"
	"fmt"
)

// Code is the closed error taxonomy surfaced to callers.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeAuthRequired  Code = "AUTH_REQUIRED"
	CodeUnknownKey    Code = "UNKNOWN_KEY"
	CodeReplay        Code = "REPLAY_CONFLICT"
	CodeNotReady      Code = "NOT_INITIALIZED"
	CodeRateLimited   Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeAlreadyActive Code = "ALREADY_INITIALIZED"
)

// Retryable reports whether a caller may retry without changing the request.
func (c Code) Retryable() bool {
	return c == CodeRateLimited || c == CodeInternal
}

// Error is every failure returned by the orchestrator.
// Message is safe to show callers; the cause is kept for logs and errors.Is.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId"`
	cause   error
}

// NewError builds an Error.
func NewError(code Code, message, traceID string, cause error) *Error {
	return &Error{Code: code, Message: message, TraceID: traceID, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (trace %s): %v", e.Code, e.Message, e.TraceID, e.cause)
	}
	return fmt.Sprintf("%s: %s (trace %s)", e.Code, e.Message, e.TraceID)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the code from err, or CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return CodeInternal
}
