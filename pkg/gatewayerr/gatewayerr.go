// Package gatewayerr defines the typed error taxonomy used to shape every
// response the gateway sends back over the wire (spec.md §4.1.1, §6.3, §7).
//
// A handler that returns a plain Go error gets mapped to INTERNAL; a handler
// that returns (or wraps) an *Error gets its Code/Message/Retryable/Details
// forwarded verbatim, matching the teacher's pkg/api/errors dispatch style.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Code is the closed set of wire error codes from spec.md §6.3.
type Code string

// The error code set. Keep in sync with spec.md §6.3 exactly.
const (
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeMethodNotFound  Code = "METHOD_NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeBadState        Code = "BAD_STATE"
	CodeInternal        Code = "INTERNAL"
)

// Error is the typed error every gateway method handler may return.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Details   map[string]any
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying cause for logging without changing the
// wire-visible message.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// InvalidRequest builds a validation error.
func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// MethodNotFound builds a method-not-recognized error.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
}

// Unauthorized builds an auth error.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// BadState builds a precondition-failed error tagged with details.kind so
// callers can branch on it (spec.md §6.3).
func BadState(kind, format string, args ...any) *Error {
	return &Error{
		Code:    CodeBadState,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]any{"kind": kind},
	}
}

// BadStateWithDetails is BadState plus arbitrary extra detail fields merged
// alongside "kind" (e.g. worker_limit's maxWorkers/currentWorkers/...).
func BadStateWithDetails(kind string, retryable bool, details map[string]any, format string, args ...any) *Error {
	d := map[string]any{"kind": kind}
	for k, v := range details {
		d[k] = v
	}
	return &Error{
		Code:      CodeBadState,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Details:   d,
	}
}

// Internal builds an unhandled-failure error; message carries best-effort
// detail per spec.md §6.3.
func Internal(err error) *Error {
	if err == nil {
		return &Error{Code: CodeInternal, Message: "internal error"}
	}
	return &Error{Code: CodeInternal, Message: err.Error(), cause: err}
}

// Kind returns details["kind"] if present, else "".
func (e *Error) Kind() string {
	if e.Details == nil {
		return ""
	}
	k, _ := e.Details["kind"].(string)
	return k
}

// As adapts any error to *Error, mapping non-typed errors to INTERNAL. This
// is the single conversion point every method dispatch site should use
// before serializing a response (spec.md §4.1.5).
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return Internal(err)
}
