// Package apperr defines the error taxonomy surfaced by the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how it is reported to callers.
type Kind int

const (
	KindInternal Kind = iota
	KindClient
	KindAuth
	KindNotFound
	KindConflict
	KindTooMany
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindClient:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooMany:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTooMany:
		return "too_many_requests"
	default:
		return "internal"
	}
}

// Stable error codes.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidCursor     = "INVALID_CURSOR"
	CodeInvalidPagination = "INVALID_PAGINATION"
	CodeInvalidSchema     = "INVALID_SCHEMA"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is an error with a kind, a stable code and a caller-safe message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for e.
func (e *Error) Status() int { return e.Kind.Status() }

// Client reports a malformed or invalid request.
func Client(code, format string, args ...any) *Error {
	return &Error{Kind: KindClient, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Auth reports a missing, invalid or mismatched credential. The message never
// says which of those it was.
func Auth() *Error {
	return &Error{Kind: KindAuth, Code: CodeUnauthorized, Message: "unauthorized"}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: what + " not found"}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps err. Only the generic message reaches the caller.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal server error", Err: err}
}

// WithDetails returns e with details attached.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// As extracts an *Error from err, wrapping unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	return As(err).Kind
}
