// Package apperr provides the application error taxonomy shared by every
// component. Errors carry a Kind from a closed set, an operator-readable
// message, an optional wrapped cause, and optional structured details.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the closed set understood by callers,
// retry policies, and the HTTP layer.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindTransient         Kind = "transient"
	KindPermanent         Kind = "permanent"
	KindDependencyFailure Kind = "dependency_failure"
	KindCancelled         Kind = "cancelled"
)

// Error is the concrete error type used across the service.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so callers can use errors.Is with a bare kind
// sentinel, e.g. errors.Is(err, apperr.New(apperr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause. A nil cause
// returns a plain error of that kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// InvalidInput reports a request the caller must fix before retrying.
func InvalidInput(message string) *Error { return New(KindInvalidInput, message) }

// InvalidInputf is InvalidInput with formatting.
func InvalidInputf(format string, args ...interface{}) *Error {
	return Newf(KindInvalidInput, format, args...)
}

// NotFound reports a missing entity.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// NotFoundf is NotFound with formatting.
func NotFoundf(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

// Conflict reports a uniqueness or state conflict.
func Conflict(message string) *Error { return New(KindConflict, message) }

// Conflictf is Conflict with formatting.
func Conflictf(format string, args ...interface{}) *Error {
	return Newf(KindConflict, format, args...)
}

// Unauthorized reports missing authentication.
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

// Forbidden reports insufficient permission.
func Forbidden(message string) *Error { return New(KindForbidden, message) }

// Transient reports a failure that may succeed on retry.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// Transientf is Transient without a cause, with formatting.
func Transientf(format string, args ...interface{}) *Error {
	return Newf(KindTransient, format, args...)
}

// Permanent reports a failure retries will not fix.
func Permanent(message string, err error) *Error {
	return Wrap(KindPermanent, message, err)
}

// DependencyFailure reports an upstream dependency that could not serve.
func DependencyFailure(message string, err error) *Error {
	return Wrap(KindDependencyFailure, message, err)
}

// DependencyFailuref is DependencyFailure without a cause, with formatting.
func DependencyFailuref(format string, args ...interface{}) *Error {
	return Newf(KindDependencyFailure, format, args...)
}

// Cancelled reports a caller-initiated cancellation or deadline expiry.
func Cancelled(message string, err error) *Error {
	return Wrap(KindCancelled, message, err)
}

// KindOf extracts the kind from any error. Context cancellations map to
// KindCancelled; unclassified errors map to KindPermanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPermanent
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a retry policy should attempt err again.
// Only transient failures are retryable; cancellations never are.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps an error kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindDependencyFailure:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
