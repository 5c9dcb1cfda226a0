package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindPermissionDenied    Kind = "permission_denied"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindRateLimited         Kind = "rate_limited"
	KindStage               Kind = "stage"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// HTTPStatus maps the kind onto a response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified service error. Message is safe to show to users; Err
// carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else {
		parts = append(parts, string(e.Kind))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for anything unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of a classified error.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return "internal error"
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation reports a user-correctable request problem.
func Validation(op, format string, args ...any) error {
	return newError(KindValidation, op, nil, format, args...)
}

// Unauthenticated reports a missing or unresolvable identity.
func Unauthenticated(op string) error {
	return newError(KindUnauthenticated, op, nil, "authentication required")
}

// PermissionDenied reports an authenticated caller that does not own the resource.
func PermissionDenied(op, format string, args ...any) error {
	return newError(KindPermissionDenied, op, nil, format, args...)
}

// NotFound reports an absent resource, or one the caller may not know exists.
func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, nil, format, args...)
}

// Conflict reports a lost compare-and-swap.
func Conflict(op string, err error, format string, args ...any) error {
	return newError(KindConflict, op, err, format, args...)
}

// RateLimited reports a caller over its request budget.
func RateLimited(op, format string, args ...any) error {
	return newError(KindRateLimited, op, nil, format, args...)
}

// UpstreamUnavailable reports a failing external collaborator.
func UpstreamUnavailable(op string, err error, format string, args ...any) error {
	return newError(KindUpstreamUnavailable, op, err, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return newError(KindInternal, op, err, "internal error")
}
