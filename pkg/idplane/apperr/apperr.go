// Package apperr defines the error taxonomy shared by every idplane component
// and the mapping from error kinds to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable error code returned to API callers.
type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindValidation    Kind = "VALIDATION_ERROR"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindForbidden     Kind = "FORBIDDEN"
	KindLimitExceeded Kind = "TENANT_LIMIT_EXCEEDED"
	KindExpired       Kind = "INVITATION_EXPIRED"
	KindRateLimited   Kind = "RATE_LIMITED"
	KindUnavailable   Kind = "EXTERNAL_SERVICE_ERROR"
	KindInternal      Kind = "INTERNAL_ERROR"
)

// Error is the concrete error type carried through services and handlers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches diagnostic fields returned alongside the message.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound reports a missing resource, optionally naming its identifier.
func NotFound(resource, identifier string) *Error {
	msg := resource + " not found"
	if identifier != "" {
		msg = fmt.Sprintf("%s with identifier '%s' not found", resource, identifier)
	}
	return &Error{Kind: KindNotFound, Message: msg}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing identity. An empty message uses the default.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

// Forbidden reports an identity that fails an access predicate.
func Forbidden(message string) *Error {
	if message == "" {
		message = "You do not have permission to perform this action"
	}
	return &Error{Kind: KindForbidden, Message: message}
}

// LimitExceeded reports a tenant that reached its member cap.
func LimitExceeded(tenantName string, limit int) *Error {
	return &Error{
		Kind:    KindLimitExceeded,
		Message: fmt.Sprintf("Tenant '%s' has reached the maximum user limit of %d", tenantName, limit),
	}
}

// Expired reports an invitation or one-time code past its validity.
func Expired(message string) *Error {
	if message == "" {
		message = "This invitation has expired or is no longer valid"
	}
	return &Error{Kind: KindExpired, Message: message}
}

// RateLimited reports a client that exceeded its request rate.
func RateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "Too many requests, slow down"}
}

// Unavailable wraps a failure of a downstream system.
func Unavailable(service string, cause error) *Error {
	msg := fmt.Sprintf("External service '%s' is unavailable", service)
	if cause != nil {
		msg = fmt.Sprintf("External service '%s' error", service)
	}
	return &Error{Kind: KindUnavailable, Message: msg, Err: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "Internal server error", Err: cause}
}

// FromStatus converts a downstream HTTP status into the matching kind.
func FromStatus(service string, status int, body string) *Error {
	detail := fmt.Errorf("%s returned %d: %s", service, status, body)
	switch status {
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s resource not found", service), Err: detail}
	case http.StatusConflict:
		return &Error{Kind: KindConflict, Message: fmt.Sprintf("%s resource already exists", service), Err: detail}
	case http.StatusUnauthorized:
		return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf("%s rejected the service credential", service), Err: detail}
	case http.StatusForbidden:
		return &Error{Kind: KindForbidden, Message: fmt.Sprintf("%s denied the operation", service), Err: detail}
	default:
		return Unavailable(service, detail)
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindLimitExceeded:
		return http.StatusForbidden
	case KindExpired:
		return http.StatusGone
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
