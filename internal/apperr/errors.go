// Package apperr holds the error taxonomy shared by every layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for the HTTP layer.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindConflict               Kind = "CONFLICT"
	KindConcurrentModification Kind = "CONCURRENT_MODIFICATION"
	KindUpstreamUnavailable    Kind = "UPSTREAM_UNAVAILABLE"
	KindTimeout                Kind = "TIMEOUT"
	KindPayloadTooLarge        Kind = "PAYLOAD_TOO_LARGE"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindForbidden              Kind = "FORBIDDEN"
	KindInternal               Kind = "INTERNAL"
)

// Error is an application error with a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind and message, so a wrapped copy still
// satisfies errors.Is against the sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// Wrap attaches a cause to a sentinel, keeping its kind and message.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Cause: cause}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(service string, cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: fmt.Sprintf("%s unavailable", service), Cause: cause}
}

var (
	ErrUnsupportedFormat      = New(KindValidation, "unsupported image format")
	ErrPayloadTooLarge        = New(KindPayloadTooLarge, "payload too large")
	ErrStorageUnavailable     = New(KindUpstreamUnavailable, "storage unavailable")
	ErrPostNotFound           = New(KindNotFound, "post not found")
	ErrUserNotFound           = New(KindNotFound, "user not found")
	ErrAlreadyLiked           = New(KindConflict, "post already liked")
	ErrNotLiked               = New(KindConflict, "post not liked")
	ErrConcurrentModification = New(KindConcurrentModification, "post was modified concurrently, retry the request")
	ErrUsernameTaken          = New(KindConflict, "username already taken")
	ErrUserExists             = New(KindConflict, "user already exists")
	ErrPostExists             = New(KindConflict, "post already exists")
	ErrVisionTimeout          = New(KindTimeout, "vision classification timed out")
	ErrUnauthorized           = New(KindUnauthorized, "not authorized")
	ErrForbidden              = New(KindForbidden, "not allowed to act on behalf of another user")

	// ErrConditionFailed is returned by record stores when a conditional
	// write loses against a concurrent writer.
	ErrConditionFailed = New(KindConcurrentModification, "conditional write rejected")
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the handlers reply with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindConcurrentModification:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
