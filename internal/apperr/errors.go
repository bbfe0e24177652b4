// Package apperr defines the error taxonomy shared by the lifecycle operations
// and the HTTP adapter. Every failure carries a Kind, which decides retry and
// status code, and a Reason, a stable machine-readable code for clients.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry decisions and transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindValidation
	KindForbidden
	KindConflict
	KindLockTimeout
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindLockTimeout:
		return "lock_timeout"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Reason is a stable code describing why an operation was refused.
type Reason string

const (
	ReasonEquipmentNotFound Reason = "equipment_not_found"
	ReasonSessionNotFound   Reason = "session_not_found"
	ReasonMaintenance       Reason = "maintenance"
	ReasonDuplicateSession  Reason = "duplicate_session"
	ReasonInUse             Reason = "in_use"
	ReasonScheduledClash    Reason = "scheduled_clash"
	ReasonOverlap           Reason = "overlap"
	ReasonInvalidInterval   Reason = "invalid_interval"
	ReasonMissingTime       Reason = "missing_time"
	ReasonFutureUsage       Reason = "future_usage"
	ReasonAlreadyEnded      Reason = "already_ended"
	ReasonNotOwner          Reason = "not_owner"
	ReasonLockTimeout       Reason = "lock_timeout"
	ReasonRetryExhausted    Reason = "retry_exhausted"
)

// Error is the typed error returned by the engine.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	// Detail holds domain data for the caller, e.g. the blocking *conflict.Conflict.
	Detail any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, reason Reason, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(reason Reason, format string, args ...any) *Error {
	return New(KindNotFound, reason, format, args...)
}

func Validation(reason Reason, format string, args ...any) *Error {
	return New(KindValidation, reason, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, ReasonNotOwner, format, args...)
}

// Conflict builds a business conflict. detail is exposed to callers as the blocking session.
func Conflict(reason Reason, detail any, format string, args ...any) *Error {
	e := New(KindConflict, reason, format, args...)
	e.Detail = detail
	return e
}

// Transient wraps a retryable infrastructure failure.
func Transient(cause error, format string, args ...any) *Error {
	return Wrap(KindTransient, "", cause, format, args...)
}

// Internal wraps an unexpected failure. Its message is never shown to callers.
func Internal(cause error, format string, args ...any) *Error {
	return Wrap(KindInternal, "", cause, format, args...)
}

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err may succeed if the whole transaction is retried.
func IsTransient(err error) bool {
	k := KindOf(err)
	return err != nil && (k == KindTransient || k == KindLockTimeout)
}

// IsTerminal reports whether err must be returned to the caller without retry.
func IsTerminal(err error) bool {
	return err != nil && !IsTransient(err)
}

// HTTPStatus maps a kind onto the status code the HTTP adapter responds with.
func HTTPStatus(k Kind) int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindLockTimeout, KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
