// Package errs defines the broker's error taxonomy. Every public operation
// returns either success or exactly one typed error; callers branch on the
// Kind, transports map it to a status code.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindIsolationViolation   Kind = "isolation_violation"
	KindQueueFull            Kind = "queue_full"
	KindProtocolIncompatible Kind = "protocol_incompatible"
	KindRateLimited          Kind = "rate_limited"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindCancelled            Kind = "cancelled"
	KindDegradedStore        Kind = "degraded_store"
	KindInternal             Kind = "internal"
)

// Error is the broker's error value. Detail carries diagnostic fields for
// kinds that promise them (QueueFull, ProtocolIncompatible, SchemaViolation
// pointer paths); authentication errors stay generic by policy.
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]interface{}
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by Kind, so errors.Is(err, errs.E(KindNotFound, ""))
// style comparisons work alongside errors.As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// E builds a typed error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail attaches a diagnostic field and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the Kind from any error. Context cancellation maps to
// KindCancelled; everything untyped is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// FromContext converts a context error into the taxonomy, or returns nil
// when the context is still live.
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Wrap(KindCancelled, err, "operation cancelled")
	}
	return nil
}
