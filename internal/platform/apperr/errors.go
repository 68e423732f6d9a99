// Package apperr defines the error taxonomy shared by every service: each error carries a Kind that
// the HTTP layer maps to a status code, plus optional current/requested status for transition conflicts.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind string

const (
	// KindValidation means the request was malformed or violated a structural rule.
	KindValidation Kind = "validation"
	// KindConflict means the request conflicts with current state (transition rejected, lost race, key reuse).
	KindConflict Kind = "conflict"
	// KindNotFound means a referenced entity does not exist in the caller's project.
	KindNotFound Kind = "not_found"
	// KindTimeout means a bounded wait elapsed before the outcome was known.
	KindTimeout Kind = "timeout"
	// KindInvalidState means persisted data violates an internal invariant. Always an internal fault.
	KindInvalidState Kind = "invalid_state"
	// KindUnauthenticated means the caller or sensor credentials were missing or invalid.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden means the caller's project role does not permit the action.
	KindForbidden Kind = "forbidden"
)

// Error is the typed application error.
type Error struct {
	Kind    Kind
	Message string
	// Current and Requested are set for status transition conflicts.
	Current   string
	Requested string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Current != "" || e.Requested != "" {
		msg = fmt.Sprintf("%s (current=%s, requested=%s)", msg, e.Current, e.Requested)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// NotFound returns a KindNotFound error for the given entity and id.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Conflict returns a KindConflict error.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// TransitionConflict returns a KindConflict error naming the current and requested status.
func TransitionConflict(entity, current, requested string) *Error {
	return &Error{
		Kind:      KindConflict,
		Message:   fmt.Sprintf("%s status transition not allowed", entity),
		Current:   current,
		Requested: requested,
	}
}

// Timeout returns a KindTimeout error.
func Timeout(format string, args ...any) *Error { return newf(KindTimeout, format, args...) }

// InvalidState returns a KindInvalidState error.
func InvalidState(format string, args ...any) *Error { return newf(KindInvalidState, format, args...) }

// Unauthenticated returns a KindUnauthenticated error.
func Unauthenticated(format string, args ...any) *Error {
	return newf(KindUnauthenticated, format, args...)
}

// Forbidden returns a KindForbidden error.
func Forbidden(format string, args ...any) *Error { return newf(KindForbidden, format, args...) }

// Wrap attaches err as the cause of a new error of the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	e := newf(kind, format, args...)
	e.Err = err
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
