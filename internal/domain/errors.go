// Package domain holds the types shared by the chat and call components.
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for transport mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindCallAlreadyActive Kind = "call_already_active"
	KindTimeout           Kind = "timeout"
	KindGlare             Kind = "glare"
	KindTransport         Kind = "transport"
	KindUnauthorized      Kind = "unauthorized"
)

// Error is a classified failure. Two Errors match under errors.Is when their
// kinds are equal, so callers can test against the sentinels below.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrCallAlreadyActive = &Error{Kind: KindCallAlreadyActive}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrGlare             = &Error{Kind: KindGlare}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}

	// ErrInvalidReference is returned when a reply points at a message that
	// does not exist or belongs to a different conversation.
	ErrInvalidReference = &Error{Kind: KindValidation, Msg: "invalid reply reference"}
)

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
