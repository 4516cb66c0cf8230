// Package fault classifies errors into the kinds the bot reports to users.
//
// Validation, NotFound, Conflict and PermissionDenied carry a message that is
// safe to show the requesting actor. Unavailable and Internal never expose
// their cause; UserMessage replaces them with a fixed retry notice.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	PermissionDenied
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case PermissionDenied:
		return "permission_denied"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Retryable reports whether repeating the request may succeed.
func (k Kind) Retryable() bool { return k == Unavailable }

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf reports a malformed or incomplete submission.
func Validationf(format string, args ...any) error {
	return &Error{Kind: Validation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing ticket or resource.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: NotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf reports a violated precondition on current state.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: Conflict, Msg: fmt.Sprintf(format, args...)}
}

// Deniedf reports an actor lacking the required capability.
func Deniedf(format string, args ...any) error {
	return &Error{Kind: PermissionDenied, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a collaborator failure (store, chat platform, fetcher).
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Unavailable, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

const retryNotice = "Something went wrong on our side. Please try again in a moment."

// UserMessage renders err for the requesting actor.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return retryNotice
	}
	switch fe.Kind {
	case Validation, NotFound, Conflict, PermissionDenied:
		return fe.Msg
	default:
		return retryNotice
	}
}
