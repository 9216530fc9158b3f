// Package apperr defines the error taxonomy shared by the queue, ingestion, normalization, and admin paths.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an application error.
type Kind string

// Error kinds.
const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTerminal   Kind = "terminal"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTerminal   = errors.New("terminal job failure")
)

// Error carries a Kind plus a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrValidation
	case KindNotFound:
		return target == ErrNotFound
	case KindConflict:
		return target == ErrConflict
	case KindTerminal:
		return target == ErrTerminal
	}
	return false
}

// Validation reports malformed input rejected before any mutation.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity or canonical id.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports a uniqueness violation such as a duplicate override field path.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Terminal marks a job failure that must not be retried. cause may be nil.
func Terminal(cause error, format string, args ...any) error {
	return &Error{Kind: KindTerminal, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTerminal reports whether err is a terminal job error.
func IsTerminal(err error) bool { return errors.Is(err, ErrTerminal) }
