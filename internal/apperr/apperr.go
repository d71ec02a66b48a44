// Package apperr classifies errors into the categories the reader surfaces to
// users: configuration, authorization, transient, validation and noise.
package apperr

import (
	"errors"
	"fmt"
	"runtime/debug"
)

type Kind int

const (
	Unknown Kind = iota
	Configuration
	Authorization
	Transient
	Validation
	Noise
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Authorization:
		return "authorization"
	case Transient:
		return "transient"
	case Validation:
		return "validation"
	case Noise:
		return "noise"
	default:
		return "unknown"
	}
}

// Error attaches a kind, a stable code and a user-facing message to a cause.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Message returns the text to show a user for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	switch KindOf(err) {
	case Authorization:
		return "please sign in again"
	case Configuration:
		return "the service is not configured correctly"
	}
	return err.Error()
}

// IsNoise reports whether err is expected noise that must not reach users.
func IsNoise(err error) bool {
	return KindOf(err) == Noise
}

// Retryable reports whether retrying the same action can succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Configuration, Validation:
		return false
	}
	return true
}

// Panicked wraps a recovered panic value as a transient error.
func Panicked(code, msg string, r interface{}) *Error {
	return Wrap(Transient, code, msg, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
}

// Recover turns a panic into a transient error and hands it to fail. It must
// be deferred directly: defer apperr.Recover(...).
func Recover(code, msg string, fail func(error)) {
	if r := recover(); r != nil {
		fail(Panicked(code, msg, r))
	}
}
