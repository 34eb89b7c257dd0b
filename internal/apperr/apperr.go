// Package apperr defines the tagged error type returned by the authentication flows.
//
// Every failure surfaced to a caller carries a Kind. HTTP handlers switch on the kind to pick a
// status code, so adding a kind means updating that switch.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for callers.
type Kind int

const (
	// KindValidation marks malformed input. Recoverable by retrying with corrected input.
	KindValidation Kind = iota + 1
	// KindRateLimit marks a throttled request.
	KindRateLimit
	// KindAuthentication marks bad credentials, invalid OTPs and rejected tokens.
	KindAuthentication
	// KindConflict marks an identifier that is already registered.
	KindConflict
	// KindNotFound marks an unknown account on flows that are allowed to say so.
	KindNotFound
	// KindDependency marks a store or cache failure.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error is the structured error shared by the service layer and the HTTP handlers.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the default HTTP status for the kind when non-zero.
	Status int
	// RetryAfter is set only when it can be derived from a cooldown.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := e.RetryAfter / time.Second
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return int(secs)
}

// Validation builds a KindValidation error.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// RateLimited builds a KindRateLimit error. retryAfter may be zero.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// Authentication builds a KindAuthentication error answered with the given HTTP status.
func Authentication(status int, message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Status: status}
}

// Conflict builds a KindConflict error.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// NotFound builds a KindNotFound error.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Dependency wraps a store or cache failure. The message is for logs; callers see an opaque one.
func Dependency(message string, err error) *Error {
	return &Error{Kind: KindDependency, Message: message, Err: err}
}

// Wrap attaches a cause to e and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the kind of err, or zero when err carries none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}
