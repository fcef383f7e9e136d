// ABOUTME: Classified error type carrying a taxonomy class, wrapped cause, and retry hint.
// ABOUTME: Provides ClassOf/IsRetryable so retry and health logic share one classification.

package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class identifies where in the taxonomy an error falls.
type Class string

const (
	Network           Class = "network"
	Authentication    Class = "authentication"
	AgentUnavailable  Class = "agent_unavailable"
	RateLimit         Class = "rate_limit"
	Timeout           Class = "timeout"
	InvalidRequest    Class = "invalid_request"
	ResourceExhausted Class = "resource_exhausted"
	Cancelled         Class = "cancelled"

	// Unknown is returned by ClassOf for errors that never passed through
	// a classification boundary. It is not a valid class for a new Error.
	Unknown Class = ""
)

// Error is a classified error. Message describes the failing operation,
// Err is the wrapped cause (may be nil), and RetryAfter is a wait hint
// set only on rate_limit faults.
type Error struct {
	Class      Class
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error with a literal message.
func New(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. If err is already an *Error of the
// same class the original is returned unchanged so hints survive.
func Wrap(class Class, err error, message string) *Error {
	var fe *Error
	if errors.As(err, &fe) && fe.Class == class && message == "" {
		return fe
	}
	return &Error{Class: class, Message: message, Err: err}
}

// WithRetryAfter attaches a wait hint and returns the same error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// ClassOf reports the class of err. Context cancellation and deadline
// errors classify even when they were never wrapped. Errors that carry
// no class report Unknown.
func ClassOf(err error) Class {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// IsRetryable reports whether retrying err could plausibly succeed.
// Only transient classes qualify.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case Network, Timeout:
		return true
	}
	return false
}

// RetryAfterHint extracts the wait hint from a rate_limit fault.
func RetryAfterHint(err error) (time.Duration, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}

// FromContext classifies a context error after a wait was interrupted.
// It returns nil when ctx has no error.
func FromContext(ctx context.Context) *Error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Wrap(Timeout, ctx.Err(), "")
	default:
		return Wrap(Cancelled, ctx.Err(), "")
	}
}
