package pubz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subscription protocol errors.
var (
	// ErrBadRequest terminates a subscription whose subscriber requested a
	// non-positive demand amount.
	ErrBadRequest = errors.New("requested demand must be positive")

	// ErrRestConsumed terminates the second subscription to the rest
	// sequence handed to a SwitchOnFirst selector; rest is single-use.
	ErrRestConsumed = errors.New("rest sequence supports a single subscriber")
)

// Error provides rich context about flow execution failures. It wraps the
// underlying error with information about where the failure occurred, what
// element was being processed, and whether the failure was due to timeout
// or cancellation.
//
// Operators prepend their name to Path as the error propagates downstream,
// so the terminal OnError carries the full route of the failure:
//
//	var flowErr *pubz.Error[Order]
//	if errors.As(err, &flowErr) {
//	    log.Printf("failed at: %s", strings.Join(flowErr.Path, " -> "))
//	    log.Printf("element: %+v", flowErr.InputData)
//	}
type Error[T any] struct {
	Path      []Name
	InputData T
	Err       error
	Timestamp time.Time
	Duration  time.Duration
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface, providing a detailed error message.
func (e *Error[T]) Error() string {
	location := strings.Join(e.Path, " -> ")
	if location == "" {
		location = "flow"
	}

	if e.Timeout {
		return fmt.Sprintf("%s timed out after %v: %v", location, e.Duration, e.Err)
	}
	if e.Canceled {
		return fmt.Sprintf("%s canceled after %v: %v", location, e.Duration, e.Err)
	}
	return fmt.Sprintf("%s failed after %v: %v", location, e.Duration, e.Err)
}

// Unwrap returns the underlying error, supporting error wrapping patterns.
func (e *Error[T]) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error was caused by a timeout.
func (e *Error[T]) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled returns true if the error was caused by cancellation.
func (e *Error[T]) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// newError builds an Error rooted at name for the given element.
func newError[T any](name Name, input T, err error) *Error[T] {
	return &Error[T]{
		Err:       err,
		InputData: input,
		Path:      []Name{name},
		Timestamp: time.Now(),
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// wrapError ensures err is reported as a flow error rooted at name. An
// existing *Error[T] gets name prepended to its path; anything else is
// wrapped with the element that was in flight.
func wrapError[T any](name Name, input T, err error) error {
	var flowErr *Error[T]
	if errors.As(err, &flowErr) {
		flowErr.Path = append([]Name{name}, flowErr.Path...)
		return flowErr
	}
	return newError(name, input, err)
}

// recoverToError converts a panic in caller-supplied code into a flow error.
// Used by operators that invoke user functions during element processing.
func recoverToError[T any](name Name, input T, errp *error) {
	if r := recover(); r != nil {
		*errp = &Error[T]{
			Err:       fmt.Errorf("panic: %v", r),
			InputData: input,
			Path:      []Name{name},
			Timestamp: time.Now(),
		}
	}
}
