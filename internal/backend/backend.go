// Package backend abstracts the opaque task completion engine. The
// runtime hands a task payload to the backend and gets back an output
// string or a classified error: transient failures charge the retry
// budget, fatal failures dead-letter the task immediately.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Backend executes one task payload to completion.
type Backend interface {
	// Complete runs the payload and returns its output. ctx carries the
	// per-task execution deadline.
	Complete(ctx context.Context, payload string) (string, error)
}

// TransientError marks a failure worth retrying (timeouts, resource
// exhaustion, retryable exit codes).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix (malformed
// payload, non-retryable exit code).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err is classified as retryable. An
// unclassified error defaults to transient, so unknown failure modes get
// the retry budget rather than an immediate dead-letter.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	return !errors.As(err, &fatal)
}

// IsFatal reports whether err is classified as unretryable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	return errors.As(err, &fatal)
}
