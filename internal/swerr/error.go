// Package swerr defines the error types shared between the snapwatcher
// components.
package swerr

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks a remote object that does not exist.
// Depending on the call context it is either an expected outcome (a
// repository vanished during polling) or a reportable error (a snap lookup
// from an interactive request). Callers decide, the error only carries the
// condition.
var ErrNotFound = errors.New("not found")

// RetryableError wraps an error of an operation that can be retried.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time that the operation can be retried
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After, e.Err)
}
