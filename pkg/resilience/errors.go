// Package resilience is the single choke point for outbound calls: a typed
// transient/permanent error taxonomy, a bounded retry runner with exponential
// backoff and jitter, per-host circuit breakers, and an HTTP client that
// composes all three.
package resilience

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: the upstream may recover
// within the retry budget. Timeouts, connection resets, 5xx responses and
// upstream rate-limit signals are transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: validation rejections,
// authentication failures, 4xx responses other than 429.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Nil stays nil; an existing transient
// mark is kept rather than double-wrapped.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var t *TransientError
	if errors.As(err, &t) {
		return err
	}
	return &TransientError{Err: err}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as non-retryable. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err carries a transient mark. Unmarked errors
// are not transient: anything that wants a retry must be classified first.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a permanent mark.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
