package engine

import (
	"errors"
	"time"
)

// Admission errors returned by Enqueue.
var (
	ErrDisabled    = errors.New("executor disabled")
	ErrStopped     = errors.New("executor stopped")
	ErrStopping    = errors.New("executor stopping")
	ErrQueueFull   = errors.New("executor queue full")
	ErrOverlapSkip = errors.New("timer firing already queued or running")
	ErrCircuitOpen = errors.New("handler circuit open")
)

// NoRetry marks a firing error as permanent, e.g. a timer that vanished or
// a handler that rejected its configuration. The worker stops retrying and
// reports the wrapped error.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for a specific wait before the next in-memory attempt.
// Acquisition uses it when the store is busy.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is any error carrying its own retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return e.err.Error() + " (retry after " + e.after.String() + ")" }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
