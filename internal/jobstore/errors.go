package jobstore

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped       = errors.New("job store stopped")
	ErrNoHandler     = errors.New("no handler registered for job")
	ErrInvalidRepeat = errors.New("invalid repeat options")
	ErrEmptyName     = errors.New("job name is required")
)

// NoRetry marks an error as permanent; the store will not retry the job.
//
//	return jobstore.NoRetry(fmt.Errorf("campaign %s not found", id))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. from a
// downstream 429. The hint is bounded by the store's maximum delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
