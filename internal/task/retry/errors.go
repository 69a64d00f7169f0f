package retry

import (
	"errors"
	"fmt"
	"time"
)

// NoRetry marks an error as permanent; the policy gives up immediately.
//
// Example:
//
//	return nil, retry.NoRetry(fmt.Errorf("input file missing: %w", err))
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

// After attaches a suggested delay before the next attempt, e.g. from an
// upstream Retry-After header. Policies bound it by their MaxDelay.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return afterError{err: err, after: max(d, 0)}
}

// AfterError is implemented by errors that carry an explicit retry delay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e afterError) Unwrap() error             { return e.err }
func (e afterError) RetryAfter() time.Duration { return e.after }
