package domain

import "errors"

var (
	// ErrNonRetryable marks failures that must go straight to the
	// dead-letter queue: malformed payloads, hard platform limits,
	// expired auth.
	ErrNonRetryable = errors.New("non-retryable")

	// ErrCancelled is returned when a task's cancellation flag was set
	// before a side effect would have happened.
	ErrCancelled = errors.New("task cancelled")

	// ErrRateLimited defers a publish to the next available slot.
	ErrRateLimited = errors.New("rate limited")

	// ErrConflict signals a lost compare-and-swap on a task transition.
	ErrConflict = errors.New("concurrent task update")

	ErrNotFound = errors.New("not found")
)
