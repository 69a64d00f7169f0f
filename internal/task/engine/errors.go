package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled  = errors.New("task engine disabled")
	ErrStopped   = errors.New("task engine stopped")
	ErrStopping  = errors.New("task engine stopping")
	ErrQueueFull = errors.New("task engine queue full")

	// ErrTaskTimeout is recorded when an attempt outlives its timeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskExecution wraps errors and panics raised by a task.
	ErrTaskExecution = errors.New("task execution failed")
	// ErrNotCancellable means the execution already reached a closed state.
	ErrNotCancellable = errors.New("execution is not cancellable")

	errCancelled  = errors.New("execution cancelled")
	errWorkerLost = errors.New("worker lost")
)

type panicError struct{ v any }

func (e panicError) Error() string { return fmt.Sprintf("panic: %v", e.v) }
func (e panicError) Unwrap() error { return ErrTaskExecution }
