package scheduler

import "errors"

// Domain-specific errors for the dependency scheduler.
var (
	// ErrEmptyRoutine is returned by Build when there is nothing to run.
	ErrEmptyRoutine = errors.New("scheduler: routine has no actions")

	// ErrCycle is returned when the graph is not acyclic or a script
	// includes itself.
	ErrCycle = errors.New("scheduler: dependency cycle")

	// ErrActionTimeout is returned when an action does not complete within
	// the action timeout.
	ErrActionTimeout = errors.New("scheduler: action timed out")

	// ErrHalted is returned by a Dispatcher whose action ended its
	// sequence without error, for example a false condition. Only a halt
	// in the top-level sequence ends the routine, and then with this error.
	ErrHalted = errors.New("scheduler: routine halted by action")

	// ErrStopped is reported by routines aborted through Stop or Close.
	ErrStopped = errors.New("scheduler: routine stopped")

	// ErrUnexpectedNotification is returned for notifications that do not
	// match the target's active action.
	ErrUnexpectedNotification = errors.New("scheduler: notification does not match active action")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("scheduler: closed")
)
