package capability

import "errors"

// Invocation errors. Every Invoker reports failures wrapped around one of
// these so callers can classify them with errors.Is.
var (
	// ErrNotFound is returned when no handler or target exists.
	ErrNotFound = errors.New("capability: not found")

	// ErrUnauthorized is returned when the trust context may not invoke the call.
	ErrUnauthorized = errors.New("capability: unauthorized")

	// ErrInvocationFailed is returned when the target reported or caused a failure.
	ErrInvocationFailed = errors.New("capability: invocation failed")

	// ErrTimeout is returned when the target did not answer in time.
	ErrTimeout = errors.New("capability: timeout")

	// ErrInvalidCall is returned for calls that are structurally unusable.
	ErrInvalidCall = errors.New("capability: invalid call")
)
