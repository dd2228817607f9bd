package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when no script or automation has the id.
	ErrNotFound = errors.New("automation: not found")

	// ErrExists is returned when a routines file defines an id twice.
	ErrExists = errors.New("automation: already exists")

	// ErrDisabled is returned when triggering a disabled automation.
	ErrDisabled = errors.New("automation: disabled")

	// ErrInvalid is returned when definition validation fails.
	ErrInvalid = errors.New("automation: invalid definition")

	// ErrConditionsNotMet is returned by Trigger when the automation's
	// conditions evaluated false.
	ErrConditionsNotMet = errors.New("automation: conditions not met")

	// ErrRejected is returned when the run mode refused the start.
	ErrRejected = errors.New("automation: run rejected by mode")

	// ErrRunNotFound is returned when a run id is not active or recorded.
	ErrRunNotFound = errors.New("automation: run not found")

	// ErrNoScheduler is returned when a dag automation runs without a
	// dependency scheduler configured.
	ErrNoScheduler = errors.New("automation: dependency scheduler not enabled")

	// ErrUnsupportedService is returned for script/automation services the
	// registry does not handle.
	ErrUnsupportedService = errors.New("automation: unsupported service")
)
