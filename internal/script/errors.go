package script

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-automation/internal/capability"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// Domain-specific errors for script execution.
var (
	// ErrValidation is returned for step data that cannot be used as given
	// (bad durations, unknown services, malformed targets).
	ErrValidation = errors.New("script: invalid data")

	// ErrWaitTimeout is returned when a wait times out and
	// continue_on_timeout is false.
	ErrWaitTimeout = errors.New("script: wait timed out")

	// ErrInternal wraps panics and other unexpected failures.
	ErrInternal = errors.New("script: unexpected error")

	ErrInvalidMode     = errors.New("script: invalid mode")
	ErrInvalidSeverity = errors.New("script: invalid max_exceeded severity")
	ErrUnknownStep     = errors.New("script: unknown step")
	ErrMissingID       = errors.New("script: id is required")
)

// StepError records where in the step tree a run failed.
type StepError struct {
	Path string
	Kind string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Path, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Describe classifies a run failure for logs and status.
func Describe(err error) string {
	switch {
	case errors.Is(err, template.ErrRender), errors.Is(err, template.ErrCompile):
		return "Error rendering template"
	case errors.Is(err, ErrValidation), errors.Is(err, capability.ErrInvalidCall):
		return "Invalid data"
	case errors.Is(err, capability.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, capability.ErrNotFound):
		return "Service not found"
	case errors.Is(err, ErrInternal):
		return "Unexpected error"
	default:
		return "Error"
	}
}
