package condition

import (
	"errors"
	"fmt"
)

// Domain-specific errors for condition evaluation and decoding.
var (
	// ErrEntityNotFound is wrapped when a referenced entity has no state.
	ErrEntityNotFound = errors.New("condition: entity not found")

	// ErrNotNumeric is wrapped when a numeric_state value cannot be parsed.
	ErrNotNumeric = errors.New("condition: value is not numeric")

	// ErrTemplate is wrapped when a value template fails to render.
	ErrTemplate = errors.New("condition: template error")

	// ErrUnknownCondition is returned when decoding an unknown condition type.
	ErrUnknownCondition = errors.New("condition: unknown condition type")

	// ErrInvalid is returned for structurally invalid definitions.
	ErrInvalid = errors.New("condition: invalid definition")
)

// ConditionError reports why a condition could not be evaluated.
type ConditionError struct {
	Kind     string
	EntityID string
	Err      error
}

func (e *ConditionError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s condition on %s: %v", e.Kind, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s condition: %v", e.Kind, e.Err)
}

func (e *ConditionError) Unwrap() error {
	return e.Err
}

// multiError collects sub-condition errors from and/or groups.
type multiError struct {
	kind string
	errs []error
}

func (m *multiError) Error() string {
	msg := fmt.Sprintf("%s condition: %d sub-condition error(s)", m.kind, len(m.errs))
	for _, err := range m.errs {
		msg += "; " + err.Error()
	}
	return msg
}

func (m *multiError) Unwrap() []error {
	return m.errs
}
