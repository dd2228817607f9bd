package automation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-automation/internal/script"
)

// Validation constants.
const (
	maxIDLength       = 64
	maxAliasLength    = 100
	maxDescriptionLen = 500
	maxTriggers       = 50
	maxRuns           = 1000
	idPattern         = `^[a-z0-9]+(?:_[a-z0-9]+)*$`
)

var idRegex = regexp.MustCompile(idPattern)

// Validate checks a definition and reports every problem found, joined
// with "; " and wrapped in ErrInvalid.
func Validate(d *Definition) error {
	if d == nil {
		return ErrInvalid
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := ValidateID(d.ID); err != nil {
		add("%v", err)
	}
	if len(d.Alias) > maxAliasLength {
		add("alias exceeds %d characters", maxAliasLength)
	}
	if len(d.Description) > maxDescriptionLen {
		add("description exceeds %d characters", maxDescriptionLen)
	}
	if _, err := script.ParseMode(string(d.Mode)); err != nil {
		add("%v", err)
	}
	if _, err := script.ParseSeverity(string(d.MaxExceeded)); err != nil {
		add("%v", err)
	}
	if d.Max < 0 || d.Max > maxRuns {
		add("max must be 0-%d", maxRuns)
	}

	switch d.Scheduler {
	case "", SchedulerSequential, SchedulerDAG:
	default:
		add("scheduler must be %q or %q, got %q", SchedulerSequential, SchedulerDAG, d.Scheduler)
	}

	switch d.Kind {
	case KindScript:
		if len(d.Triggers) > 0 {
			add("scripts cannot have triggers")
		}
		if len(d.Conditions) > 0 {
			add("scripts cannot have conditions; use a condition step")
		}
	case KindAutomation:
		if len(d.Triggers) > maxTriggers {
			add("exceeds maximum of %d triggers", maxTriggers)
		}
	default:
		add("unknown kind %q", d.Kind)
	}

	if len(d.Actions) == 0 {
		add("no actions")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalid, d.ID, strings.Join(problems, "; "))
}

// ValidateID checks the id format.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("id exceeds %d characters", maxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("id %q must be lowercase alphanumeric with underscores", id)
	}
	return nil
}

// ValidateAll validates every definition and rejects duplicate ids.
// Errors from all definitions are joined.
func ValidateAll(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	var errs []error
	for i := range defs {
		d := &defs[i]
		if err := Validate(d); err != nil {
			errs = append(errs, err)
		}
		if d.ID == "" {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrExists, d.ID))
		}
		seen[d.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

// GenerateID creates a new UUID for a routine or run record.
func GenerateID() string {
	return uuid.New().String()
}
