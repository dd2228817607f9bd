package condition

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// Env carries the read-only collaborators a condition may consult.
type Env struct {
	States template.StateReader

	// Now defaults to time.Now. Tests pin it.
	Now func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate returns whether cond holds for the current state and vars.
// A nil condition is true.
func Evaluate(cond Condition, env Env, vars map[string]any) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case And:
		return evalAnd(c, env, vars)
	case *And:
		return evalAnd(*c, env, vars)
	case Or:
		return evalOr(c, env, vars)
	case *Or:
		return evalOr(*c, env, vars)
	case Not:
		return evalNot(c, env, vars)
	case *Not:
		return evalNot(*c, env, vars)
	case State:
		return evalState(c, env)
	case *State:
		return evalState(*c, env)
	case NumericState:
		return evalNumericState(c, env, vars)
	case *NumericState:
		return evalNumericState(*c, env, vars)
	case Template:
		return evalTemplate(c, env, vars)
	case *Template:
		return evalTemplate(*c, env, vars)
	case Trigger:
		return evalTrigger(c, vars), nil
	case *Trigger:
		return evalTrigger(*c, vars), nil
	case Time:
		return evalTime(c, env)
	case *Time:
		return evalTime(*c, env)
	default:
		return false, fmt.Errorf("%w: %T", ErrUnknownCondition, cond)
	}
}

// All evaluates conditions as an implicit And. It is what callers use for
// automation condition lists and choose branches.
func All(conds []Condition, env Env, vars map[string]any) (bool, error) {
	return evalAnd(And{Conditions: conds}, env, vars)
}

// evalAnd stops at the first false. Errors are remembered and only reported
// when nothing returned false.
func evalAnd(c And, env Env, vars map[string]any) (bool, error) {
	var errs []error
	for _, sub := range c.Conditions {
		ok, err := Evaluate(sub, env, vars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			return false, nil
		}
	}
	if len(errs) > 0 {
		return false, &multiError{kind: KindAnd, errs: errs}
	}
	return true, nil
}

// evalOr stops at the first true. Errors are only reported when nothing
// returned true.
func evalOr(c Or, env Env, vars map[string]any) (bool, error) {
	var errs []error
	for _, sub := range c.Conditions {
		ok, err := Evaluate(sub, env, vars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	if len(errs) > 0 {
		return false, &multiError{kind: KindOr, errs: errs}
	}
	return false, nil
}

func evalNot(c Not, env Env, vars map[string]any) (bool, error) {
	var errs []error
	for _, sub := range c.Conditions {
		ok, err := Evaluate(sub, env, vars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return false, nil
		}
	}
	if len(errs) > 0 {
		return false, &multiError{kind: KindNot, errs: errs}
	}
	return true, nil
}

func evalState(c State, env Env) (bool, error) {
	for _, id := range c.EntityIDs {
		st, ok := lookup(env, id)
		if !ok {
			return false, &ConditionError{Kind: KindState, EntityID: id, Err: ErrEntityNotFound}
		}
		value := st.State
		if c.Attribute != "" {
			attr, ok := st.Attributes[c.Attribute]
			if !ok {
				return false, nil
			}
			value = template.Stringify(attr)
		}
		if !slices.Contains(c.States, value) {
			return false, nil
		}
	}
	return true, nil
}

func evalNumericState(c NumericState, env Env, vars map[string]any) (bool, error) {
	for _, id := range c.EntityIDs {
		st, ok := lookup(env, id)
		if !ok {
			return false, &ConditionError{Kind: KindNumericState, EntityID: id, Err: ErrEntityNotFound}
		}

		var raw any = st.State
		if c.Attribute != "" {
			raw = st.Attributes[c.Attribute]
		}
		if c.ValueTemplate != nil {
			scoped := make(map[string]any, len(vars)+1)
			for k, v := range vars {
				scoped[k] = v
			}
			scoped["state"] = st.AsMap()
			out, err := c.ValueTemplate.Render(env.States, scoped)
			if err != nil {
				return false, &ConditionError{Kind: KindNumericState, EntityID: id, Err: fmt.Errorf("%w: %w", ErrTemplate, err)}
			}
			raw = out
		}

		value, err := toNumber(raw)
		if err != nil {
			return false, &ConditionError{Kind: KindNumericState, EntityID: id, Err: err}
		}
		if c.Above != nil && value <= *c.Above {
			return false, nil
		}
		if c.Below != nil && value >= *c.Below {
			return false, nil
		}
	}
	return true, nil
}

func evalTemplate(c Template, env Env, vars map[string]any) (bool, error) {
	if c.ValueTemplate == nil {
		return false, &ConditionError{Kind: KindTemplate, Err: ErrInvalid}
	}
	ok, err := c.ValueTemplate.RenderBool(env.States, vars)
	if err != nil {
		return false, &ConditionError{Kind: KindTemplate, Err: fmt.Errorf("%w: %w", ErrTemplate, err)}
	}
	return ok, nil
}

func evalTrigger(c Trigger, vars map[string]any) bool {
	trig, ok := vars["trigger"].(map[string]any)
	if !ok {
		return false
	}
	id := template.Stringify(trig["id"])
	return slices.Contains(c.IDs, id)
}

func evalTime(c Time, env Env) (bool, error) {
	now := env.now()

	if len(c.Weekdays) > 0 {
		day := strings.ToLower(now.Weekday().String()[:3])
		if !slices.Contains(c.Weekdays, day) {
			return false, nil
		}
	}

	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	var after, before time.Duration
	var err error
	hasAfter, hasBefore := c.After != "", c.Before != ""
	if hasAfter {
		if after, err = ParseClock(c.After); err != nil {
			return false, &ConditionError{Kind: KindTime, Err: err}
		}
	}
	if hasBefore {
		if before, err = ParseClock(c.Before); err != nil {
			return false, &ConditionError{Kind: KindTime, Err: err}
		}
	}

	switch {
	case hasAfter && hasBefore && after > before:
		return sinceMidnight >= after || sinceMidnight < before, nil
	case hasAfter && sinceMidnight < after:
		return false, nil
	case hasBefore && sinceMidnight >= before:
		return false, nil
	}
	return true, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q", ErrInvalid, s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("%w: time %q", ErrInvalid, s)
		}
		total += time.Duration(n) * units[i]
	}
	return total, nil
}

func lookup(env Env, id string) (state.State, bool) {
	if env.States == nil {
		return state.State{}, false
	}
	return env.States.Get(id)
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotNumeric, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrNotNumeric, v)
	}
}

// IsConditionError reports whether err came from a condition that could
// not be evaluated, as opposed to a programming error.
func IsConditionError(err error) bool {
	var ce *ConditionError
	var me *multiError
	return errors.As(err, &ce) || errors.As(err, &me)
}
