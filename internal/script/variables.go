package script

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// ParseDuration accepts a Go duration ("1m30s"), a number of seconds
// ("90", "1.5") or a clock offset ("HH:MM", "HH:MM:SS", "HH:MM:SS.fff").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrValidation)
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%w: negative duration %q", ErrValidation, s)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("%w: duration %q", ErrValidation, s)
		}
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		var d time.Duration
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil || v < 0 {
				return 0, fmt.Errorf("%w: duration %q", ErrValidation, s)
			}
			d += time.Duration(v * float64(units[i]))
		}
		return d, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q", ErrValidation, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative duration %q", ErrValidation, s)
	}
	return d, nil
}

// durationOf converts a rendered value into a duration.
func durationOf(v any) (time.Duration, error) {
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("%w: negative duration %v", ErrValidation, val)
		}
		return time.Duration(val * float64(time.Second)), nil
	default:
		return ParseDuration(template.Stringify(v))
	}
}

// intOf converts a rendered value into a count.
func intOf(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	default:
		n, err := strconv.Atoi(strings.TrimSpace(template.Stringify(v)))
		if err != nil {
			return 0, fmt.Errorf("%w: not a count: %q", ErrValidation, template.Stringify(v))
		}
		return n, nil
	}
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// cloneVars gives a parallel branch its own scope.
func cloneVars(vars map[string]any) map[string]any {
	return state.DeepCopyMap(vars)
}

// snapshot is a shallow copy handed to goroutines (triggers) that read
// variables while the run continues to write its own map.
func snapshot(vars map[string]any) map[string]any {
	return maps.Clone(vars)
}

// flattenTargets turns rendered target values (string, comma list, list)
// into entity ids.
func flattenTargets(v any, out []string) []string {
	switch val := v.(type) {
	case nil:
		return out
	case string:
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	case []string:
		for _, s := range val {
			out = flattenTargets(s, out)
		}
		return out
	case []any:
		for _, item := range val {
			out = flattenTargets(item, out)
		}
		return out
	default:
		return append(out, template.Stringify(val))
	}
}
