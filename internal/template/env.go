package template

import (
	"fmt"

	"github.com/nerrad567/gray-logic-automation/internal/state"
)

// unknownState mirrors what states() returns for an entity that does not exist.
const unknownState = "unknown"

// buildEnv layers the state helpers over the run variables. A variable
// never shadows a helper. Conversions (float, int, now) are expr builtins.
func buildEnv(states StateReader, vars map[string]any) map[string]any {
	env := make(map[string]any, len(vars)+8)
	for k, v := range vars {
		env[k] = v
	}

	lookup := func(id string) (state.State, bool) {
		if states == nil {
			return state.State{}, false
		}
		return states.Get(id)
	}

	env["states"] = func(id string) string {
		st, ok := lookup(id)
		if !ok {
			return unknownState
		}
		return st.State
	}
	env["is_state"] = func(id string, value any) bool {
		st, ok := lookup(id)
		return ok && st.State == Stringify(value)
	}
	env["state_attr"] = func(id, attr string) any {
		st, ok := lookup(id)
		if !ok {
			return nil
		}
		return st.Attributes[attr]
	}
	env["is_state_attr"] = func(id, attr string, value any) bool {
		st, ok := lookup(id)
		return ok && fmt.Sprint(st.Attributes[attr]) == fmt.Sprint(value)
	}
	env["has_value"] = func(id string) bool {
		st, ok := lookup(id)
		return ok && st.State != unknownState && st.State != "unavailable"
	}
	return env
}
