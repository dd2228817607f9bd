package condition

import "slices"

// Entities returns every entity id referenced anywhere in cond, in first-seen order.
func Entities(cond Condition) []string {
	var out []string
	collectEntities(cond, &out)
	return out
}

func collectEntities(cond Condition, out *[]string) {
	add := func(ids []string) {
		for _, id := range ids {
			if !slices.Contains(*out, id) {
				*out = append(*out, id)
			}
		}
	}
	walk := func(subs []Condition) {
		for _, sub := range subs {
			collectEntities(sub, out)
		}
	}

	switch c := cond.(type) {
	case And:
		walk(c.Conditions)
	case Or:
		walk(c.Conditions)
	case Not:
		walk(c.Conditions)
	case State:
		add(c.EntityIDs)
	case NumericState:
		add(c.EntityIDs)
	}
}
