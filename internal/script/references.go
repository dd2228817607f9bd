package script

import (
	"slices"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
)

// Walk calls fn for every step in steps, depth first, including steps
// nested in repeat, choose, parallel and sequence blocks. Returning false
// from fn skips the step's children.
func Walk(steps []Step, fn func(Step) bool) {
	for _, st := range steps {
		if !fn(st) {
			continue
		}
		switch s := st.(type) {
		case Repeat:
			Walk(s.Sequence, fn)
		case Choose:
			for _, opt := range s.Choices {
				Walk(opt.Sequence, fn)
			}
			Walk(s.Default, fn)
		case Parallel:
			for _, b := range s.Branches {
				Walk(b, fn)
			}
		case Sequence:
			Walk(s.Steps, fn)
		}
	}
}

// ReferencedEntities returns the sorted, unique entity ids that steps name
// statically. Templated targets are not resolved.
func ReferencedEntities(steps []Step) []string {
	var out []string
	addStatic := func(ids ...string) {
		for _, id := range ids {
			if !isTemplate(id) {
				out = flattenTargets(id, out)
			}
		}
	}
	addConds := func(conds []condition.Condition) {
		for _, c := range conds {
			out = append(out, condition.Entities(c)...)
		}
	}

	Walk(steps, func(st Step) bool {
		switch s := st.(type) {
		case CallService:
			addStatic(s.Targets...)
		case ActivateScene:
			addStatic(s.Scene)
		case CheckCondition:
			addConds([]condition.Condition{s.Condition})
		case Repeat:
			addConds(s.While)
			addConds(s.Until)
		case Choose:
			for _, opt := range s.Choices {
				addConds(opt.Conditions)
			}
		case WaitForTrigger:
			for _, t := range s.Triggers {
				addStatic(t.EntityIDs...)
			}
		}
		return true
	})
	return sortedUnique(out)
}

// ReferencedDevices returns the sorted, unique device ids that steps name.
func ReferencedDevices(steps []Step) []string {
	var out []string
	Walk(steps, func(st Step) bool {
		switch s := st.(type) {
		case CallService:
			for _, id := range s.DeviceIDs {
				if !isTemplate(id) {
					out = append(out, id)
				}
			}
		case DeviceAction:
			out = append(out, s.DeviceID)
		}
		return true
	})
	return sortedUnique(out)
}

func sortedUnique(ids []string) []string {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// ReferencedEntities returns the entities the script's steps name.
func (s *Script) ReferencedEntities() []string {
	s.refOnce.Do(s.collectReferences)
	return s.entities
}

// ReferencedDevices returns the devices the script's steps name.
func (s *Script) ReferencedDevices() []string {
	s.refOnce.Do(s.collectReferences)
	return s.devices
}

func (s *Script) collectReferences() {
	s.entities = ReferencedEntities(s.cfg.Steps)
	s.devices = ReferencedDevices(s.cfg.Steps)
}
