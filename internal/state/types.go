package state

import (
	"fmt"
	"strings"
	"time"
)

// State is the current value of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the part of the entity id before the first dot.
func (s State) Domain() string {
	d, _, _ := strings.Cut(s.EntityID, ".")
	return d
}

// DeepCopy returns a copy that shares no mutable data with s.
func (s *State) DeepCopy() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Attributes = DeepCopyMap(s.Attributes)
	return &cp
}

// AsMap renders the state for template and trigger variables.
func (s *State) AsMap() map[string]any {
	if s == nil {
		return nil
	}
	return map[string]any{
		"entity_id":    s.EntityID,
		"state":        s.State,
		"attributes":   DeepCopyMap(s.Attributes),
		"last_changed": s.LastChanged,
		"last_updated": s.LastUpdated,
	}
}

// Change describes one write to the store. Old is nil for new entities,
// New is nil for removals.
type Change struct {
	EntityID string
	Old      *State
	New      *State
}

// SplitEntityID splits "domain.object_id".
func SplitEntityID(entityID string) (domain, objectID string, err error) {
	domain, objectID, ok := strings.Cut(entityID, ".")
	if !ok || domain == "" || objectID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	return domain, objectID, nil
}

// DeepCopyMap copies nested maps and slices. Scalars are shared.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyValue(v)
	}
	return cp
}

// DeepCopyValue copies maps and slices recursively.
func DeepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyValue(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
