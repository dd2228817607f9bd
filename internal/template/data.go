package template

import (
	"strings"
	"sync"
)

// compiled caches templates found inside free-form data maps, keyed by source.
var compiled sync.Map

// RenderData renders every string inside data that contains "{{", walking
// nested maps and slices. The input is not modified.
func RenderData(states StateReader, data map[string]any, vars map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		rendered, err := RenderValue(states, v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// RenderValue renders a single free-form value. See RenderData.
func RenderValue(states StateReader, v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, openDelim) {
			return val, nil
		}
		t, err := cached(val)
		if err != nil {
			return nil, err
		}
		return t.Render(states, vars)
	case *Template:
		return val.Render(states, vars)
	case map[string]any:
		return RenderData(states, val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := RenderValue(states, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func cached(src string) (*Template, error) {
	if t, ok := compiled.Load(src); ok {
		return t.(*Template), nil
	}
	t, err := Parse(src)
	if err != nil {
		return nil, err
	}
	compiled.Store(src, t)
	return t, nil
}
