package template

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML compiles scalar nodes. Non-string scalars (numbers,
// booleans) become static templates of their literal text.
func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: template must be a scalar", node.Line)
	}
	parsed, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*t = *parsed
	return nil
}

// MarshalYAML writes the original source.
func (t Template) MarshalYAML() (any, error) {
	return t.source, nil
}

// MarshalJSON writes the original source.
func (t Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.source)
}
