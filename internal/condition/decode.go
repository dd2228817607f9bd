package condition

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			*s = nil
			return nil
		}
		*s = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar", item.Line)
			}
			out = append(out, item.Value)
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or list of strings", node.Line)
	}
}

// List is a condition list as written in routine files. A single mapping
// is accepted in place of a one-element list.
type List []Condition

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *List) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		c, err := Decode(node)
		if err != nil {
			return err
		}
		*l = List{c}
		return nil
	}
	out := make(List, 0, len(node.Content))
	for _, item := range node.Content {
		c, err := Decode(item)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*l = out
	return nil
}

type rawCondition struct {
	Condition     string      `yaml:"condition"`
	Conditions    []yaml.Node `yaml:"conditions"`
	EntityID      StringList  `yaml:"entity_id"`
	State         StringList  `yaml:"state"`
	Attribute     string      `yaml:"attribute"`
	Above         *float64    `yaml:"above"`
	Below         *float64    `yaml:"below"`
	ValueTemplate string      `yaml:"value_template"`
	ID            StringList  `yaml:"id"`
	After         string      `yaml:"after"`
	Before        string      `yaml:"before"`
	Weekday       StringList  `yaml:"weekday"`
}

// Decode builds a Condition from a YAML node. A bare string is shorthand
// for a template condition.
func Decode(node *yaml.Node) (Condition, error) {
	if node.Kind == yaml.ScalarNode {
		tpl, err := template.ParseExpression(node.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return Template{ValueTemplate: tpl}, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: expected mapping", node.Line, ErrInvalid)
	}

	var raw rawCondition
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}

	switch raw.Condition {
	case KindAnd, KindOr, KindNot:
		subs, err := decodeAll(raw.Conditions)
		if err != nil {
			return nil, err
		}
		if len(subs) == 0 {
			return nil, fmt.Errorf("line %d: %w: %s needs conditions", node.Line, ErrInvalid, raw.Condition)
		}
		switch raw.Condition {
		case KindAnd:
			return And{Conditions: subs}, nil
		case KindOr:
			return Or{Conditions: subs}, nil
		default:
			return Not{Conditions: subs}, nil
		}

	case KindState:
		if len(raw.EntityID) == 0 || len(raw.State) == 0 {
			return nil, fmt.Errorf("line %d: %w: state needs entity_id and state", node.Line, ErrInvalid)
		}
		return State{EntityIDs: raw.EntityID, States: raw.State, Attribute: raw.Attribute}, nil

	case KindNumericState:
		if len(raw.EntityID) == 0 {
			return nil, fmt.Errorf("line %d: %w: numeric_state needs entity_id", node.Line, ErrInvalid)
		}
		if raw.Above == nil && raw.Below == nil {
			return nil, fmt.Errorf("line %d: %w: numeric_state needs above or below", node.Line, ErrInvalid)
		}
		c := NumericState{EntityIDs: raw.EntityID, Attribute: raw.Attribute, Above: raw.Above, Below: raw.Below}
		if raw.ValueTemplate != "" {
			tpl, err := template.ParseExpression(raw.ValueTemplate)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
			c.ValueTemplate = tpl
		}
		return c, nil

	case KindTemplate:
		if raw.ValueTemplate == "" {
			return nil, fmt.Errorf("line %d: %w: template needs value_template", node.Line, ErrInvalid)
		}
		tpl, err := template.ParseExpression(raw.ValueTemplate)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return Template{ValueTemplate: tpl}, nil

	case KindTrigger:
		if len(raw.ID) == 0 {
			return nil, fmt.Errorf("line %d: %w: trigger needs id", node.Line, ErrInvalid)
		}
		return Trigger{IDs: raw.ID}, nil

	case KindTime:
		for _, s := range []string{raw.After, raw.Before} {
			if s == "" {
				continue
			}
			if _, err := ParseClock(s); err != nil {
				return nil, fmt.Errorf("line %d: %w", node.Line, err)
			}
		}
		days := make([]string, 0, len(raw.Weekday))
		for _, d := range raw.Weekday {
			d = strings.ToLower(d)
			if !validWeekday(d) {
				return nil, fmt.Errorf("line %d: %w: weekday %q", node.Line, ErrInvalid, d)
			}
			days = append(days, d)
		}
		return Time{After: raw.After, Before: raw.Before, Weekdays: days}, nil

	default:
		return nil, fmt.Errorf("line %d: %w: %q", node.Line, ErrUnknownCondition, raw.Condition)
	}
}

func decodeAll(nodes []yaml.Node) ([]Condition, error) {
	out := make([]Condition, 0, len(nodes))
	for i := range nodes {
		c, err := Decode(&nodes[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func validWeekday(d string) bool {
	switch d {
	case "mon", "tue", "wed", "thu", "fri", "sat", "sun":
		return true
	}
	return false
}
