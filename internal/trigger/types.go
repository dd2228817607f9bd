package trigger

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// Platforms.
const (
	PlatformState        = "state"
	PlatformNumericState = "numeric_state"
	PlatformTemplate     = "template"
	PlatformEvent        = "event"
	PlatformTimer        = "timer"
	PlatformMQTT         = "mqtt"
)

// Spec is one trigger definition. Which fields apply depends on Platform.
type Spec struct {
	Platform string `yaml:"platform" json:"platform"`
	ID       string `yaml:"id,omitempty" json:"id,omitempty"`

	// state / numeric_state
	EntityIDs condition.StringList `yaml:"entity_id,omitempty" json:"entity_id,omitempty"`
	From      condition.StringList `yaml:"from,omitempty" json:"from,omitempty"`
	To        condition.StringList `yaml:"to,omitempty" json:"to,omitempty"`
	Attribute string               `yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Above     *float64             `yaml:"above,omitempty" json:"above,omitempty"`
	Below     *float64             `yaml:"below,omitempty" json:"below,omitempty"`
	For       time.Duration        `yaml:"for,omitempty" json:"for,omitempty"`

	// template
	ValueTemplate *template.Template `yaml:"value_template,omitempty" json:"value_template,omitempty"`

	// event
	EventType string         `yaml:"event_type,omitempty" json:"event_type,omitempty"`
	EventData map[string]any `yaml:"event_data,omitempty" json:"event_data,omitempty"`

	// timer
	After time.Duration `yaml:"after,omitempty" json:"after,omitempty"`
	Every time.Duration `yaml:"every,omitempty" json:"every,omitempty"`

	// mqtt
	Topic   string `yaml:"topic,omitempty" json:"topic,omitempty"`
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// UnmarshalYAML decodes a spec and checks it with Validate.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	type plain Spec
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Spec(p)
	if err := s.Validate(); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// Validate checks that the fields required by the platform are present.
func (s Spec) Validate() error {
	switch s.Platform {
	case PlatformState:
		if len(s.EntityIDs) == 0 {
			return fmt.Errorf("%w: state trigger needs entity_id", ErrInvalidSpec)
		}
	case PlatformNumericState:
		if len(s.EntityIDs) == 0 {
			return fmt.Errorf("%w: numeric_state trigger needs entity_id", ErrInvalidSpec)
		}
		if s.Above == nil && s.Below == nil {
			return fmt.Errorf("%w: numeric_state trigger needs above or below", ErrInvalidSpec)
		}
	case PlatformTemplate:
		if s.ValueTemplate == nil {
			return fmt.Errorf("%w: template trigger needs value_template", ErrInvalidSpec)
		}
	case PlatformEvent:
		if s.EventType == "" {
			return fmt.Errorf("%w: event trigger needs event_type", ErrInvalidSpec)
		}
	case PlatformTimer:
		if (s.After <= 0) == (s.Every <= 0) {
			return fmt.Errorf("%w: timer trigger needs exactly one of after or every", ErrInvalidSpec)
		}
	case PlatformMQTT:
		if s.Topic == "" {
			return fmt.Errorf("%w: mqtt trigger needs topic", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, s.Platform)
	}
	return nil
}

// Vars is what a firing hands to the callback: {"trigger": {...}}.
type Vars map[string]any

// Detach releases a trigger attachment. It is idempotent.
type Detach func()
