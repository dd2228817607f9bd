package script

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/template"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Steps is a step list as written in routine files. A single mapping is
// accepted in place of a one-element list.
type Steps []Step

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Steps) UnmarshalYAML(node *yaml.Node) error {
	steps, err := decodeSteps(node)
	if err != nil {
		return err
	}
	*s = steps
	return nil
}

type rawTarget struct {
	EntityID condition.StringList `yaml:"entity_id"`
	DeviceID condition.StringList `yaml:"device_id"`
}

type rawStep struct {
	Alias string `yaml:"alias"`

	Service  string               `yaml:"service"`
	Action   string               `yaml:"action"`
	Target   rawTarget            `yaml:"target"`
	EntityID condition.StringList `yaml:"entity_id"`
	DeviceID string               `yaml:"device_id"`
	Data     map[string]any       `yaml:"data"`

	Delay yaml.Node `yaml:"delay"`

	WaitTemplate      string    `yaml:"wait_template"`
	WaitForTrigger    yaml.Node `yaml:"wait_for_trigger"`
	Timeout           string    `yaml:"timeout"`
	ContinueOnTimeout *bool     `yaml:"continue_on_timeout"`

	Event     string         `yaml:"event"`
	EventData map[string]any `yaml:"event_data"`

	Condition string `yaml:"condition"`

	Repeat   *rawRepeat `yaml:"repeat"`
	Choose   yaml.Node  `yaml:"choose"`
	Default  yaml.Node  `yaml:"default"`
	Parallel yaml.Node  `yaml:"parallel"`
	Sequence yaml.Node  `yaml:"sequence"`

	Variables yaml.Node `yaml:"variables"`
	Scene     string    `yaml:"scene"`

	Domain string `yaml:"domain"`
	Type   string `yaml:"type"`
}

type rawRepeat struct {
	Count    string         `yaml:"count"`
	While    condition.List `yaml:"while"`
	Until    condition.List `yaml:"until"`
	Sequence yaml.Node      `yaml:"sequence"`
}

type rawChoice struct {
	Conditions condition.List `yaml:"conditions"`
	Sequence   yaml.Node      `yaml:"sequence"`
}

// DecodeStep builds a Step from a YAML mapping. The kind is inferred
// from which keys are present.
func DecodeStep(node *yaml.Node) (Step, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: step must be a mapping", node.Line, ErrValidation)
	}

	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}

	switch {
	case raw.Delay.Kind != 0:
		d, err := decodeDelay(&raw.Delay)
		if err != nil {
			return nil, err
		}
		return Delay{Alias: raw.Alias, Duration: d}, nil

	case raw.WaitTemplate != "":
		tpl, err := template.ParseExpression(raw.WaitTemplate)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		timeout, err := decodeTimeout(raw.Timeout, node.Line)
		if err != nil {
			return nil, err
		}
		return WaitTemplate{Alias: raw.Alias, Template: tpl, Timeout: timeout, ContinueOnTimeout: raw.ContinueOnTimeout}, nil

	case raw.WaitForTrigger.Kind != 0:
		specs, err := decodeTriggers(&raw.WaitForTrigger)
		if err != nil {
			return nil, err
		}
		timeout, err := decodeTimeout(raw.Timeout, node.Line)
		if err != nil {
			return nil, err
		}
		return WaitForTrigger{Alias: raw.Alias, Triggers: specs, Timeout: timeout, ContinueOnTimeout: raw.ContinueOnTimeout}, nil

	case raw.Condition != "":
		cond, err := condition.Decode(node)
		if err != nil {
			return nil, err
		}
		return CheckCondition{Alias: raw.Alias, Condition: cond}, nil

	case raw.Event != "":
		return FireEvent{Alias: raw.Alias, EventType: raw.Event, EventData: raw.EventData}, nil

	case raw.Service != "" || raw.Action != "":
		svc := raw.Service
		if svc == "" {
			svc = raw.Action
		}
		targets := append([]string(nil), raw.EntityID...)
		targets = append(targets, raw.Target.EntityID...)
		devices := append([]string(nil), raw.Target.DeviceID...)
		if raw.DeviceID != "" {
			devices = append(devices, raw.DeviceID)
		}
		return CallService{Alias: raw.Alias, Service: svc, Targets: targets, DeviceIDs: devices, Data: raw.Data}, nil

	case raw.DeviceID != "":
		if raw.Type == "" {
			return nil, fmt.Errorf("line %d: %w: device action needs type", node.Line, ErrValidation)
		}
		return DeviceAction{Alias: raw.Alias, DeviceID: raw.DeviceID, Domain: raw.Domain, Type: raw.Type, Data: raw.Data}, nil

	case raw.Scene != "":
		return ActivateScene{Alias: raw.Alias, Scene: raw.Scene}, nil

	case raw.Repeat != nil:
		return decodeRepeat(raw.Alias, raw.Repeat, node.Line)

	case raw.Choose.Kind != 0:
		return decodeChoose(raw.Alias, &raw.Choose, &raw.Default)

	case raw.Parallel.Kind != 0:
		return decodeParallel(raw.Alias, &raw.Parallel)

	case raw.Sequence.Kind != 0:
		steps, err := decodeSteps(&raw.Sequence)
		if err != nil {
			return nil, err
		}
		return Sequence{Alias: raw.Alias, Steps: steps}, nil

	case raw.Variables.Kind != 0:
		return decodeVariables(raw.Alias, &raw.Variables)

	default:
		return nil, fmt.Errorf("line %d: %w", node.Line, ErrUnknownStep)
	}
}

func decodeSteps(node *yaml.Node) ([]Step, error) {
	if node.Kind == yaml.MappingNode {
		s, err := DecodeStep(node)
		if err != nil {
			return nil, err
		}
		return []Step{s}, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: %w: expected a list of steps", node.Line, ErrValidation)
	}
	steps := make([]Step, 0, len(node.Content))
	for _, item := range node.Content {
		s, err := DecodeStep(item)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// decodeDelay accepts a scalar (duration, seconds, HH:MM:SS or template)
// or a mapping of hours/minutes/seconds/milliseconds.
func decodeDelay(node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if !isTemplate(node.Value) {
			if _, err := ParseDuration(node.Value); err != nil {
				return "", fmt.Errorf("line %d: %w", node.Line, err)
			}
		}
		return node.Value, nil
	case yaml.MappingNode:
		var parts struct {
			Hours        float64 `yaml:"hours"`
			Minutes      float64 `yaml:"minutes"`
			Seconds      float64 `yaml:"seconds"`
			Milliseconds float64 `yaml:"milliseconds"`
		}
		if err := node.Decode(&parts); err != nil {
			return "", fmt.Errorf("line %d: %w", node.Line, err)
		}
		d := time.Duration(parts.Hours*float64(time.Hour) +
			parts.Minutes*float64(time.Minute) +
			parts.Seconds*float64(time.Second) +
			parts.Milliseconds*float64(time.Millisecond))
		if d < 0 {
			return "", fmt.Errorf("line %d: %w: negative delay", node.Line, ErrValidation)
		}
		return d.String(), nil
	default:
		return "", fmt.Errorf("line %d: %w: invalid delay", node.Line, ErrValidation)
	}
}

func decodeTimeout(s string, line int) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("line %d: timeout: %w", line, err)
	}
	return d, nil
}

func decodeTriggers(node *yaml.Node) ([]trigger.Spec, error) {
	if node.Kind == yaml.MappingNode {
		var spec trigger.Spec
		if err := node.Decode(&spec); err != nil {
			return nil, err
		}
		return []trigger.Spec{spec}, nil
	}
	var specs []trigger.Spec
	if err := node.Decode(&specs); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("line %d: %w: wait_for_trigger needs at least one trigger", node.Line, ErrValidation)
	}
	return specs, nil
}

func decodeRepeat(alias string, raw *rawRepeat, line int) (Step, error) {
	set := 0
	for _, present := range []bool{raw.Count != "", len(raw.While) > 0, len(raw.Until) > 0} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("line %d: %w: repeat needs exactly one of count, while, until", line, ErrValidation)
	}
	if raw.Count != "" && !isTemplate(raw.Count) {
		if _, err := strconv.Atoi(raw.Count); err != nil {
			return nil, fmt.Errorf("line %d: %w: repeat count %q", line, ErrValidation, raw.Count)
		}
	}
	if raw.Sequence.Kind == 0 {
		return nil, fmt.Errorf("line %d: %w: repeat needs a sequence", line, ErrValidation)
	}
	seq, err := decodeSteps(&raw.Sequence)
	if err != nil {
		return nil, err
	}
	return Repeat{Alias: alias, Count: raw.Count, While: raw.While, Until: raw.Until, Sequence: seq}, nil
}

func decodeChoose(alias string, choices, def *yaml.Node) (Step, error) {
	items := []*yaml.Node{choices}
	if choices.Kind == yaml.SequenceNode {
		items = choices.Content
	}

	step := Choose{Alias: alias}
	for _, item := range items {
		var rc rawChoice
		if err := item.Decode(&rc); err != nil {
			return nil, fmt.Errorf("line %d: %w", item.Line, err)
		}
		if rc.Sequence.Kind == 0 {
			return nil, fmt.Errorf("line %d: %w: choose option needs a sequence", item.Line, ErrValidation)
		}
		seq, err := decodeSteps(&rc.Sequence)
		if err != nil {
			return nil, err
		}
		step.Choices = append(step.Choices, ChooseOption{Conditions: rc.Conditions, Sequence: seq})
	}

	if def.Kind != 0 {
		seq, err := decodeSteps(def)
		if err != nil {
			return nil, err
		}
		step.Default = seq
	}
	return step, nil
}

// decodeParallel treats each list item as a branch: either a single step
// or a mapping holding only a sequence.
func decodeParallel(alias string, node *yaml.Node) (Step, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: %w: parallel needs a list", node.Line, ErrValidation)
	}
	step := Parallel{Alias: alias}
	for _, item := range node.Content {
		if item.Kind == yaml.MappingNode && len(item.Content) == 2 && item.Content[0].Value == "sequence" {
			seq, err := decodeSteps(item.Content[1])
			if err != nil {
				return nil, err
			}
			step.Branches = append(step.Branches, seq)
			continue
		}
		s, err := DecodeStep(item)
		if err != nil {
			return nil, err
		}
		step.Branches = append(step.Branches, []Step{s})
	}
	return step, nil
}

func decodeVariables(alias string, node *yaml.Node) (Step, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: variables must be a mapping", node.Line, ErrValidation)
	}
	step := SetVariables{Alias: alias}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Content[i+1].Line, err)
		}
		step.Variables = append(step.Variables, Assignment{Name: node.Content[i].Value, Value: v})
	}
	return step, nil
}
