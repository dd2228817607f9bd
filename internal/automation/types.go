package automation

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/script"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Kind distinguishes trigger-driven automations from named scripts.
type Kind string

const (
	KindAutomation Kind = "automation"
	KindScript     Kind = "script"
)

// SchedulerMode selects how a definition's actions are executed.
type SchedulerMode string

const (
	// SchedulerSequential runs the actions through the script executor.
	SchedulerSequential SchedulerMode = "sequential"

	// SchedulerDAG hands the actions to the dependency scheduler.
	SchedulerDAG SchedulerMode = "dag"
)

// Definition is one automation or named script as written in the
// routines file.
type Definition struct {
	ID          string          `yaml:"id" json:"id"`
	Alias       string          `yaml:"alias,omitempty" json:"alias,omitempty"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        Kind            `yaml:"-" json:"kind"`
	Mode        script.Mode     `yaml:"mode,omitempty" json:"mode,omitempty"`
	Max         int             `yaml:"max,omitempty" json:"max,omitempty"`
	MaxExceeded script.Severity `yaml:"max_exceeded,omitempty" json:"max_exceeded,omitempty"`
	Variables   map[string]any  `yaml:"variables,omitempty" json:"variables,omitempty"`

	Triggers   []trigger.Spec `yaml:"-" json:"-"`
	Conditions condition.List `yaml:"-" json:"-"`
	Actions    script.Steps   `yaml:"-" json:"-"`

	Scheduler SchedulerMode `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// rawDefinition accepts both the plural and singular spellings used in
// routine files (triggers/trigger, conditions/condition, actions/sequence).
type rawDefinition struct {
	ID          string          `yaml:"id"`
	Alias       string          `yaml:"alias"`
	Description string          `yaml:"description"`
	Mode        script.Mode     `yaml:"mode"`
	Max         int             `yaml:"max"`
	MaxExceeded script.Severity `yaml:"max_exceeded"`
	Variables   map[string]any  `yaml:"variables"`
	Scheduler   SchedulerMode   `yaml:"scheduler"`
	Enabled     *bool           `yaml:"enabled"`

	Triggers   yaml.Node      `yaml:"triggers"`
	Trigger    yaml.Node      `yaml:"trigger"`
	Conditions condition.List `yaml:"conditions"`
	Condition  condition.List `yaml:"condition"`
	Actions    script.Steps   `yaml:"actions"`
	Action     script.Steps   `yaml:"action"`
	Sequence   script.Steps   `yaml:"sequence"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var raw rawDefinition
	if err := node.Decode(&raw); err != nil {
		return err
	}

	triggers, err := decodeTriggers(firstNode(&raw.Triggers, &raw.Trigger))
	if err != nil {
		return fmt.Errorf("%s: %w", raw.ID, err)
	}

	*d = Definition{
		ID:          raw.ID,
		Alias:       raw.Alias,
		Description: raw.Description,
		Mode:        raw.Mode,
		Max:         raw.Max,
		MaxExceeded: raw.MaxExceeded,
		Variables:   raw.Variables,
		Triggers:    triggers,
		Conditions:  append(raw.Conditions, raw.Condition...),
		Actions:     firstSteps(raw.Actions, raw.Action, raw.Sequence),
		Scheduler:   raw.Scheduler,
		Enabled:     raw.Enabled,
	}
	return nil
}

func firstNode(nodes ...*yaml.Node) *yaml.Node {
	for _, n := range nodes {
		if n.Kind != 0 {
			return n
		}
	}
	return nil
}

func firstSteps(lists ...script.Steps) script.Steps {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

func decodeTriggers(node *yaml.Node) ([]trigger.Spec, error) {
	if node == nil {
		return nil, nil
	}
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
	return specs, nil
}

// IsEnabled reports whether the definition is enabled (the default).
func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// EffectiveScheduler returns the scheduler, sequential by default.
func (d *Definition) EffectiveScheduler() SchedulerMode {
	if d.Scheduler == "" {
		return SchedulerSequential
	}
	return d.Scheduler
}

// File is the routines file layout.
type File struct {
	Automations []Definition `yaml:"automations"`
	Scripts     []Definition `yaml:"scripts"`
}

// Definitions returns every definition with Kind set.
func (f *File) Definitions() []Definition {
	out := make([]Definition, 0, len(f.Automations)+len(f.Scripts))
	for _, d := range f.Scripts {
		d.Kind = KindScript
		out = append(out, d)
	}
	for _, d := range f.Automations {
		d.Kind = KindAutomation
		out = append(out, d)
	}
	return out
}

// Status is a point-in-time view of a registered definition.
type Status struct {
	script.Status
	Kind        Kind          `json:"kind"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Scheduler   SchedulerMode `json:"scheduler"`
	Routines    []string      `json:"routines,omitempty"`
	Entities    []string      `json:"referenced_entities,omitempty"`
	Devices     []string      `json:"referenced_devices,omitempty"`
}

// RunStatus is the persisted state of a run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord is the history row for one script run.
type RunRecord struct {
	ID            string     `json:"id"`
	ScriptID      string     `json:"script_id"`
	CorrelationID string     `json:"correlation_id"`
	UserID        *string    `json:"user_id,omitempty"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	Steps         int        `json:"steps"`
	Error         *string    `json:"error,omitempty"`
	ErrorPath     *string    `json:"error_path,omitempty"`
}
