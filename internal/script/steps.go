package script

import (
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/template"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Step kinds, as used in traces, events and logs.
const (
	KindCallService    = "call_service"
	KindDelay          = "delay"
	KindWaitTemplate   = "wait_template"
	KindWaitForTrigger = "wait_for_trigger"
	KindFireEvent      = "event"
	KindCondition      = "condition"
	KindRepeat         = "repeat"
	KindChoose         = "choose"
	KindParallel       = "parallel"
	KindSequence       = "sequence"
	KindVariables      = "variables"
	KindScene          = "scene"
	KindDevice         = "device"
)

// Step is one action in a script. The set of implementations is closed;
// the executor dispatches on the concrete type.
type Step interface {
	Kind() string
	// Label is the alias, or the kind when no alias is set.
	Label() string
	step()
}

// CallService invokes a capability. Service, Targets and Data may contain
// templates.
type CallService struct {
	Alias     string
	Service   string
	Targets   []string
	DeviceIDs []string
	Data      map[string]any
}

// Delay pauses the run. Duration is a Go duration, a number of seconds
// or HH:MM:SS, and may be a template.
type Delay struct {
	Alias    string
	Duration string
}

// WaitTemplate suspends until Template renders true.
// A zero Timeout waits forever.
type WaitTemplate struct {
	Alias             string
	Template          *template.Template
	Timeout           time.Duration
	ContinueOnTimeout *bool
}

// WaitForTrigger suspends until any of Triggers fires.
type WaitForTrigger struct {
	Alias             string
	Triggers          []trigger.Spec
	Timeout           time.Duration
	ContinueOnTimeout *bool
}

// FireEvent publishes an event on the bus.
type FireEvent struct {
	Alias     string
	EventType string
	EventData map[string]any
}

// CheckCondition stops the enclosing sequence when Condition is false.
type CheckCondition struct {
	Alias     string
	Condition condition.Condition
}

// Repeat runs Sequence a number of times. Exactly one of Count, While and
// Until is set.
type Repeat struct {
	Alias    string
	Count    string
	While    []condition.Condition
	Until    []condition.Condition
	Sequence []Step
}

// ChooseOption is one branch of a Choose.
type ChooseOption struct {
	Conditions []condition.Condition
	Sequence   []Step
}

// Choose runs the first option whose conditions all pass, else Default.
type Choose struct {
	Alias   string
	Choices []ChooseOption
	Default []Step
}

// Parallel runs each branch concurrently.
type Parallel struct {
	Alias    string
	Branches [][]Step
}

// Sequence is an inline group of steps.
type Sequence struct {
	Alias string
	Steps []Step
}

// Assignment is one entry of a SetVariables step. Order is preserved so
// later values can refer to earlier ones.
type Assignment struct {
	Name  string
	Value any
}

// SetVariables renders values into the run's variable scope.
type SetVariables struct {
	Alias     string
	Variables []Assignment
}

// ActivateScene turns on a scene entity.
type ActivateScene struct {
	Alias string
	Scene string
}

// DeviceAction runs a device-level action (type) against one device.
type DeviceAction struct {
	Alias    string
	DeviceID string
	Domain   string
	Type     string
	Data     map[string]any
}

func (CallService) Kind() string    { return KindCallService }
func (Delay) Kind() string          { return KindDelay }
func (WaitTemplate) Kind() string   { return KindWaitTemplate }
func (WaitForTrigger) Kind() string { return KindWaitForTrigger }
func (FireEvent) Kind() string      { return KindFireEvent }
func (CheckCondition) Kind() string { return KindCondition }
func (Repeat) Kind() string         { return KindRepeat }
func (Choose) Kind() string         { return KindChoose }
func (Parallel) Kind() string       { return KindParallel }
func (Sequence) Kind() string       { return KindSequence }
func (SetVariables) Kind() string   { return KindVariables }
func (ActivateScene) Kind() string  { return KindScene }
func (DeviceAction) Kind() string   { return KindDevice }

func (s CallService) Label() string    { return labelOr(s.Alias, "call service "+s.Service) }
func (s Delay) Label() string          { return labelOr(s.Alias, "delay "+s.Duration) }
func (s WaitTemplate) Label() string   { return labelOr(s.Alias, "wait template") }
func (s WaitForTrigger) Label() string { return labelOr(s.Alias, "wait for trigger") }
func (s FireEvent) Label() string      { return labelOr(s.Alias, "fire "+s.EventType) }
func (s CheckCondition) Label() string { return labelOr(s.Alias, "condition") }
func (s Repeat) Label() string         { return labelOr(s.Alias, "repeat") }
func (s Choose) Label() string         { return labelOr(s.Alias, "choose") }
func (s Parallel) Label() string       { return labelOr(s.Alias, "parallel") }
func (s Sequence) Label() string       { return labelOr(s.Alias, "sequence") }
func (s SetVariables) Label() string   { return labelOr(s.Alias, "variables") }
func (s ActivateScene) Label() string  { return labelOr(s.Alias, "activate scene "+s.Scene) }
func (s DeviceAction) Label() string   { return labelOr(s.Alias, "device action "+s.Type) }

func (CallService) step()    {}
func (Delay) step()          {}
func (WaitTemplate) step()   {}
func (WaitForTrigger) step() {}
func (FireEvent) step()      {}
func (CheckCondition) step() {}
func (Repeat) step()         {}
func (Choose) step()         {}
func (Parallel) step()       {}
func (Sequence) step()       {}
func (SetVariables) step()   {}
func (ActivateScene) step()  {}
func (DeviceAction) step()   {}

func labelOr(alias, fallback string) string {
	if alias != "" {
		return alias
	}
	return fallback
}

func continueOnTimeout(v *bool) bool {
	return v == nil || *v
}
