package condition

import (
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// Condition types.
const (
	KindAnd          = "and"
	KindOr           = "or"
	KindNot          = "not"
	KindState        = "state"
	KindNumericState = "numeric_state"
	KindTemplate     = "template"
	KindTrigger      = "trigger"
	KindTime         = "time"
)

// Condition is one node of a condition tree. The set of implementations is
// closed; see Evaluate for the dispatch.
type Condition interface {
	Kind() string
	condition()
}

// And passes when every sub-condition passes.
type And struct {
	Conditions []Condition
}

// Or passes when any sub-condition passes.
type Or struct {
	Conditions []Condition
}

// Not passes when no sub-condition passes.
type Not struct {
	Conditions []Condition
}

// State compares entity states (or an attribute) against accepted values.
// Every entity must match one of the values.
type State struct {
	EntityIDs []string
	States    []string
	Attribute string
}

// NumericState checks that a number falls inside (Above, Below).
type NumericState struct {
	EntityIDs     []string
	Attribute     string
	Above         *float64
	Below         *float64
	ValueTemplate *template.Template
}

// Template passes when the rendered value is truthy.
type Template struct {
	ValueTemplate *template.Template
}

// Trigger passes when the run was started by one of the listed trigger ids.
type Trigger struct {
	IDs []string
}

// Time checks the local clock. After/Before are "HH:MM[:SS]"; a window
// whose After is later than Before wraps midnight.
type Time struct {
	After    string
	Before   string
	Weekdays []string
}

func (And) Kind() string          { return KindAnd }
func (Or) Kind() string           { return KindOr }
func (Not) Kind() string          { return KindNot }
func (State) Kind() string        { return KindState }
func (NumericState) Kind() string { return KindNumericState }
func (Template) Kind() string     { return KindTemplate }
func (Trigger) Kind() string      { return KindTrigger }
func (Time) Kind() string         { return KindTime }

func (And) condition()          {}
func (Or) condition()           {}
func (Not) condition()          {}
func (State) condition()        {}
func (NumericState) condition() {}
func (Template) condition()     {}
func (Trigger) condition()      {}
func (Time) condition()         {}
