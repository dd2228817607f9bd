package script

// OutcomeKind says how execution proceeds after a step.
type OutcomeKind int

const (
	// Continue runs the next step.
	Continue OutcomeKind = iota
	// StopSequence ends the enclosing sequence without error.
	StopSequence
	// Fail aborts the run with Err.
	Fail
)

func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case StopSequence:
		return "stop"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	Kind OutcomeKind
	Err  error
}

func proceed() StepOutcome         { return StepOutcome{Kind: Continue} }
func stopSequence() StepOutcome    { return StepOutcome{Kind: StopSequence} }
func fail(err error) StepOutcome   { return StepOutcome{Kind: Fail, Err: err} }
func (o StepOutcome) failed() bool { return o.Kind == Fail }

// nested maps the outcome of an inner sequence onto its parent: a stop
// ends only the inner sequence.
func (o StepOutcome) nested() StepOutcome {
	if o.Kind == StopSequence {
		return proceed()
	}
	return o
}
