package script

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/capability"
	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/template"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Logger defines the logging interface used by scripts.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TriggerAttacher is the trigger subsystem as seen by wait steps.
type TriggerAttacher interface {
	Attach(ctx context.Context, specs []trigger.Spec, vars map[string]any, onFire func(trigger.Vars)) (trigger.Detach, error)
}

// EventFirer publishes lifecycle and user events.
type EventFirer interface {
	Fire(ev event.Event)
}

// Deps are the collaborators a script runs against. A nil Invoker rejects
// every call and a nil Bus discards events.
type Deps struct {
	States   template.StateReader
	Triggers TriggerAttacher
	Invoker  capability.Invoker
	Bus      EventFirer
	Logger   Logger

	// ServiceCallLimit bounds how long a call step waits for the invoker
	// before leaving the call in the background. Zero waits indefinitely.
	ServiceCallLimit time.Duration

	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = noopLogger{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Bus == nil {
		d.Bus = discardEvents{}
	}
	if d.Invoker == nil {
		d.Invoker = capability.InvokerFunc(func(_ context.Context, call capability.Call) (capability.Result, error) {
			return capability.Result{}, fmt.Errorf("%w: %s", capability.ErrNotFound, call.Name())
		})
	}
	return d
}

type discardEvents struct{}

func (discardEvents) Fire(event.Event) {}

func (d Deps) conditionEnv() condition.Env {
	return condition.Env{States: d.States, Now: d.Now}
}
