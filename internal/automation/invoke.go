package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-automation/internal/capability"
)

// Service domains handled by the registry.
const (
	DomainScript     = "script"
	DomainAutomation = "automation"
)

// Invoke implements capability.Invoker for the script and automation
// domains, so sub-script calls and automation control go through the same
// router as device commands.
//
//	script.turn_on     targets: script.<id>   data: {variables: {...}}
//	script.turn_off    targets: script.<id>
//	script.toggle      targets: script.<id>
//	script.<id>        data is the variables
//	automation.trigger targets: automation.<id>   data: {skip_condition: bool}
//	automation.turn_on / turn_off / toggle
func (r *Registry) Invoke(ctx context.Context, call capability.Call) (capability.Result, error) {
	switch call.Domain {
	case DomainScript:
		return r.invokeScript(ctx, call)
	case DomainAutomation:
		return r.invokeAutomation(ctx, call)
	default:
		return capability.Result{}, fmt.Errorf("%w: %s", capability.ErrNotFound, call.Name())
	}
}

func (r *Registry) invokeScript(ctx context.Context, call capability.Call) (capability.Result, error) {
	switch call.Service {
	case "turn_on":
		vars, _ := call.Data["variables"].(map[string]any)
		return r.each(call, DomainScript, func(id string) (string, error) {
			return r.Run(ctx, id, vars, call.Context)
		})
	case "turn_off":
		return r.each(call, DomainScript, func(id string) (string, error) {
			return "", r.Stop(ctx, id)
		})
	case "toggle":
		return r.each(call, DomainScript, func(id string) (string, error) {
			e, err := r.get(id)
			if err != nil {
				return "", err
			}
			if e.script.IsRunning() {
				return "", r.Stop(ctx, id)
			}
			return r.Run(ctx, id, nil, call.Context)
		})
	case "reload":
		return capability.Result{}, fmt.Errorf("%w: %w: %s", capability.ErrInvalidCall, ErrUnsupportedService, call.Name())
	default:
		runID, err := r.Run(ctx, call.Service, call.Data, call.Context)
		if err != nil {
			return capability.Result{}, classify(err)
		}
		return capability.Result{Data: map[string]any{"run_ids": []string{runID}}}, nil
	}
}

func (r *Registry) invokeAutomation(ctx context.Context, call capability.Call) (capability.Result, error) {
	switch call.Service {
	case "trigger":
		skip := true
		if v, ok := call.Data["skip_condition"].(bool); ok {
			skip = v
		}
		vars := map[string]any{"trigger": map[string]any{"platform": nil}}
		return r.each(call, DomainAutomation, func(id string) (string, error) {
			if skip {
				return r.Run(ctx, id, vars, call.Context)
			}
			return r.Trigger(ctx, id, vars, call.Context)
		})
	case "turn_on":
		return r.each(call, DomainAutomation, func(id string) (string, error) {
			return "", r.Enable(ctx, id)
		})
	case "turn_off":
		return r.each(call, DomainAutomation, func(id string) (string, error) {
			return "", r.Disable(id)
		})
	case "toggle":
		return r.each(call, DomainAutomation, func(id string) (string, error) {
			st, err := r.Status(id)
			if err != nil {
				return "", err
			}
			if st.Enabled {
				return "", r.Disable(id)
			}
			return "", r.Enable(ctx, id)
		})
	default:
		return capability.Result{}, fmt.Errorf("%w: %w: %s", capability.ErrInvalidCall, ErrUnsupportedService, call.Name())
	}
}

// each applies fn to every "<domain>.<id>" target and collects run ids.
// It stops at the first error.
func (r *Registry) each(call capability.Call, domain string, fn func(id string) (string, error)) (capability.Result, error) {
	if len(call.Targets) == 0 {
		return capability.Result{}, fmt.Errorf("%w: %s needs a target", capability.ErrInvalidCall, call.Name())
	}
	var runIDs []string
	for _, target := range call.Targets {
		id := strings.TrimPrefix(target, domain+".")
		runID, err := fn(id)
		if err != nil {
			return capability.Result{}, classify(err)
		}
		if runID != "" {
			runIDs = append(runIDs, runID)
		}
	}
	res := capability.Result{}
	if len(runIDs) > 0 {
		res.Data = map[string]any{"run_ids": runIDs}
	}
	return res, nil
}

// classify maps registry errors onto the capability error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %w", capability.ErrNotFound, err)
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrUnsupportedService):
		return fmt.Errorf("%w: %w", capability.ErrInvalidCall, err)
	default:
		return fmt.Errorf("%w: %w", capability.ErrInvocationFailed, err)
	}
}
