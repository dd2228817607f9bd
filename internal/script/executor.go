package script

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-automation/internal/capability"
	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/template"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// runSteps executes steps in order under prefix ("sequence",
// "sequence/2/choose/0/sequence", ...). It returns the first outcome that
// is not Continue.
func (r *Run) runSteps(ctx context.Context, steps []Step, prefix string, vars map[string]any) StepOutcome {
	for i, st := range steps {
		if ctx.Err() != nil {
			return stopSequence()
		}
		out := r.runStep(ctx, st, prefix+"/"+strconv.Itoa(i), vars)
		if out.Kind != Continue {
			return out
		}
	}
	return proceed()
}

func (r *Run) runStep(ctx context.Context, st Step, path string, vars map[string]any) (out StepOutcome) {
	idx := r.enterStep(st, path)
	result := make(map[string]any)

	defer func() {
		if p := recover(); p != nil {
			out = fail(fmt.Errorf("%w: panic: %v", ErrInternal, p))
		}
		if out.failed() {
			var se *StepError
			if !errors.As(out.Err, &se) {
				se = &StepError{Path: path, Kind: st.Kind(), Err: out.Err}
				out.Err = se
				r.logFailure(se)
			}
		}
		r.leaveStep(idx, st, path, result, out)
	}()

	return r.dispatch(ctx, st, path, vars, result)
}

func (r *Run) dispatch(ctx context.Context, st Step, path string, vars, result map[string]any) StepOutcome {
	switch s := st.(type) {
	case CallService:
		return r.callService(ctx, s, vars, result)
	case Delay:
		return r.delay(ctx, s, vars, result)
	case WaitTemplate:
		return r.waitTemplate(ctx, s, vars, result)
	case WaitForTrigger:
		return r.waitForTrigger(ctx, s, vars, result)
	case FireEvent:
		return r.fireEvent(s, vars, result)
	case CheckCondition:
		return r.checkCondition(s, path, vars, result)
	case Repeat:
		return r.repeat(ctx, s, path, vars, result)
	case Choose:
		return r.choose(ctx, s, path, vars, result)
	case Parallel:
		return r.parallel(ctx, s, path, vars)
	case Sequence:
		return r.runSteps(ctx, s.Steps, path+"/sequence", vars).nested()
	case SetVariables:
		return r.setVariables(s, vars, result)
	case ActivateScene:
		return r.activateScene(ctx, s, vars, result)
	case DeviceAction:
		return r.deviceAction(ctx, s, vars, result)
	default:
		return fail(fmt.Errorf("%w: %w: %T", ErrValidation, ErrUnknownStep, st))
	}
}

func (r *Run) enterStep(st Step, path string) int {
	label := st.Label()
	r.mu.Lock()
	r.path = path
	r.lastAction = label
	r.trace = append(r.trace, TraceStep{
		Path:      path,
		Kind:      st.Kind(),
		Alias:     label,
		Timestamp: r.script.deps.Now(),
	})
	idx := len(r.trace) - 1
	r.mu.Unlock()

	r.script.setLastAction(label)
	r.fire(event.TypeStepStarted, map[string]any{"path": path, "kind": st.Kind(), "alias": label})
	return idx
}

func (r *Run) leaveStep(idx int, st Step, path string, result map[string]any, out StepOutcome) {
	r.mu.Lock()
	if len(result) > 0 {
		r.trace[idx].Result = result
	}
	if out.Err != nil {
		r.trace[idx].Error = out.Err.Error()
	}
	r.mu.Unlock()

	r.fire(event.TypeStepFinished, map[string]any{
		"path":   path,
		"kind":   st.Kind(),
		"alias":  st.Label(),
		"status": out.Kind.String(),
	})
}

func (r *Run) logFailure(se *StepError) {
	r.logger().Error(fmt.Sprintf("Error executing script. %s for %s at pos %s: %v", Describe(se.Err), se.Kind, se.Path, se.Err),
		"script_id", r.script.ID(),
		"run_id", r.id,
		"correlation_id", r.origin.ID,
	)
}

func (r *Run) renderString(s string, vars map[string]any) (string, error) {
	if !isTemplate(s) {
		return s, nil
	}
	v, err := template.RenderValue(r.script.deps.States, s, vars)
	if err != nil {
		return "", err
	}
	return template.Stringify(v), nil
}

func (r *Run) renderList(items []string, vars map[string]any) ([]string, error) {
	var out []string
	for _, item := range items {
		v, err := template.RenderValue(r.script.deps.States, item, vars)
		if err != nil {
			return nil, err
		}
		out = flattenTargets(v, out)
	}
	return out, nil
}

// ─── Calls ───────────────────────────────────────────────────────

func (r *Run) callService(ctx context.Context, s CallService, vars, result map[string]any) StepOutcome {
	name, err := r.renderString(s.Service, vars)
	if err != nil {
		return fail(err)
	}
	domain, service, err := capability.ParseService(name)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}
	targets, err := r.renderList(s.Targets, vars)
	if err != nil {
		return fail(err)
	}
	devices, err := r.renderList(s.DeviceIDs, vars)
	if err != nil {
		return fail(err)
	}
	data, err := template.RenderData(r.script.deps.States, s.Data, vars)
	if err != nil {
		return fail(err)
	}

	result["service"] = name
	if len(targets) > 0 {
		result["targets"] = targets
	}
	return r.invoke(ctx, capability.Call{
		Domain:    domain,
		Service:   service,
		Targets:   targets,
		DeviceIDs: devices,
		Data:      data,
		Context:   r.origin,
	}, result)
}

func (r *Run) activateScene(ctx context.Context, s ActivateScene, vars, result map[string]any) StepOutcome {
	scene, err := r.renderString(s.Scene, vars)
	if err != nil {
		return fail(err)
	}
	result["scene"] = scene
	return r.invoke(ctx, capability.Call{
		Domain:  "scene",
		Service: "turn_on",
		Targets: []string{scene},
		Context: r.origin,
	}, result)
}

func (r *Run) deviceAction(ctx context.Context, s DeviceAction, vars, result map[string]any) StepOutcome {
	data, err := template.RenderData(r.script.deps.States, s.Data, vars)
	if err != nil {
		return fail(err)
	}
	if s.Domain != "" {
		data["domain"] = s.Domain
	}
	result["device_id"] = s.DeviceID
	return r.invoke(ctx, capability.Call{
		Domain:    "device",
		Service:   s.Type,
		DeviceIDs: []string{s.DeviceID},
		Data:      data,
		Context:   r.origin,
	}, result)
}

// fireAndForget reports calls that start other runs; the caller does not
// wait for them.
func fireAndForget(call capability.Call) bool {
	switch call.Domain {
	case "script":
		return true
	case "automation":
		return call.Service == "trigger" || call.Service == "turn_on"
	}
	return false
}

func (r *Run) invoke(ctx context.Context, call capability.Call, result map[string]any) StepOutcome {
	inv := r.script.deps.Invoker
	log := r.logger()

	if fireAndForget(call) {
		go func() {
			if _, err := inv.Invoke(context.WithoutCancel(ctx), call); err != nil {
				log.Warn("background service call failed",
					"script_id", r.script.ID(),
					"service", call.Name(),
					"error", err,
				)
			}
		}()
		result["background"] = true
		return proceed()
	}

	// The call gets its own context so that it can outlive the limit;
	// only a stop cancels it.
	callCtx, cancelCall := context.WithCancel(context.WithoutCancel(ctx))

	type reply struct {
		res capability.Result
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		res, err := inv.Invoke(callCtx, call)
		replies <- reply{res, err}
	}()

	var limit <-chan time.Time
	if d := r.script.deps.ServiceCallLimit; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		limit = t.C
	}

	select {
	case rep := <-replies:
		cancelCall()
		if rep.err != nil {
			return fail(rep.err)
		}
		if len(rep.res.CommandIDs) > 0 {
			result["command_ids"] = rep.res.CommandIDs
		}
		return proceed()
	case <-ctx.Done():
		cancelCall()
		return stopSequence()
	case <-limit:
		log.Warn("service call did not complete within limit, continuing",
			"script_id", r.script.ID(),
			"service", call.Name(),
			"limit", r.script.deps.ServiceCallLimit,
		)
		result["limit_exceeded"] = true
		go func() {
			<-replies
			cancelCall()
		}()
		return proceed()
	}
}

// ─── Waits ───────────────────────────────────────────────────────

func (r *Run) delay(ctx context.Context, s Delay, vars, result map[string]any) StepOutcome {
	var d time.Duration
	if isTemplate(s.Duration) {
		v, err := template.RenderValue(r.script.deps.States, s.Duration, vars)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrValidation, err))
		}
		if d, err = durationOf(v); err != nil {
			return fail(err)
		}
	} else {
		var err error
		if d, err = ParseDuration(s.Duration); err != nil {
			return fail(err)
		}
	}
	result["delay"] = d.String()

	r.setState(StateWaitingOnTimer)
	defer r.setState(StateRunning)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return proceed()
	case <-ctx.Done():
		return stopSequence()
	}
}

type waitEnd int

const (
	waitFired waitEnd = iota
	waitTimedOut
	waitStopped
)

// await races a trigger firing against the timeout and the stop signal.
func (r *Run) await(ctx context.Context, fired <-chan trigger.Vars, timeout time.Duration) (trigger.Vars, waitEnd, any) {
	start := r.script.deps.Now()
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case tv := <-fired:
		if timeout <= 0 {
			return tv, waitFired, nil
		}
		left := timeout - r.script.deps.Now().Sub(start)
		if left < 0 {
			left = 0
		}
		return tv, waitFired, left.Seconds()
	case <-timeoutC:
		return nil, waitTimedOut, 0.0
	case <-ctx.Done():
		return nil, waitStopped, nil
	}
}

func remainingOf(timeout time.Duration) any {
	if timeout <= 0 {
		return nil
	}
	return timeout.Seconds()
}

func notifyOnce(ch chan trigger.Vars) func(trigger.Vars) {
	return func(v trigger.Vars) {
		select {
		case ch <- v:
		default:
		}
	}
}

func (r *Run) waitTemplate(ctx context.Context, s WaitTemplate, vars, result map[string]any) StepOutcome {
	states := r.script.deps.States

	ok, err := s.Template.RenderBool(states, vars)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}
	if ok {
		vars["wait"] = map[string]any{"remaining": remainingOf(s.Timeout), "completed": true}
		result["completed"] = true
		return proceed()
	}

	if r.script.deps.Triggers == nil {
		return fail(fmt.Errorf("%w: no trigger subsystem", ErrInternal))
	}
	fired := make(chan trigger.Vars, 1)
	detach, err := r.script.deps.Triggers.Attach(ctx,
		[]trigger.Spec{{Platform: trigger.PlatformTemplate, ValueTemplate: s.Template}},
		snapshot(vars), notifyOnce(fired))
	if err != nil {
		return fail(err)
	}
	defer detach()

	// The template may have turned true between the first check and Attach.
	if ok, _ := s.Template.RenderBool(states, vars); ok {
		vars["wait"] = map[string]any{"remaining": remainingOf(s.Timeout), "completed": true}
		result["completed"] = true
		return proceed()
	}

	r.setState(StateWaitingOnCondition)
	defer r.setState(StateRunning)

	_, end, remaining := r.await(ctx, fired, s.Timeout)
	switch end {
	case waitFired:
		vars["wait"] = map[string]any{"remaining": remaining, "completed": true}
		result["completed"] = true
		return proceed()
	case waitTimedOut:
		result["timeout"] = true
		if !continueOnTimeout(s.ContinueOnTimeout) {
			return fail(fmt.Errorf("%w after %v", ErrWaitTimeout, s.Timeout))
		}
		vars["wait"] = map[string]any{"remaining": remaining, "completed": false}
		return proceed()
	default:
		return stopSequence()
	}
}

func (r *Run) waitForTrigger(ctx context.Context, s WaitForTrigger, vars, result map[string]any) StepOutcome {
	if r.script.deps.Triggers == nil {
		return fail(fmt.Errorf("%w: no trigger subsystem", ErrInternal))
	}
	fired := make(chan trigger.Vars, 1)
	detach, err := r.script.deps.Triggers.Attach(ctx, s.Triggers, snapshot(vars), notifyOnce(fired))
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrValidation, err))
	}
	defer detach()

	r.setState(StateWaitingOnTrigger)
	defer r.setState(StateRunning)

	tv, end, remaining := r.await(ctx, fired, s.Timeout)
	switch end {
	case waitFired:
		vars["wait"] = map[string]any{"remaining": remaining, "trigger": tv["trigger"]}
		result["trigger"] = tv["trigger"]
		return proceed()
	case waitTimedOut:
		result["timeout"] = true
		if !continueOnTimeout(s.ContinueOnTimeout) {
			return fail(fmt.Errorf("%w after %v", ErrWaitTimeout, s.Timeout))
		}
		vars["wait"] = map[string]any{"remaining": remaining, "trigger": nil}
		return proceed()
	default:
		return stopSequence()
	}
}

// ─── Control flow ────────────────────────────────────────────────

func (r *Run) fireEvent(s FireEvent, vars, result map[string]any) StepOutcome {
	data, err := template.RenderData(r.script.deps.States, s.EventData, vars)
	if err != nil {
		return fail(err)
	}
	result["event"] = s.EventType
	r.script.deps.Bus.Fire(event.Event{Type: s.EventType, Data: data, Context: r.origin})
	return proceed()
}

func (r *Run) checkCondition(s CheckCondition, path string, vars, result map[string]any) StepOutcome {
	ok, err := condition.Evaluate(s.Condition, r.script.deps.conditionEnv(), vars)
	result["result"] = ok
	if err != nil {
		r.logger().Warn("Error in 'condition' evaluation",
			"script_id", r.script.ID(),
			"path", path,
			"error", err,
		)
		result["error"] = err.Error()
		return stopSequence()
	}
	if !ok {
		return stopSequence()
	}
	return proceed()
}

func (r *Run) repeat(ctx context.Context, s Repeat, path string, vars, result map[string]any) StepOutcome {
	saved, hadSaved := vars["repeat"]
	defer func() {
		if hadSaved {
			vars["repeat"] = saved
		} else {
			delete(vars, "repeat")
		}
	}()

	env := r.script.deps.conditionEnv()
	seqPath := path + "/repeat/sequence"
	iterations := 0
	defer func() { result["iterations"] = iterations }()

	body := func(i int, extra map[string]any) StepOutcome {
		info := map[string]any{"first": i == 0, "index": i + 1}
		for k, v := range extra {
			info[k] = v
		}
		vars["repeat"] = info
		return r.runSteps(ctx, s.Sequence, seqPath, vars).nested()
	}

	guardFailed := func(which string, err error) {
		r.logger().Warn("Error in '"+which+"' evaluation", "script_id", r.script.ID(), "path", path, "error", err)
	}

	switch {
	case s.Count != "":
		v, err := template.RenderValue(r.script.deps.States, s.Count, vars)
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrValidation, err))
		}
		n, err := intOf(v)
		if err != nil {
			return fail(err)
		}
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				return stopSequence()
			}
			if out := body(i, map[string]any{"last": i == n-1}); out.failed() {
				return out
			}
			iterations++
		}

	case len(s.While) > 0:
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return stopSequence()
			}
			vars["repeat"] = map[string]any{"first": i == 0, "index": i + 1}
			ok, err := condition.All(s.While, env, vars)
			if err != nil {
				guardFailed("while", err)
				return proceed()
			}
			if !ok {
				return proceed()
			}
			if out := body(i, nil); out.failed() {
				return out
			}
			iterations++
		}

	case len(s.Until) > 0:
		for i := 0; ; i++ {
			if ctx.Err() != nil {
				return stopSequence()
			}
			if out := body(i, nil); out.failed() {
				return out
			}
			iterations++
			ok, err := condition.All(s.Until, env, vars)
			if err != nil {
				guardFailed("until", err)
				return proceed()
			}
			if ok {
				return proceed()
			}
		}
	}
	return proceed()
}

func (r *Run) choose(ctx context.Context, s Choose, path string, vars, result map[string]any) StepOutcome {
	env := r.script.deps.conditionEnv()
	for i, opt := range s.Choices {
		ok, err := condition.All(opt.Conditions, env, vars)
		if err != nil {
			r.logger().Warn("Error in 'choose' evaluation", "script_id", r.script.ID(), "path", path, "option", i, "error", err)
			continue
		}
		if ok {
			result["choice"] = i
			return r.runSteps(ctx, opt.Sequence, fmt.Sprintf("%s/choose/%d/sequence", path, i), vars).nested()
		}
	}
	if s.Default != nil {
		result["choice"] = "default"
		return r.runSteps(ctx, s.Default, path+"/default", vars).nested()
	}
	return proceed()
}

func (r *Run) parallel(ctx context.Context, s Parallel, path string, vars map[string]any) StepOutcome {
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range s.Branches {
		scope := cloneVars(vars)
		prefix := fmt.Sprintf("%s/parallel/%d/sequence", path, i)
		g.Go(func() error {
			if out := r.runSteps(gctx, branch, prefix, scope); out.failed() {
				return out.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return stopSequence()
	}
	return proceed()
}

func (r *Run) setVariables(s SetVariables, vars, result map[string]any) StepOutcome {
	names := make([]string, 0, len(s.Variables))
	for _, a := range s.Variables {
		v, err := template.RenderValue(r.script.deps.States, a.Value, vars)
		if err != nil {
			return fail(fmt.Errorf("%w: variable %q: %w", ErrValidation, a.Name, err))
		}
		vars[a.Name] = v
		names = append(names, a.Name)
	}
	result["variables"] = names
	return proceed()
}
