package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/scheduler"
	"github.com/nerrad567/gray-logic-automation/internal/script"
	"github.com/nerrad567/gray-logic-automation/internal/state"
)

// startRoutine builds a dag routine for e and admits it to the scheduler.
// The run mode applies to routines the way it applies to runs, except that
// queued behaves like parallel.
func (r *Registry) startRoutine(ctx context.Context, e *entry, vars map[string]any, origin event.Context) (string, error) {
	r.mu.RLock()
	sched := r.sched
	active := make([]string, 0, len(e.routines))
	for id := range e.routines {
		active = append(active, id)
	}
	r.mu.RUnlock()
	if sched == nil {
		return "", fmt.Errorf("%w: %s", ErrNoScheduler, e.def.ID)
	}

	status := e.script.Status()
	sev := e.def.MaxExceeded
	if sev == "" {
		sev = r.opts.DefaultMaxExceeded
	}
	switch e.script.Mode() {
	case script.ModeSingle:
		if len(active) > 0 {
			logAt(r.logger, sev, "Already running", "script_id", e.def.ID)
			return "", fmt.Errorf("%w: %s", ErrRejected, e.def.ID)
		}
	case script.ModeRestart:
		for _, id := range active {
			sched.Stop(id)
		}
	default:
		if len(active) >= status.Max {
			logAt(r.logger, sev, "Maximum number of runs exceeded", "script_id", e.def.ID, "max", status.Max)
			return "", fmt.Errorf("%w: %s", ErrRejected, e.def.ID)
		}
	}

	routineID := GenerateID()
	rt, err := scheduler.Build(routineID, e.script.Steps(), r.lookupSteps)
	if err != nil {
		return "", fmt.Errorf("building routine for %s: %w", e.def.ID, err)
	}
	built, err := e.script.BuildVariables(vars, origin)
	if err != nil {
		return "", err
	}
	rt.ScriptID = e.def.ID
	rt.Vars = built
	rt.Origin = origin

	r.mu.Lock()
	e.routines[routineID] = rt
	r.mu.Unlock()

	started := r.deps.Now()
	if err := sched.Start(ctx, rt); err != nil {
		r.mu.Lock()
		delete(e.routines, routineID)
		r.mu.Unlock()
		return "", fmt.Errorf("starting routine for %s: %w", e.def.ID, err)
	}

	r.fireRoutine(event.TypeRunStarted, rt, started, map[string]any{
		"user_id":   origin.UserID,
		"scheduler": string(SchedulerDAG),
	})
	r.logger.Info("routine started",
		"script_id", e.def.ID,
		"routine_id", routineID,
		"actions", len(rt.Actions()),
		"correlation_id", origin.ID,
	)
	go r.awaitRoutine(e, rt, started)
	return routineID, nil
}

// Routine outcomes reported to RoutineMetrics.
const (
	RoutineComplete = "complete"
	RoutineStopped  = "stopped"
	RoutineAborted  = "aborted"
)

func (r *Registry) awaitRoutine(e *entry, rt *scheduler.Routine, started time.Time) {
	<-rt.Done()

	r.mu.Lock()
	delete(e.routines, rt.ID)
	r.mu.Unlock()

	err := rt.Err()
	outcome := RoutineComplete
	result := script.ResultSuccess
	switch {
	case err == nil:
		r.logger.Info("routine finished", "script_id", e.def.ID, "routine_id", rt.ID)
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrHalted):
		outcome = RoutineStopped
		result = script.ResultCancelled
		r.logger.Info("routine ended early", "script_id", e.def.ID, "routine_id", rt.ID, "reason", err)
	default:
		outcome = RoutineAborted
		result = script.ResultError
		r.logger.Warn("routine aborted", "script_id", e.def.ID, "routine_id", rt.ID, "error", err)
	}

	finished := r.deps.Now()
	durationMS := finished.Sub(started).Milliseconds()
	data := map[string]any{
		"result":      string(result),
		"duration_ms": durationMS,
		"steps":       completedActions(rt),
	}
	eventType := event.TypeRunFinished
	if result == script.ResultError {
		eventType = event.TypeRunError
		data["error"] = err.Error()
	}
	r.fireRoutine(eventType, rt, finished, data)

	if m := r.opts.RoutineMetrics; m != nil {
		m.WriteRoutineMetric(e.def.ID, outcome, len(rt.Actions()), durationMS)
	}
}

// fireRoutine emits a run lifecycle event for a whole routine. The routine
// id stands in for the run id, so the recorder keeps one row per routine
// and GET /runs/{id} resolves the id Trigger returned.
func (r *Registry) fireRoutine(eventType string, rt *scheduler.Routine, at time.Time, data map[string]any) {
	if r.deps.Bus == nil {
		return
	}
	data["script_id"] = rt.ScriptID
	data["run_id"] = rt.ID
	data["correlation_id"] = rt.Origin.ID
	r.deps.Bus.Fire(event.Event{Type: eventType, Data: data, Context: rt.Origin, TimeFired: at})
}

func completedActions(rt *scheduler.Routine) int {
	n := 0
	for _, a := range rt.Actions() {
		if a.State() == scheduler.ActionComplete {
			n++
		}
	}
	return n
}

// Dispatch implements scheduler.Dispatcher. Each action runs as a detached
// run of its routine's script, on a private copy of the routine variables.
// The action id is the run's correlation id, so commands published for it
// carry the id devices echo back in RASC responses.
func (r *Registry) Dispatch(ctx context.Context, a *scheduler.ActionEntity) error {
	rt := a.Routine()
	e, err := r.get(rt.ScriptID)
	if err != nil {
		return err
	}

	origin := event.Context{ID: a.ID, ParentID: rt.Origin.ID, UserID: rt.Origin.UserID}
	res, err := e.script.RunAction(ctx, rt.ID, a.Step, state.DeepCopyMap(rt.Vars), origin)
	if err != nil {
		return err
	}
	switch {
	case res.Err != nil:
		return res.Err
	case res.Result == script.ResultCancelled:
		return context.Canceled
	case res.Stopped:
		return scheduler.ErrHalted
	}
	return nil
}

func logAt(logger Logger, sev script.Severity, msg string, args ...any) {
	switch sev {
	case script.SeveritySilent:
	case script.SeverityDebug:
		logger.Debug(msg, args...)
	case script.SeverityInfo:
		logger.Info(msg, args...)
	case script.SeverityError:
		logger.Error(msg, args...)
	default:
		logger.Warn(msg, args...)
	}
}
