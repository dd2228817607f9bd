package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-automation/internal/condition"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/scheduler"
	"github.com/nerrad567/gray-logic-automation/internal/script"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// Logger defines the logging interface used by the Registry and Recorder.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RoutineScheduler is the dependency scheduler as seen by the registry.
type RoutineScheduler interface {
	Start(ctx context.Context, r *scheduler.Routine) error
	Stop(routineID string)
}

// Options tune the registry. Zero values fall back to the script defaults.
type Options struct {
	DefaultMax         int
	DefaultMaxExceeded script.Severity

	// ShutdownMaxWait bounds StopAll. Zero waits for ctx only.
	ShutdownMaxWait time.Duration

	// RoutineMetrics receives one point per finished dag routine. Optional.
	RoutineMetrics RoutineMetrics
}

// RoutineMetrics records finished dependency-scheduler routines.
// *influxdb.Client satisfies it.
type RoutineMetrics interface {
	WriteRoutineMetric(scriptID, outcome string, actions int, durationMS int64)
}

type entry struct {
	def    Definition
	script *script.Script

	enabled  bool
	detach   trigger.Detach
	routines map[string]*scheduler.Routine
}

// Registry owns every loaded automation and named script.
//
// It starts runs for triggers, the API and sub-script calls, hands dag
// definitions to the dependency scheduler, and stops everything at reload
// and shutdown.
//
// All public methods are thread-safe.
type Registry struct {
	deps  script.Deps
	opts  Options
	sched RoutineScheduler

	mu      sync.RWMutex
	entries map[string]*entry

	onChange atomic.Pointer[func(script.Status)]

	logger Logger
}

// NewRegistry creates an empty registry. deps are shared by every script;
// deps.Triggers also attaches automation triggers.
func NewRegistry(deps script.Deps, opts Options) *Registry {
	if opts.DefaultMax <= 0 {
		opts.DefaultMax = script.DefaultMax
	}
	if opts.DefaultMaxExceeded == "" {
		opts.DefaultMaxExceeded = script.DefaultMaxExceeded
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		deps:    deps,
		opts:    opts,
		entries: make(map[string]*entry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetChangeListener registers fn to receive a script's status whenever its
// running state or last action changes. Scripts being replaced by Load
// stop without notifying. fn must not block.
func (r *Registry) SetChangeListener(fn func(script.Status)) {
	r.onChange.Store(&fn)
}

func (r *Registry) scriptChanged(s *script.Script) {
	if fn := r.onChange.Load(); fn != nil && *fn != nil {
		(*fn)(s.Status())
	}
}

// SetScheduler enables dag execution. The scheduler is usually built with
// the registry as its Dispatcher, so it is wired after construction.
func (r *Registry) SetScheduler(s RoutineScheduler) {
	r.mu.Lock()
	r.sched = s
	r.mu.Unlock()
}

// Load replaces the registry contents with defs. Every definition is
// validated and built before anything is touched; on error the previous
// contents stay live. Old runs are stopped and old triggers detached before
// the new automations are enabled.
func (r *Registry) Load(ctx context.Context, defs []Definition) error {
	if err := ValidateAll(defs); err != nil {
		return err
	}

	next := make(map[string]*entry, len(defs))
	for i := range defs {
		d := defs[i]
		s, err := r.newScript(d)
		if err != nil {
			return fmt.Errorf("building %s: %w", d.ID, err)
		}
		next[d.ID] = &entry{def: d, script: s, routines: make(map[string]*scheduler.Routine)}
	}

	r.mu.Lock()
	prev := r.entries
	r.entries = next
	r.mu.Unlock()

	if len(prev) > 0 {
		if err := r.stopEntries(ctx, prev, true); err != nil {
			r.logger.Warn("stopping previous routines", "error", err)
		}
	}

	for _, e := range next {
		if e.def.Kind == KindAutomation && e.def.IsEnabled() {
			if err := r.Enable(ctx, e.def.ID); err != nil {
				r.logger.Error("enabling automation", "automation_id", e.def.ID, "error", err)
			}
		}
	}

	r.logger.Info("routines loaded", "count", len(next))
	return nil
}

func (r *Registry) newScript(d Definition) (*script.Script, error) {
	maxRuns := d.Max
	if maxRuns == 0 {
		maxRuns = r.opts.DefaultMax
	}
	sev := d.MaxExceeded
	if sev == "" {
		sev = r.opts.DefaultMaxExceeded
	}
	s, err := script.New(script.Config{
		ID:          d.ID,
		Alias:       d.Alias,
		Mode:        d.Mode,
		Max:         maxRuns,
		MaxExceeded: sev,
		Variables:   d.Variables,
		Steps:       d.Actions,
	}, r.deps)
	if err != nil {
		return nil, err
	}
	s.SetChangeListener(r.scriptChanged)
	return s, nil
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns the definition with id.
func (r *Registry) Get(id string) (Definition, error) {
	e, err := r.get(id)
	if err != nil {
		return Definition{}, err
	}
	return e.def, nil
}

// Script returns the supervisor for id.
func (r *Registry) Script(id string) (*script.Script, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return e.script, nil
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Enable attaches an automation's triggers. Enabling an enabled automation
// is a no-op.
func (r *Registry) Enable(ctx context.Context, id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	if e.def.Kind != KindAutomation {
		return fmt.Errorf("%w: %s is a script", ErrUnsupportedService, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.enabled {
		return nil
	}
	if len(e.def.Triggers) > 0 && r.deps.Triggers != nil {
		detach, err := r.deps.Triggers.Attach(context.WithoutCancel(ctx), e.def.Triggers, e.def.Variables, r.onTrigger(id))
		if err != nil {
			return fmt.Errorf("attaching triggers for %s: %w", id, err)
		}
		e.detach = detach
	}
	e.enabled = true
	r.logger.Info("automation enabled", "automation_id", id, "triggers", len(e.def.Triggers))
	return nil
}

// Disable detaches an automation's triggers. Active runs continue.
func (r *Registry) Disable(id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !e.enabled {
		return nil
	}
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
	e.enabled = false
	r.logger.Info("automation disabled", "automation_id", id)
	return nil
}

func (r *Registry) onTrigger(id string) func(trigger.Vars) {
	return func(tv trigger.Vars) {
		_, err := r.Trigger(context.Background(), id, map[string]any(tv), event.NewContext(""))
		switch {
		case err == nil:
		case errors.Is(err, ErrConditionsNotMet), errors.Is(err, ErrRejected), errors.Is(err, ErrDisabled):
			r.logger.Debug("automation not started", "automation_id", id, "reason", err)
		default:
			r.logger.Error("automation trigger failed", "automation_id", id, "error", err)
		}
	}
}

// Trigger checks an automation's conditions and starts it. It returns the
// run id, or the routine id for dag automations.
func (r *Registry) Trigger(ctx context.Context, id string, vars map[string]any, origin event.Context) (string, error) {
	e, err := r.get(id)
	if err != nil {
		return "", err
	}
	if origin.IsZero() {
		origin = event.NewContext("")
	}

	if e.def.Kind == KindAutomation {
		r.mu.RLock()
		enabled := e.enabled
		r.mu.RUnlock()
		if !enabled {
			return "", fmt.Errorf("%w: %s", ErrDisabled, id)
		}

		env := condition.Env{States: r.deps.States, Now: r.deps.Now}
		ok, err := condition.All(e.def.Conditions, env, vars)
		if err != nil {
			var ce *condition.ConditionError
			if errors.As(err, &ce) {
				r.logger.Warn("Error evaluating condition", "automation_id", id, "error", err)
				return "", fmt.Errorf("%w: %s: %w", ErrConditionsNotMet, id, err)
			}
			return "", fmt.Errorf("evaluating conditions for %s: %w", id, err)
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrConditionsNotMet, id)
		}

		if r.deps.Bus != nil {
			r.deps.Bus.Fire(event.Event{
				Type: event.TypeAutomationTriggered,
				Data: map[string]any{
					"automation_id": id,
					"name":          e.script.Alias(),
					"source":        triggerSource(vars),
				},
				Context:   origin,
				TimeFired: r.deps.Now(),
			})
		}
	}

	return r.start(ctx, e, vars, origin)
}

// Run starts a definition without checking conditions or the enabled flag.
func (r *Registry) Run(ctx context.Context, id string, vars map[string]any, origin event.Context) (string, error) {
	e, err := r.get(id)
	if err != nil {
		return "", err
	}
	if origin.IsZero() {
		origin = event.NewContext("")
	}
	return r.start(ctx, e, vars, origin)
}

func (r *Registry) start(ctx context.Context, e *entry, vars map[string]any, origin event.Context) (string, error) {
	if e.def.EffectiveScheduler() == SchedulerDAG {
		return r.startRoutine(ctx, e, vars, origin)
	}
	run, err := e.script.Start(ctx, vars, origin)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("%w: %s", ErrRejected, e.def.ID)
	}
	return run.ID(), nil
}

func triggerSource(vars map[string]any) string {
	trig, ok := vars["trigger"].(map[string]any)
	if !ok {
		return "manual"
	}
	platform, _ := trig["platform"].(string)
	if platform == "" {
		return "trigger"
	}
	return platform + " trigger"
}

// Stop cancels every run and routine of id and waits for them.
func (r *Registry) Stop(ctx context.Context, id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	return r.stopEntry(ctx, e, false)
}

// StopRun cancels a single run or routine by id and waits for it.
func (r *Registry) StopRun(ctx context.Context, runID string) error {
	r.mu.RLock()
	var (
		run     *script.Run
		routine *scheduler.Routine
		sched   = r.sched
	)
	for _, e := range r.entries {
		if rt, ok := e.routines[runID]; ok {
			routine = rt
			break
		}
		for _, candidate := range e.script.Runs() {
			if candidate.ID() == runID {
				run = candidate
				break
			}
		}
		if run != nil {
			break
		}
	}
	r.mu.RUnlock()

	var done <-chan struct{}
	switch {
	case run != nil:
		run.Stop()
		done = run.Done()
	case routine != nil && sched != nil:
		sched.Stop(runID)
		done = routine.Settled()
	default:
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopEntry stops e's runs and routines. A quiet stop skips change
// notifications.
func (r *Registry) stopEntry(ctx context.Context, e *entry, quiet bool) error {
	r.mu.RLock()
	routines := make([]*scheduler.Routine, 0, len(e.routines))
	for _, rt := range e.routines {
		routines = append(routines, rt)
	}
	sched := r.sched
	r.mu.RUnlock()

	if sched != nil {
		for _, rt := range routines {
			sched.Stop(rt.ID)
		}
	}
	stop := e.script.Stop
	if quiet {
		stop = e.script.StopQuiet
	}
	if err := stop(ctx); err != nil {
		return err
	}
	for _, rt := range routines {
		select {
		case <-rt.Settled():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stopEntries detaches triggers and stops every run of entries
// concurrently.
func (r *Registry) stopEntries(ctx context.Context, entries map[string]*entry, quiet bool) error {
	if r.opts.ShutdownMaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ShutdownMaxWait)
		defer cancel()
	}

	r.mu.Lock()
	for _, e := range entries {
		if e.detach != nil {
			e.detach()
			e.detach = nil
		}
		e.enabled = false
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			return r.stopEntry(gctx, e, quiet)
		})
	}
	return g.Wait()
}

// StopAll detaches every trigger and stops every run, waiting at most
// ShutdownMaxWait. Scripts still running afterwards are logged.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	err := r.stopEntries(ctx, entries, false)
	if err != nil {
		for id, e := range entries {
			if e.script.IsRunning() {
				r.logger.Warn("script did not stop in time", "script_id", id)
			}
		}
		return fmt.Errorf("stopping routines: %w", err)
	}
	r.logger.Info("all routines stopped", "count", len(entries))
	return nil
}

// Status returns the status of id.
func (r *Registry) Status(id string) (Status, error) {
	e, err := r.get(id)
	if err != nil {
		return Status{}, err
	}
	return r.status(e), nil
}

func (r *Registry) status(e *entry) Status {
	r.mu.RLock()
	enabled := e.enabled || e.def.Kind == KindScript
	routines := make([]string, 0, len(e.routines))
	for id := range e.routines {
		routines = append(routines, id)
	}
	r.mu.RUnlock()
	sort.Strings(routines)

	return Status{
		Status:      e.script.Status(),
		Kind:        e.def.Kind,
		Description: e.def.Description,
		Enabled:     enabled,
		Scheduler:   e.def.EffectiveScheduler(),
		Routines:    routines,
		Entities:    e.script.ReferencedEntities(),
		Devices:     e.script.ReferencedDevices(),
	}
}

// List returns the status of every definition, sorted by id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].def.ID < entries[j].def.ID
	})
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.status(e))
	}
	return out
}

// lookupSteps resolves named scripts for dag inlining.
func (r *Registry) lookupSteps(id string) ([]script.Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.def.Kind != KindScript {
		return nil, false
	}
	return e.script.Steps(), true
}

// Graph builds a preview of id's actions as the dependency scheduler would
// see them. It works for sequential definitions too.
func (r *Registry) Graph(id string) ([]scheduler.Node, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	rt, err := scheduler.Build(id, e.script.Steps(), r.lookupSteps)
	if err != nil {
		return nil, err
	}
	return rt.Graph(), nil
}
