package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// Config describes a script.
type Config struct {
	ID          string
	Alias       string
	Mode        Mode
	Max         int
	MaxExceeded Severity
	// Variables are rendered at start with the caller's variables visible.
	Variables map[string]any
	Steps     []Step
}

// Status is a point-in-time view of a script.
type Status struct {
	ID            string     `json:"id"`
	Alias         string     `json:"alias,omitempty"`
	Mode          Mode       `json:"mode"`
	Max           int        `json:"max"`
	Running       bool       `json:"running"`
	CurrentRuns   int        `json:"current_runs"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	LastAction    string     `json:"last_action,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Triggered     int64      `json:"triggered"`
	Runs          []RunInfo  `json:"runs,omitempty"`
}

// Script supervises the runs of one step sequence according to its mode.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Starts are serialised; runs execute on their own goroutines.
type Script struct {
	cfg  Config
	deps Deps

	// queue is the queued-mode run lock.
	queue chan struct{}

	startMu sync.Mutex

	mu            sync.Mutex
	runs          []*Run
	lastTriggered time.Time
	lastAction    string
	lastError     string
	triggered     int64
	onChange      func(*Script)

	refOnce  sync.Once
	entities []string
	devices  []string
}

// New validates cfg and returns an idle script.
func New(cfg Config, deps Deps) (*Script, error) {
	if cfg.ID == "" {
		return nil, ErrMissingID
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(string(cfg.MaxExceeded))
	if err != nil {
		return nil, err
	}
	if cfg.Max < 0 {
		return nil, fmt.Errorf("%w: max must be positive", ErrValidation)
	}
	if cfg.Max == 0 {
		cfg.Max = DefaultMax
	}
	cfg.Mode = mode
	cfg.MaxExceeded = sev

	return &Script{
		cfg:   cfg,
		deps:  deps.withDefaults(),
		queue: make(chan struct{}, 1),
	}, nil
}

// ID returns the script id.
func (s *Script) ID() string { return s.cfg.ID }

// Alias returns the display name, falling back to the id.
func (s *Script) Alias() string {
	if s.cfg.Alias != "" {
		return s.cfg.Alias
	}
	return s.cfg.ID
}

// Mode returns the run mode.
func (s *Script) Mode() Mode { return s.cfg.Mode }

// Steps returns the step sequence.
func (s *Script) Steps() []Step { return s.cfg.Steps }

// SetChangeListener registers fn to be called whenever the running state
// or last action changes. fn must not block.
func (s *Script) SetChangeListener(fn func(*Script)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start launches a run and returns without waiting for it. A start refused
// by the mode returns a nil run and a nil error; the refusal is logged at
// the configured severity.
func (s *Script) Start(ctx context.Context, vars map[string]any, origin event.Context) (*Run, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if origin.IsZero() {
		origin = event.NewContext("")
	}

	active := s.Runs()
	switch s.cfg.Mode {
	case ModeSingle:
		if len(active) > 0 {
			logAt(s.deps.Logger, s.cfg.MaxExceeded, "Already running", "script_id", s.ID())
			return nil, nil
		}
	case ModeRestart:
		for _, r := range active {
			r.Stop()
		}
	case ModeQueued, ModeParallel:
		if len(active) >= s.cfg.Max {
			logAt(s.deps.Logger, s.cfg.MaxExceeded, "Maximum number of runs exceeded",
				"script_id", s.ID(), "max", s.cfg.Max)
			return nil, nil
		}
	}

	runVars, err := s.buildVars(vars, origin)
	if err != nil {
		return nil, err
	}

	r := newRun(s, s.cfg.Steps, runVars, origin, ctx)

	s.mu.Lock()
	s.runs = append(s.runs, r)
	s.triggered++
	s.lastTriggered = r.startedAt
	s.mu.Unlock()
	s.notifyChange()

	go r.execute()
	return r, nil
}

// RunAction executes a single step as its own run, outside the mode rules,
// and waits for it. The dependency scheduler uses it to dispatch one graph
// node of routineID; the run's lifecycle events carry routine_id so the
// recorder files them under the routine. vars are used as given; callers
// pass a copy.
func (s *Script) RunAction(ctx context.Context, routineID string, st Step, vars map[string]any, origin event.Context) (RunResult, error) {
	if vars == nil {
		vars = make(map[string]any)
	}
	if _, ok := vars["context"]; !ok {
		vars["context"] = origin.AsMap()
	}
	r := newRun(s, []Step{st}, vars, origin, ctx)
	r.detached = true
	r.routineID = routineID

	s.mu.Lock()
	s.runs = append(s.runs, r)
	s.mu.Unlock()

	go r.execute()

	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		r.Stop()
		<-r.done
		return r.Result(), ctx.Err()
	}
}

// BuildVariables renders the script variables over caller the same way
// Start does.
func (s *Script) BuildVariables(caller map[string]any, origin event.Context) (map[string]any, error) {
	return s.buildVars(caller, origin)
}

// Run starts a run and waits for it to finish or for ctx to end. When the
// mode refuses the start the result is ResultRejected.
func (s *Script) Run(ctx context.Context, vars map[string]any, origin event.Context) (RunResult, error) {
	r, err := s.Start(ctx, vars, origin)
	if err != nil {
		return RunResult{}, err
	}
	if r == nil {
		return RunResult{ScriptID: s.ID(), Result: ResultRejected}, nil
	}
	return r.Wait(ctx)
}

func (s *Script) buildVars(caller map[string]any, origin event.Context) (map[string]any, error) {
	vars := state.DeepCopyMap(caller)
	if vars == nil {
		vars = make(map[string]any)
	}
	for name, raw := range s.cfg.Variables {
		if _, overridden := caller[name]; overridden {
			continue
		}
		v, err := template.RenderValue(s.deps.States, raw, caller)
		if err != nil {
			return nil, fmt.Errorf("%w: variable %q: %w", ErrValidation, name, err)
		}
		vars[name] = v
	}
	vars["context"] = origin.AsMap()
	return vars, nil
}

// Stop cancels every active run and waits for them to finish or for ctx to
// end.
func (s *Script) Stop(ctx context.Context) error {
	return s.stop(ctx, false)
}

// StopQuiet is Stop without change notifications; it is used when the
// script is being replaced or removed.
func (s *Script) StopQuiet(ctx context.Context) error {
	return s.stop(ctx, true)
}

func (s *Script) stop(ctx context.Context, quiet bool) error {
	runs := s.Runs()
	for _, r := range runs {
		if quiet {
			r.quiet.Store(true)
		}
		r.requestStop()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runFinished is called by a run from its own goroutine before its
// terminal event.
func (s *Script) runFinished(r *Run, res RunResult) {
	s.mu.Lock()
	for i, active := range s.runs {
		if active == r {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			break
		}
	}
	if res.Err != nil {
		msg := Describe(res.Err) + ": " + res.Error
		s.lastAction = msg
		s.lastError = msg
	} else if len(s.runs) == 0 {
		s.lastAction = ""
	}
	s.mu.Unlock()

	if !r.quiet.Load() {
		s.notifyChange()
	}
}

func (s *Script) setLastAction(label string) {
	s.mu.Lock()
	s.lastAction = label
	s.mu.Unlock()
	s.notifyChange()
}

func (s *Script) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// IsRunning reports whether any run is active.
func (s *Script) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs) > 0
}

// Runs returns the active runs, oldest first.
func (s *Script) Runs() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Run(nil), s.runs...)
}

// Status returns a snapshot of the script.
func (s *Script) Status() Status {
	runs := s.Runs()

	s.mu.Lock()
	st := Status{
		ID:          s.cfg.ID,
		Alias:       s.Alias(),
		Mode:        s.cfg.Mode,
		Max:         s.cfg.Max,
		Running:     len(s.runs) > 0,
		CurrentRuns: len(s.runs),
		LastAction:  s.lastAction,
		LastError:   s.lastError,
		Triggered:   s.triggered,
	}
	if !s.lastTriggered.IsZero() {
		t := s.lastTriggered
		st.LastTriggered = &t
	}
	s.mu.Unlock()

	for _, r := range runs {
		st.Runs = append(st.Runs, r.Info())
	}
	return st
}
