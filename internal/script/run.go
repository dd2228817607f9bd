package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// RunState names where a run currently is.
type RunState int

const (
	StateRunning RunState = iota
	StateWaitingOnTimer
	StateWaitingOnCondition
	StateWaitingOnTrigger
	StateStopping
	StateFinished
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWaitingOnTimer:
		return "waiting_on_timer"
	case StateWaitingOnCondition:
		return "waiting_on_condition"
	case StateWaitingOnTrigger:
		return "waiting_on_trigger"
	case StateStopping:
		return "stopping"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Result is how a run ended.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultError     Result = "error"
	ResultCancelled Result = "cancelled"
	// ResultRejected is reported by Script.Run when the mode refused the start.
	ResultRejected Result = "rejected"
)

// RunResult describes a finished run.
type RunResult struct {
	RunID      string         `json:"run_id,omitempty"`
	ScriptID   string         `json:"script_id"`
	Result     Result         `json:"result"`
	Err        error          `json:"-"`
	Error      string         `json:"error,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Steps      int            `json:"steps"`
	// Stopped is set when a condition ended the top-level sequence early.
	Stopped bool `json:"stopped,omitempty"`
}

// Duration is FinishedAt minus StartedAt.
func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunInfo is a point-in-time view of an active run.
type RunInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	Path          string    `json:"path,omitempty"`
	LastAction    string    `json:"last_action,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CorrelationID string    `json:"correlation_id"`
	UserID        string    `json:"user_id,omitempty"`
}

// Run is one execution of a Script.
//
// Thread Safety:
//   - Stop, Wait and the accessors are safe for concurrent use.
//   - Variables belong to the run goroutine; parallel branches get copies.
type Run struct {
	id     string
	script *Script
	origin event.Context
	vars   map[string]any
	steps  []Step

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	quiet  atomic.Bool
	// detached runs bypass the mode lock; the dependency scheduler
	// serialises them per target instead.
	detached  bool
	routineID string

	startedAt time.Time

	mu         sync.Mutex
	state      RunState
	path       string
	lastAction string
	trace      []TraceStep
	result     RunResult
}

func newRun(s *Script, steps []Step, vars map[string]any, origin event.Context, parent context.Context) *Run {
	// Runs outlive the request that started them; only Stop ends them early.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Run{
		id:        uuid.NewString(),
		script:    s,
		origin:    origin,
		vars:      vars,
		steps:     steps,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: s.deps.Now(),
		state:     StateRunning,
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// ScriptID returns the id of the owning script.
func (r *Run) ScriptID() string { return r.script.ID() }

// Origin returns the trust context the run was started with.
func (r *Run) Origin() event.Context { return r.origin }

// Done is closed once the run has fully finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Path returns the step path currently executing.
func (r *Run) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Trace returns a copy of the executed steps so far.
func (r *Run) Trace() []TraceStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceStep(nil), r.trace...)
}

// Info returns a snapshot for status views.
func (r *Run) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunInfo{
		ID:            r.id,
		State:         r.state.String(),
		Path:          r.path,
		LastAction:    r.lastAction,
		StartedAt:     r.startedAt,
		CorrelationID: r.origin.ID,
		UserID:        r.origin.UserID,
	}
}

// Stop cancels the run and blocks until it has finished.
func (r *Run) Stop() {
	r.requestStop()
	<-r.done
}

func (r *Run) requestStop() {
	r.mu.Lock()
	if r.state != StateFinished {
		r.state = StateStopping
	}
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the final result; it is only meaningful after Done.
func (r *Run) Result() RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	if r.state != StateStopping && r.state != StateFinished {
		r.state = s
	}
	r.mu.Unlock()
}

func (r *Run) logger() Logger { return r.script.deps.Logger }

// execute is the run goroutine.
func (r *Run) execute() {
	defer close(r.done)
	defer r.cancel()

	if r.script.cfg.Mode == ModeQueued && !r.detached {
		select {
		case r.script.queue <- struct{}{}:
			defer func() { <-r.script.queue }()
		case <-r.ctx.Done():
			r.finish(stopSequence())
			return
		}
	}

	r.fire(event.TypeRunStarted, map[string]any{"user_id": r.origin.UserID})
	r.logger().Info("script run started", "script_id", r.script.ID(), "run_id", r.id, "correlation_id", r.origin.ID)

	r.finish(r.runTop())
}

func (r *Run) runTop() (out StepOutcome) {
	defer func() {
		if p := recover(); p != nil {
			out = fail(fmt.Errorf("%w: panic: %v", ErrInternal, p))
		}
	}()
	return r.runSteps(r.ctx, r.steps, "sequence", r.vars)
}

// finish runs once per run: it leaves the supervisor, notifies the change
// listener and emits the terminal event. done is closed by execute.
func (r *Run) finish(out StepOutcome) {
	res := RunResult{
		RunID:      r.id,
		ScriptID:   r.script.ID(),
		StartedAt:  r.startedAt,
		FinishedAt: r.script.deps.Now(),
		Variables:  r.vars,
	}
	switch {
	case out.failed():
		res.Result = ResultError
		res.Err = out.Err
		res.Error = out.Err.Error()
	case r.ctx.Err() != nil:
		res.Result = ResultCancelled
	default:
		res.Result = ResultSuccess
		res.Stopped = out.Kind == StopSequence
	}

	r.mu.Lock()
	r.state = StateFinished
	res.Steps = len(r.trace)
	r.result = res
	r.mu.Unlock()

	r.script.runFinished(r, res)

	data := map[string]any{
		"result":      string(res.Result),
		"duration_ms": res.Duration().Milliseconds(),
		"steps":       res.Steps,
	}
	if res.Err != nil {
		data["error"] = res.Error
		data["description"] = Describe(res.Err)
		var se *StepError
		if errors.As(res.Err, &se) {
			data["path"] = se.Path
			data["kind"] = se.Kind
		}
		r.fire(event.TypeRunError, data)
	} else {
		r.fire(event.TypeRunFinished, data)
	}

	r.logger().Info("script run finished",
		"script_id", r.script.ID(),
		"run_id", r.id,
		"result", res.Result,
		"duration_ms", res.Duration().Milliseconds(),
	)
}

func (r *Run) fire(eventType string, data map[string]any) {
	data["script_id"] = r.script.ID()
	data["run_id"] = r.id
	data["correlation_id"] = r.origin.ID
	if r.routineID != "" {
		data["routine_id"] = r.routineID
	}
	r.script.deps.Bus.Fire(event.Event{Type: eventType, Data: data, Context: r.origin})
}
