package script

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-automation/internal/capability"
	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/trigger"
)

// ─── Mock Dependencies ───────────────────────────────────────────

// mockInvoker records calls. hook, when set, decides the outcome.
type mockInvoker struct {
	mu    sync.Mutex
	calls []capability.Call
	hook  func(ctx context.Context, call capability.Call) error
}

func (m *mockInvoker) Invoke(ctx context.Context, call capability.Call) (capability.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return capability.Result{}, err
		}
	}
	return capability.Result{CommandIDs: []string{"cmd-1"}}, nil
}

func (m *mockInvoker) Calls() []capability.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capability.Call(nil), m.calls...)
}

// eventLog collects every event fired on the bus.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) handle(ev event.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store   *state.Store
	bus     *event.Bus
	invoker *mockInvoker
	events  *eventLog
	deps    Deps
}

func newHarness() *harness {
	h := &harness{
		store:   state.NewStore(),
		bus:     event.NewBus(),
		invoker: &mockInvoker{},
		events:  &eventLog{},
	}
	h.bus.Listen(event.MatchAll, h.events.handle)
	h.deps = Deps{
		States:   h.store,
		Triggers: trigger.New(h.store, h.bus),
		Invoker:  h.invoker,
		Bus:      h.bus,
	}
	return h
}

func (h *harness) script(t *testing.T, cfg Config, src string) *Script {
	t.Helper()
	cfg.Steps = mustSteps(t, src)
	if cfg.ID == "" {
		cfg.ID = "test_script"
	}
	s, err := New(cfg, h.deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func mustSteps(t *testing.T, src string) []Step {
	t.Helper()
	var steps Steps
	if err := yaml.Unmarshal([]byte(src), &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	return steps
}

func runToEnd(t *testing.T, s *Script, vars map[string]any) RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Run(ctx, vars, event.Context{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func waitForState(t *testing.T, r *Run, want RunState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("run state = %v, want %v", r.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Run Controller ──────────────────────────────────────────────

func TestRunExecutesStepsInOrder(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- service: light.turn_on
  entity_id: light.kitchen
- variables:
    level: 5
- service: light.turn_on
  target:
    entity_id: "{{ room }}"
  data:
    brightness: "{{ level * 10 }}"
- event: scene_done
  event_data:
    room: "{{ room }}"
`)

	res := runToEnd(t, s, map[string]any{"room": "light.hall"})
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v), want success", res.Result, res.Err)
	}
	if res.Steps != 4 {
		t.Errorf("Steps = %d, want 4", res.Steps)
	}

	calls := h.invoker.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name() != "light.turn_on" || calls[0].Targets[0] != "light.kitchen" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Targets[0] != "light.hall" {
		t.Errorf("second call targets = %v, want [light.hall]", calls[1].Targets)
	}
	if calls[1].Data["brightness"] != 50 {
		t.Errorf("brightness = %#v, want 50", calls[1].Data["brightness"])
	}

	types := h.events.types()
	if types[0] != event.TypeRunStarted || types[len(types)-1] != event.TypeRunFinished {
		t.Errorf("event order = %v", types)
	}
	var sawCustom bool
	for _, typ := range types {
		sawCustom = sawCustom || typ == "scene_done"
	}
	if !sawCustom {
		t.Error("custom event was not fired")
	}
}

func TestRunContextCarriesOrigin(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- service: light.turn_on
  entity_id: light.kitchen
`)
	origin := event.NewContext("user-7")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := s.Run(ctx, nil, origin)
	if err != nil || res.Result != ResultSuccess {
		t.Fatalf("Run() = %+v, %v", res, err)
	}

	call := h.invoker.Calls()[0]
	if call.Context.UserID != "user-7" || call.Context.ID != origin.ID {
		t.Errorf("call context = %+v, want %+v", call.Context, origin)
	}
	ctxVar, _ := res.Variables["context"].(map[string]any)
	if ctxVar["user_id"] != "user-7" {
		t.Errorf("context variable = %v", ctxVar)
	}
}

func TestStopWaitsForFinish(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- delay: 10s
- service: light.turn_off
  entity_id: light.kitchen
`)

	r, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil || r == nil {
		t.Fatalf("Start() = %v, %v", r, err)
	}
	waitForState(t, r, StateWaitingOnTimer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-r.Done():
	default:
		t.Fatal("Stop() returned before the run finished")
	}
	if got := r.Result().Result; got != ResultCancelled {
		t.Errorf("Result = %s, want cancelled", got)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop()")
	}
	if len(h.invoker.Calls()) != 0 {
		t.Error("step after the delay ran")
	}
}

// idleCounter counts change notifications that report no active run.
type idleCounter struct {
	total atomic.Int32
	idle  atomic.Int32
}

func (c *idleCounter) listen(s *Script) {
	c.total.Add(1)
	if !s.IsRunning() {
		c.idle.Add(1)
	}
}

func TestChangeListenerReportsEachEnd(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		fail   bool
		stop   bool
		result Result
	}{
		{
			name:   "success",
			src:    "- service: light.turn_on\n  entity_id: light.porch\n",
			result: ResultSuccess,
		},
		{
			name:   "failure",
			src:    "- service: lock.unlock\n  entity_id: lock.front\n",
			fail:   true,
			result: ResultError,
		},
		{
			name:   "stop",
			src:    "- delay: 10s\n",
			stop:   true,
			result: ResultCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			if tt.fail {
				h.invoker.hook = func(context.Context, capability.Call) error {
					return capability.ErrNotFound
				}
			}
			s := h.script(t, Config{}, tt.src)
			var c idleCounter
			s.SetChangeListener(c.listen)

			r, err := s.Start(context.Background(), nil, event.Context{})
			if err != nil || r == nil {
				t.Fatalf("Start() = %v, %v", r, err)
			}
			if tt.stop {
				waitForState(t, r, StateWaitingOnTimer)
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := s.Stop(ctx); err != nil {
					t.Fatalf("Stop() error = %v", err)
				}
			}
			<-r.Done()

			if got := r.Result().Result; got != tt.result {
				t.Errorf("Result = %s, want %s", got, tt.result)
			}
			if got := c.idle.Load(); got != 1 {
				t.Errorf("idle notifications = %d, want 1", got)
			}
			if c.total.Load() < 2 {
				t.Errorf("notifications = %d, want start and end", c.total.Load())
			}
		})
	}
}

func TestStopQuietSkipsChangeListener(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- delay: 10s
`)
	var c idleCounter
	s.SetChangeListener(c.listen)

	r, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil || r == nil {
		t.Fatalf("Start() = %v, %v", r, err)
	}
	waitForState(t, r, StateWaitingOnTimer)
	before := c.total.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.StopQuiet(ctx); err != nil {
		t.Fatalf("StopQuiet() error = %v", err)
	}
	<-r.Done()

	if got := c.total.Load() - before; got != 0 {
		t.Errorf("notifications after StopQuiet = %d, want 0", got)
	}
	if got := c.idle.Load(); got != 0 {
		t.Errorf("idle notifications = %d, want 0", got)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after StopQuiet()")
	}
}

func TestRunActionTagsRoutine(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{ID: "porch"}, `
- service: light.turn_on
  entity_id: light.porch
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.RunAction(ctx, "routine-1", s.Steps()[0], nil, event.NewContext(""))
	if err != nil {
		t.Fatalf("RunAction() error = %v", err)
	}
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s", res.Result)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	var lifecycle int
	for _, ev := range h.events.events {
		if ev.Type != event.TypeRunStarted && ev.Type != event.TypeRunFinished {
			continue
		}
		lifecycle++
		if ev.Data["routine_id"] != "routine-1" {
			t.Errorf("%s routine_id = %v, want routine-1", ev.Type, ev.Data["routine_id"])
		}
	}
	if lifecycle != 2 {
		t.Errorf("lifecycle events = %d, want 2", lifecycle)
	}
}

func TestStartOutlivesCallerContext(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- delay: 0.05
- service: light.turn_on
  entity_id: light.kitchen
`)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := s.Start(ctx, nil, event.Context{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	res, err := r.Wait(context.Background())
	if err != nil || res.Result != ResultSuccess {
		t.Fatalf("Wait() = %+v, %v", res, err)
	}
	if len(h.invoker.Calls()) != 1 {
		t.Error("run did not complete after its caller went away")
	}
}

// ─── Supervisor Modes ────────────────────────────────────────────

func TestSingleModeRejectsSecondRun(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{Mode: ModeSingle}, `- delay: 10s`)

	first, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil || first == nil {
		t.Fatalf("first Start() = %v, %v", first, err)
	}
	defer s.Stop(context.Background())

	second, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if second != nil {
		t.Error("second Start() returned a run, want rejection")
	}

	res, err := s.Run(context.Background(), nil, event.Context{})
	if err != nil || res.Result != ResultRejected {
		t.Errorf("Run() = %s, %v, want rejected", res.Result, err)
	}
	if st := s.Status(); st.CurrentRuns != 1 || st.Triggered != 1 {
		t.Errorf("Status = %+v", st)
	}
}

func TestRestartModeReplacesRun(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{Mode: ModeRestart}, `- delay: 10s`)

	first, _ := s.Start(context.Background(), nil, event.Context{})
	waitForState(t, first, StateWaitingOnTimer)

	second, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil || second == nil {
		t.Fatalf("restart Start() = %v, %v", second, err)
	}
	defer s.Stop(context.Background())

	if got := first.Result().Result; got != ResultCancelled {
		t.Errorf("first run result = %s, want cancelled", got)
	}
	runs := s.Runs()
	if len(runs) != 1 || runs[0] != second {
		t.Errorf("active runs = %d, want only the new run", len(runs))
	}
}

func TestQueuedModeRunsOneAtATime(t *testing.T) {
	h := newHarness()
	var active, peak atomic.Int32
	h.invoker.hook = func(context.Context, capability.Call) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	s := h.script(t, Config{Mode: ModeQueued, Max: 3}, `
- service: light.toggle
  entity_id: light.kitchen
`)

	var runs []*Run
	for i := 0; i < 3; i++ {
		r, err := s.Start(context.Background(), nil, event.Context{})
		if err != nil || r == nil {
			t.Fatalf("Start(%d) = %v, %v", i, r, err)
		}
		runs = append(runs, r)
	}
	if r, _ := s.Start(context.Background(), nil, event.Context{}); r != nil {
		t.Error("fourth Start() accepted beyond max")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, r := range runs {
		if res, err := r.Wait(ctx); err != nil || res.Result != ResultSuccess {
			t.Fatalf("Wait() = %+v, %v", res, err)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrent runs = %d, want 1", peak.Load())
	}
	if len(h.invoker.Calls()) != 3 {
		t.Errorf("calls = %d, want 3", len(h.invoker.Calls()))
	}
}

func TestParallelModeMax(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{Mode: ModeParallel, Max: 2}, `- delay: 10s`)
	defer s.Stop(context.Background())

	for i := 0; i < 2; i++ {
		if r, err := s.Start(context.Background(), nil, event.Context{}); err != nil || r == nil {
			t.Fatalf("Start(%d) = %v, %v", i, r, err)
		}
	}
	if r, _ := s.Start(context.Background(), nil, event.Context{}); r != nil {
		t.Error("third Start() accepted, want rejection at max 2")
	}
	if got := len(s.Runs()); got != 2 {
		t.Errorf("active runs = %d, want 2", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing id", Config{}, ErrMissingID},
		{"bad mode", Config{ID: "x", Mode: "sometimes"}, ErrInvalidMode},
		{"bad severity", Config{ID: "x", MaxExceeded: "loud"}, ErrInvalidSeverity},
		{"negative max", Config{ID: "x", Max: -1}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, Deps{}); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

// ─── Steps ───────────────────────────────────────────────────────

func TestRepeatCount(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- repeat:
    count: 3
    sequence:
      - service: light.turn_on
        entity_id: light.kitchen
        data:
          index: "{{ repeat.index }}"
          first: "{{ repeat.first }}"
          last: "{{ repeat.last }}"
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	calls := h.invoker.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if c.Data["index"] != i+1 {
			t.Errorf("call %d index = %#v", i, c.Data["index"])
		}
		if c.Data["first"] != (i == 0) || c.Data["last"] != (i == 2) {
			t.Errorf("call %d first/last = %v/%v", i, c.Data["first"], c.Data["last"])
		}
	}
	if _, ok := res.Variables["repeat"]; ok {
		t.Error("repeat variable leaked out of the loop")
	}
}

func TestRepeatUntil(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- repeat:
    until:
      - "{{ repeat.index >= 4 }}"
    sequence:
      - service: counter.increment
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	if got := len(h.invoker.Calls()); got != 4 {
		t.Errorf("iterations = %d, want 4", got)
	}
}

func TestRepeatWhileFalseNeverRuns(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- repeat:
    while:
      - condition: state
        entity_id: input_boolean.loop
        state: "on"
    sequence:
      - service: counter.increment
`)
	_ = h.store.Set("input_boolean.loop", "off", nil)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess || len(h.invoker.Calls()) != 0 {
		t.Errorf("Result = %s, calls = %d", res.Result, len(h.invoker.Calls()))
	}
}

func TestWaitTemplateFatalTimeout(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- wait_template: "{{ is_state('binary_sensor.door', 'on') }}"
  timeout: 0.05
  continue_on_timeout: false
- service: light.turn_on
  entity_id: light.hall
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultError {
		t.Fatalf("Result = %s, want error", res.Result)
	}
	if !errors.Is(res.Err, ErrWaitTimeout) {
		t.Errorf("Err = %v, want ErrWaitTimeout", res.Err)
	}
	var se *StepError
	if !errors.As(res.Err, &se) || se.Path != "sequence/0" || se.Kind != KindWaitTemplate {
		t.Errorf("StepError = %+v", se)
	}
	if len(h.invoker.Calls()) != 0 {
		t.Error("step after the failed wait ran")
	}
	if st := s.Status(); st.LastError == "" {
		t.Error("Status().LastError is empty after a failed run")
	}
}

func TestWaitTemplateContinueOnTimeout(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- wait_template: "{{ is_state('binary_sensor.door', 'on') }}"
  timeout: 0.05
- service: light.turn_on
  entity_id: light.hall
  data:
    completed: "{{ wait.completed }}"
    remaining: "{{ wait.remaining }}"
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	data := h.invoker.Calls()[0].Data
	if data["completed"] != false || data["remaining"] != 0.0 {
		t.Errorf("wait = %v", data)
	}
}

func TestWaitTemplateCompletesOnStateChange(t *testing.T) {
	h := newHarness()
	_ = h.store.Set("binary_sensor.door", "off", nil)
	s := h.script(t, Config{}, `
- wait_template: "{{ is_state('binary_sensor.door', 'on') }}"
- service: light.turn_on
  entity_id: light.hall
  data:
    completed: "{{ wait.completed }}"
`)

	r, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, r, StateWaitingOnCondition)
	_ = h.store.Set("binary_sensor.door", "on", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	if err != nil || res.Result != ResultSuccess {
		t.Fatalf("Wait() = %+v, %v", res, err)
	}
	if h.invoker.Calls()[0].Data["completed"] != true {
		t.Error("wait.completed != true")
	}
}

func TestWaitTemplateAlreadyTrue(t *testing.T) {
	h := newHarness()
	_ = h.store.Set("binary_sensor.door", "on", nil)
	s := h.script(t, Config{}, `
- wait_template: "{{ is_state('binary_sensor.door', 'on') }}"
  timeout: 5
`)

	res := runToEnd(t, s, nil)
	wait, _ := res.Variables["wait"].(map[string]any)
	if res.Result != ResultSuccess || wait["completed"] != true || wait["remaining"] != 5.0 {
		t.Errorf("Result = %s, wait = %v", res.Result, wait)
	}
}

func TestWaitForTriggerEvent(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- wait_for_trigger:
    platform: event
    event_type: doorbell
  timeout: 5
`)

	r, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForState(t, r, StateWaitingOnTrigger)
	h.bus.Fire(event.Event{Type: "doorbell", Data: map[string]any{"button": "front"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	if err != nil || res.Result != ResultSuccess {
		t.Fatalf("Wait() = %+v, %v", res, err)
	}
	wait, _ := res.Variables["wait"].(map[string]any)
	if wait["trigger"] == nil {
		t.Errorf("wait.trigger not set: %v", wait)
	}
	if rem, _ := wait["remaining"].(float64); rem <= 0 || rem > 5 {
		t.Errorf("wait.remaining = %v", wait["remaining"])
	}
}

func TestChooseRecordsChoice(t *testing.T) {
	h := newHarness()
	_ = h.store.Set("sensor.mode", "night", nil)
	s := h.script(t, Config{}, `
- choose:
    - conditions:
        - condition: state
          entity_id: sensor.mode
          state: day
      sequence:
        - service: light.turn_on
          entity_id: light.day
    - conditions:
        - condition: state
          entity_id: sensor.mode
          state: night
      sequence:
        - service: light.turn_on
          entity_id: light.night
  default:
    - service: light.turn_off
      entity_id: light.all
`)

	r, err := s.Start(context.Background(), nil, event.Context{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	res, _ := r.Wait(context.Background())
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	calls := h.invoker.Calls()
	if len(calls) != 1 || calls[0].Targets[0] != "light.night" {
		t.Fatalf("calls = %+v", calls)
	}

	trace := r.Trace()
	if trace[0].Result["choice"] != 1 {
		t.Errorf("choice = %v, want 1", trace[0].Result["choice"])
	}
	if trace[1].Path != "sequence/0/choose/1/sequence/0" {
		t.Errorf("option path = %q", trace[1].Path)
	}
}

func TestChooseTrace(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- choose:
    - conditions: "{{ false }}"
      sequence:
        - service: light.turn_on
  default:
    - service: light.turn_off
`)

	r, _ := s.Start(context.Background(), nil, event.Context{})
	<-r.Done()
	trace := r.Trace()
	if len(trace) != 2 {
		t.Fatalf("trace = %+v", trace)
	}
	if trace[0].Result["choice"] != "default" {
		t.Errorf("choice = %v, want default", trace[0].Result["choice"])
	}
	if trace[1].Path != "sequence/0/default/0" {
		t.Errorf("default path = %q", trace[1].Path)
	}
}

func TestConditionStopsSequence(t *testing.T) {
	h := newHarness()
	_ = h.store.Set("input_boolean.guest", "off", nil)
	s := h.script(t, Config{}, `
- sequence:
    - condition: state
      entity_id: input_boolean.guest
      state: "on"
    - service: light.turn_on
      entity_id: light.guest
- service: light.turn_on
  entity_id: light.hall
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	calls := h.invoker.Calls()
	if len(calls) != 1 || calls[0].Targets[0] != "light.hall" {
		t.Errorf("calls = %+v, want only light.hall", calls)
	}
}

func TestParallelBranchesIsolated(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- parallel:
    - variables:
        branch: a
    - sequence:
        - variables:
            branch: b
        - service: light.turn_on
          data:
            branch: "{{ branch }}"
`)

	res := runToEnd(t, s, map[string]any{"branch": "outer"})
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	if res.Variables["branch"] != "outer" {
		t.Errorf("outer branch = %v, want outer", res.Variables["branch"])
	}
	if got := h.invoker.Calls()[0].Data["branch"]; got != "b" {
		t.Errorf("branch data = %v, want b", got)
	}
}

func TestParallelBranchFailureFailsStep(t *testing.T) {
	h := newHarness()
	h.invoker.hook = func(_ context.Context, call capability.Call) error {
		if call.Service == "break" {
			return capability.ErrInvocationFailed
		}
		return nil
	}
	s := h.script(t, Config{}, `
- parallel:
    - service: light.break
    - delay: 10s
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultError || !errors.Is(res.Err, capability.ErrInvocationFailed) {
		t.Errorf("Result = %s, Err = %v", res.Result, res.Err)
	}
}

// ─── Calls ───────────────────────────────────────────────────────

func TestServiceFailureDescribed(t *testing.T) {
	h := newHarness()
	h.invoker.hook = func(context.Context, capability.Call) error {
		return capability.ErrNotFound
	}
	s := h.script(t, Config{}, `
- service: lock.unlock
  entity_id: lock.front
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultError {
		t.Fatalf("Result = %s", res.Result)
	}
	if got := Describe(res.Err); got != "Service not found" {
		t.Errorf("Describe() = %q", got)
	}
	st := s.Status()
	if st.LastError == "" || st.LastError != st.LastAction {
		t.Errorf("LastError = %q, LastAction = %q", st.LastError, st.LastAction)
	}
	types := h.events.types()
	if types[len(types)-1] != event.TypeRunError {
		t.Errorf("last event = %s, want %s", types[len(types)-1], event.TypeRunError)
	}
}

func TestServiceCallLimitContinues(t *testing.T) {
	h := newHarness()
	release := make(chan struct{})
	defer close(release)
	h.invoker.hook = func(ctx context.Context, call capability.Call) error {
		if call.Service == "slow" {
			<-release
		}
		return nil
	}
	h.deps.ServiceCallLimit = 20 * time.Millisecond
	s := h.script(t, Config{}, `
- service: cover.slow
  entity_id: cover.garage
- service: light.turn_on
  entity_id: light.garage
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	if got := len(h.invoker.Calls()); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestScriptCallIsFireAndForget(t *testing.T) {
	h := newHarness()
	block := make(chan struct{})
	defer close(block)
	h.invoker.hook = func(context.Context, capability.Call) error {
		<-block
		return nil
	}
	s := h.script(t, Config{}, `
- service: script.turn_on
  entity_id: script.other
`)

	res := runToEnd(t, s, nil)
	if res.Result != ResultSuccess {
		t.Errorf("Result = %s, want success without waiting", res.Result)
	}
}

func TestBadServiceNameFails(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- service: "{{ name }}"
`)

	res := runToEnd(t, s, map[string]any{"name": "nodot"})
	if res.Result != ResultError || !errors.Is(res.Err, ErrValidation) {
		t.Errorf("Result = %s, Err = %v", res.Result, res.Err)
	}
}

func TestScriptVariablesRendered(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{Variables: map[string]any{
		"target":  "light.{{ room }}",
		"default": "x",
	}}, `
- service: light.turn_on
  entity_id: "{{ target }}"
`)

	res := runToEnd(t, s, map[string]any{"room": "office", "default": "caller"})
	if res.Result != ResultSuccess {
		t.Fatalf("Result = %s (%v)", res.Result, res.Err)
	}
	if got := h.invoker.Calls()[0].Targets[0]; got != "light.office" {
		t.Errorf("target = %q", got)
	}
	if res.Variables["default"] != "caller" {
		t.Errorf("caller variable overridden: %v", res.Variables["default"])
	}
}

// ─── References ──────────────────────────────────────────────────

func TestReferencedEntities(t *testing.T) {
	h := newHarness()
	s := h.script(t, Config{}, `
- service: light.turn_on
  entity_id: light.b, light.a
- service: light.turn_on
  entity_id: "{{ dynamic }}"
- scene: scene.evening
- condition: state
  entity_id: sensor.lux
  state: "dark"
- choose:
    - conditions:
        - condition: state
          entity_id: input_boolean.away
          state: "on"
      sequence:
        - device_id: dev-1
          domain: light
          type: flash
- service: light.turn_on
  target:
    device_id: dev-2
`)

	ents := s.ReferencedEntities()
	want := []string{"input_boolean.away", "light.a", "light.b", "scene.evening", "sensor.lux"}
	if len(ents) != len(want) {
		t.Fatalf("entities = %v, want %v", ents, want)
	}
	for i := range want {
		if ents[i] != want[i] {
			t.Errorf("entities[%d] = %q, want %q", i, ents[i], want[i])
		}
	}
	devs := s.ReferencedDevices()
	if len(devs) != 2 || devs[0] != "dev-1" || devs[1] != "dev-2" {
		t.Errorf("devices = %v", devs)
	}
}
