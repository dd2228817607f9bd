package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/state"
	"github.com/nerrad567/gray-logic-automation/internal/template"
)

// StateSource is the state store as seen by triggers.
type StateSource interface {
	Get(entityID string) (state.State, bool)
	Subscribe(fn func(state.Change)) func()
}

// EventSource is the event bus as seen by triggers.
type EventSource interface {
	Listen(eventType string, handler event.Handler) func()
}

// MQTTSubscriber is the subset of the MQTT client used by mqtt triggers.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the subsystem.
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

// Subsystem attaches trigger specs to the state store, event bus, clock
// and MQTT.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Subsystem struct {
	states StateSource
	bus    EventSource
	logger Logger

	mqttMu   sync.Mutex
	mqtt     MQTTSubscriber
	mqttQoS  byte
	mqttSubs map[string]*topicHandlers
}

// New creates a subsystem. MQTT triggers are unavailable until SetMQTT.
func New(states StateSource, bus EventSource) *Subsystem {
	return &Subsystem{
		states:   states,
		bus:      bus,
		logger:   noopLogger{},
		mqttSubs: make(map[string]*topicHandlers),
	}
}

// SetLogger sets the logger for the subsystem.
func (s *Subsystem) SetLogger(logger Logger) {
	s.logger = logger
}

// SetMQTT enables the mqtt platform.
func (s *Subsystem) SetMQTT(sub MQTTSubscriber, qos byte) {
	s.mqttMu.Lock()
	defer s.mqttMu.Unlock()
	s.mqtt = sub
	s.mqttQoS = qos
}

// attachment is the shared state of one Attach call.
type attachment struct {
	onFire   func(Vars)
	detached atomic.Bool
	once     sync.Once
	releases []func()
	logger   Logger
}

func (a *attachment) fire(idx int, spec Spec, data map[string]any) {
	if a.detached.Load() {
		return
	}
	trig := make(map[string]any, len(data)+3)
	for k, v := range data {
		trig[k] = v
	}
	trig["platform"] = spec.Platform
	trig["idx"] = strconv.Itoa(idx)
	if spec.ID != "" {
		trig["id"] = spec.ID
	} else {
		trig["id"] = strconv.Itoa(idx)
	}
	a.logger.Debug("trigger fired", "platform", spec.Platform, "id", trig["id"])
	go a.onFire(Vars{"trigger": trig})
}

func (a *attachment) detach() {
	a.once.Do(func() {
		a.detached.Store(true)
		for i := len(a.releases) - 1; i >= 0; i-- {
			a.releases[i]()
		}
	})
}

// Attach subscribes every spec and calls onFire whenever any of them fires.
// vars are available to template triggers. When ctx ends the attachment is
// detached automatically.
func (s *Subsystem) Attach(ctx context.Context, specs []Spec, vars map[string]any, onFire func(Vars)) (Detach, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no triggers", ErrInvalidSpec)
	}
	a := &attachment{onFire: onFire, logger: s.logger}

	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			a.detach()
			return nil, err
		}
		release, err := s.attachOne(a, i, spec, vars)
		if err != nil {
			a.detach()
			return nil, err
		}
		a.releases = append(a.releases, release)
	}

	if done := ctx.Done(); done != nil {
		stop := make(chan struct{})
		go func() {
			select {
			case <-done:
				a.detach()
			case <-stop:
			}
		}()
		a.releases = append(a.releases, func() { close(stop) })
	}

	return a.detach, nil
}

func (s *Subsystem) attachOne(a *attachment, idx int, spec Spec, vars map[string]any) (func(), error) {
	switch spec.Platform {
	case PlatformState:
		return s.attachState(a, idx, spec), nil
	case PlatformNumericState:
		return s.attachNumericState(a, idx, spec), nil
	case PlatformTemplate:
		return s.attachTemplate(a, idx, spec, vars), nil
	case PlatformEvent:
		return s.attachEvent(a, idx, spec), nil
	case PlatformTimer:
		return attachTimer(a, idx, spec), nil
	case PlatformMQTT:
		return s.attachMQTT(a, idx, spec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, spec.Platform)
	}
}

// pendingTimers holds "for" timers keyed by entity id.
type pendingTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newPendingTimers() *pendingTimers {
	return &pendingTimers{timers: make(map[string]*time.Timer)}
}

func (p *pendingTimers) cancel(entityID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[entityID]; ok {
		t.Stop()
		delete(p.timers, entityID)
	}
}

func (p *pendingTimers) schedule(entityID string, d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[entityID]; ok {
		t.Stop()
	}
	p.timers[entityID] = time.AfterFunc(d, func() {
		p.mu.Lock()
		delete(p.timers, entityID)
		p.mu.Unlock()
		fn()
	})
}

func (p *pendingTimers) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
}

func (s *Subsystem) attachState(a *attachment, idx int, spec Spec) func() {
	pending := newPendingTimers()

	unsub := s.states.Subscribe(func(c state.Change) {
		if c.New == nil || !slices.Contains(spec.EntityIDs, c.EntityID) {
			return
		}
		oldVal, hadOld := valueOf(c.Old, spec.Attribute)
		newVal, _ := valueOf(c.New, spec.Attribute)
		if hadOld && oldVal == newVal {
			return
		}
		pending.cancel(c.EntityID)

		if len(spec.From) > 0 && (!hadOld || !slices.Contains(spec.From, oldVal)) {
			return
		}
		if len(spec.To) > 0 && !slices.Contains(spec.To, newVal) {
			return
		}

		data := map[string]any{
			"entity_id":   c.EntityID,
			"from_state":  c.Old.AsMap(),
			"to_state":    c.New.AsMap(),
			"description": fmt.Sprintf("state of %s", c.EntityID),
		}
		if spec.For > 0 {
			data["for"] = spec.For.String()
			pending.schedule(c.EntityID, spec.For, func() { a.fire(idx, spec, data) })
			return
		}
		a.fire(idx, spec, data)
	})

	return func() {
		unsub()
		pending.stopAll()
	}
}

func (s *Subsystem) attachNumericState(a *attachment, idx int, spec Spec) func() {
	pending := newPendingTimers()

	inWindow := func(st *state.State) bool {
		if st == nil {
			return false
		}
		raw, _ := valueOf(st, spec.Attribute)
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return false
		}
		if spec.Above != nil && f <= *spec.Above {
			return false
		}
		if spec.Below != nil && f >= *spec.Below {
			return false
		}
		return true
	}

	unsub := s.states.Subscribe(func(c state.Change) {
		if c.New == nil || !slices.Contains(spec.EntityIDs, c.EntityID) {
			return
		}
		wasIn, isIn := inWindow(c.Old), inWindow(c.New)
		if !isIn {
			pending.cancel(c.EntityID)
			return
		}
		if wasIn {
			return
		}

		data := map[string]any{
			"entity_id":   c.EntityID,
			"from_state":  c.Old.AsMap(),
			"to_state":    c.New.AsMap(),
			"above":       spec.Above,
			"below":       spec.Below,
			"description": fmt.Sprintf("numeric state of %s", c.EntityID),
		}
		if spec.For > 0 {
			data["for"] = spec.For.String()
			pending.schedule(c.EntityID, spec.For, func() { a.fire(idx, spec, data) })
			return
		}
		a.fire(idx, spec, data)
	})

	return func() {
		unsub()
		pending.stopAll()
	}
}

// attachTemplate fires when the template goes from false to true. The
// initial value is taken at attach time so an already-true template does
// not fire until it has been false once.
func (s *Subsystem) attachTemplate(a *attachment, idx int, spec Spec, vars map[string]any) func() {
	var mu sync.Mutex
	last, err := spec.ValueTemplate.RenderBool(s.states, vars)
	if err != nil {
		s.logger.Warn("template trigger initial render failed", "template", spec.ValueTemplate.String(), "error", err)
	}

	return s.states.Subscribe(func(c state.Change) {
		now, err := spec.ValueTemplate.RenderBool(s.states, vars)
		if err != nil {
			s.logger.Warn("template trigger render failed", "template", spec.ValueTemplate.String(), "error", err)
			now = false
		}

		mu.Lock()
		rising := now && !last
		last = now
		mu.Unlock()

		if rising {
			a.fire(idx, spec, map[string]any{
				"entity_id":   c.EntityID,
				"from_state":  c.Old.AsMap(),
				"to_state":    c.New.AsMap(),
				"description": "template became true",
			})
		}
	})
}

func (s *Subsystem) attachEvent(a *attachment, idx int, spec Spec) func() {
	return s.bus.Listen(spec.EventType, func(ev event.Event) {
		for k, want := range spec.EventData {
			if fmt.Sprint(ev.Data[k]) != fmt.Sprint(want) {
				return
			}
		}
		a.fire(idx, spec, map[string]any{
			"event": map[string]any{
				"event_type": ev.Type,
				"data":       state.DeepCopyMap(ev.Data),
				"context":    ev.Context.AsMap(),
				"time_fired": ev.TimeFired,
			},
			"description": fmt.Sprintf("event '%s'", ev.Type),
		})
	})
}

func attachTimer(a *attachment, idx int, spec Spec) func() {
	if spec.After > 0 {
		t := time.AfterFunc(spec.After, func() {
			a.fire(idx, spec, map[string]any{"description": fmt.Sprintf("timer after %s", spec.After)})
		})
		return func() { t.Stop() }
	}

	ticker := time.NewTicker(spec.Every)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case now := <-ticker.C:
				a.fire(idx, spec, map[string]any{
					"now":         now,
					"description": fmt.Sprintf("timer every %s", spec.Every),
				})
			case <-stop:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
	}
}

// valueOf extracts the compared value: the state string or an attribute.
func valueOf(st *state.State, attribute string) (string, bool) {
	if st == nil {
		return "", false
	}
	if attribute == "" {
		return st.State, true
	}
	v, ok := st.Attributes[attribute]
	if !ok {
		return "", false
	}
	return template.Stringify(v), true
}

// decodePayload returns the JSON value of payload, or nil when it is not JSON.
func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil
	}
	return v
}
