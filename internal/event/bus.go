package event

import (
	"sync"
	"time"
)

// MatchAll subscribes a listener to every event type.
const MatchAll = "*"

// Script lifecycle event types.
const (
	TypeRunStarted   = "script_run_started"
	TypeStepStarted  = "script_step_started"
	TypeStepFinished = "script_step_finished"
	TypeRunFinished  = "script_run_finished"
	TypeRunError     = "script_run_error"

	// TypeRASCResponse carries start/complete notifications for the
	// dependency scheduler.
	TypeRASCResponse = "rasc_response"

	// TypeAutomationTriggered is fired when an automation's triggers and
	// conditions pass.
	TypeAutomationTriggered = "automation_triggered"
)

// Event is a single bus message.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Context   Context        `json:"context"`
	TimeFired time.Time      `json:"time_fired"`
}

// Handler receives events. Handlers run on the firing goroutine and must
// not block; hand long work to a goroutine.
type Handler func(Event)

type listener struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub keyed by event type.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
	now       func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string][]listener),
		now:       time.Now,
	}
}

// Listen registers handler for eventType (or MatchAll). The returned func
// removes it and may be called any number of times.
func (b *Bus) Listen(eventType string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[eventType] = append(b.listeners[eventType], listener{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			ls := b.listeners[eventType]
			for i, l := range ls {
				if l.id == id {
					b.listeners[eventType] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
			if len(b.listeners[eventType]) == 0 {
				delete(b.listeners, eventType)
			}
		})
	}
}

// Fire delivers an event to every matching listener in registration order.
// A zero TimeFired is stamped with the current time.
func (b *Bus) Fire(ev Event) {
	if ev.TimeFired.IsZero() {
		ev.TimeFired = b.now()
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	b.mu.RLock()
	specific := b.listeners[ev.Type]
	all := b.listeners[MatchAll]
	handlers := make([]Handler, 0, len(specific)+len(all))
	for _, l := range specific {
		handlers = append(handlers, l.handler)
	}
	for _, l := range all {
		handlers = append(handlers, l.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// ListenerCount returns the number of listeners for eventType.
func (b *Bus) ListenerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventType])
}
