package scheduler

import (
	"github.com/nerrad567/gray-logic-automation/internal/event"
)

// EventSource is the event bus as seen by the scheduler.
type EventSource interface {
	Listen(eventType string, handler event.Handler) func()
}

// NotificationFromEvent decodes a rasc_response event. The target may be
// given as target or entity_id.
func NotificationFromEvent(ev event.Event) (Notification, bool) {
	if ev.Type != event.TypeRASCResponse {
		return Notification{}, false
	}
	str := func(key string) string {
		v, _ := ev.Data[key].(string)
		return v
	}
	n := Notification{
		Type:     str("type"),
		Target:   str("target"),
		ActionID: str("action_id"),
		Error:    str("error"),
	}
	if n.Target == "" {
		n.Target = str("entity_id")
	}
	if n.Type == "" || n.Target == "" || n.ActionID == "" {
		return Notification{}, false
	}
	return n, true
}

// Event encodes n as a rasc_response event.
func (n Notification) Event(ctx event.Context) event.Event {
	data := map[string]any{
		"type":      n.Type,
		"target":    n.Target,
		"action_id": n.ActionID,
	}
	if n.Error != "" {
		data["error"] = n.Error
	}
	return event.Event{Type: event.TypeRASCResponse, Data: data, Context: ctx}
}

// ListenBus feeds rasc_response events into HandleEvent. The returned func
// stops listening.
func (s *Scheduler) ListenBus(bus EventSource) func() {
	return bus.Listen(event.TypeRASCResponse, func(ev event.Event) {
		n, ok := NotificationFromEvent(ev)
		if !ok {
			s.logger.Warn("malformed rasc_response event", "data", ev.Data)
			return
		}
		// Mismatches are logged by HandleEvent.
		_ = s.HandleEvent(n)
	})
}
