package trigger

import (
	"fmt"
	"sync"
)

// topicHandlers fans one broker subscription out to every attached mqtt trigger.
type topicHandlers struct {
	mu       sync.RWMutex
	handlers map[uint64]func(topic string, payload []byte)
	nextID   uint64
}

func (t *topicHandlers) dispatch(topic string, payload []byte) error {
	t.mu.RLock()
	fns := make([]func(string, []byte), 0, len(t.handlers))
	for _, fn := range t.handlers {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(topic, payload)
	}
	return nil
}

func (s *Subsystem) attachMQTT(a *attachment, idx int, spec Spec) (func(), error) {
	s.mqttMu.Lock()
	defer s.mqttMu.Unlock()

	if s.mqtt == nil {
		return nil, ErrNoMQTT
	}

	th, ok := s.mqttSubs[spec.Topic]
	if !ok {
		th = &topicHandlers{handlers: make(map[uint64]func(string, []byte))}
		if err := s.mqtt.Subscribe(spec.Topic, s.mqttQoS, th.dispatch); err != nil {
			return nil, fmt.Errorf("subscribing to %s: %w", spec.Topic, err)
		}
		s.mqttSubs[spec.Topic] = th
	}

	th.mu.Lock()
	th.nextID++
	id := th.nextID
	th.handlers[id] = func(topic string, payload []byte) {
		if spec.Payload != "" && string(payload) != spec.Payload {
			return
		}
		a.fire(idx, spec, map[string]any{
			"topic":        topic,
			"payload":      string(payload),
			"payload_json": decodePayload(payload),
			"description":  fmt.Sprintf("mqtt topic %s", topic),
		})
	}
	th.mu.Unlock()

	return func() { s.releaseMQTT(spec.Topic, th, id) }, nil
}

func (s *Subsystem) releaseMQTT(topic string, th *topicHandlers, id uint64) {
	s.mqttMu.Lock()
	defer s.mqttMu.Unlock()

	th.mu.Lock()
	delete(th.handlers, id)
	empty := len(th.handlers) == 0
	th.mu.Unlock()

	if !empty || s.mqttSubs[topic] != th {
		return
	}
	delete(s.mqttSubs, topic)
	if err := s.mqtt.Unsubscribe(topic); err != nil {
		s.logger.Warn("mqtt trigger unsubscribe failed", "topic", topic, "error", err)
	}
}
