package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StateTopicPattern matches every bridge state message.
// Topic layout: graylogic/state/{domain}/{object_id}
const StateTopicPattern = "graylogic/state/+/+"

// Subscriber is the subset of the MQTT client the feed needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the feed.
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

// Feed copies bridge state messages into a Store.
type Feed struct {
	store  *Store
	sub    Subscriber
	qos    byte
	logger Logger
}

// NewFeed creates a feed writing into store.
func NewFeed(store *Store, sub Subscriber, qos byte) *Feed {
	return &Feed{store: store, sub: sub, qos: qos, logger: noopLogger{}}
}

// SetLogger sets the logger for the feed.
func (f *Feed) SetLogger(logger Logger) {
	f.logger = logger
}

// Start subscribes to the state topic pattern.
func (f *Feed) Start() error {
	if err := f.sub.Subscribe(StateTopicPattern, f.qos, f.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to state updates: %w", err)
	}
	f.logger.Info("state feed started", "topic", StateTopicPattern)
	return nil
}

// Stop unsubscribes.
func (f *Feed) Stop() error {
	return f.sub.Unsubscribe(StateTopicPattern)
}

// statePayload is the JSON body of a state message. Bridges may also send
// a bare string or number, which becomes the state with no attributes.
type statePayload struct {
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// HandleMessage applies one MQTT state message to the store.
func (f *Feed) HandleMessage(topic string, payload []byte) error {
	entityID, err := entityFromTopic(topic)
	if err != nil {
		f.logger.Warn("ignoring state message", "topic", topic, "error", err)
		return err
	}

	value, attrs, err := decodeState(payload)
	if err != nil {
		f.logger.Warn("ignoring state message", "topic", topic, "error", err)
		return err
	}

	if err := f.store.Set(entityID, value, attrs); err != nil {
		return err
	}
	f.logger.Debug("state updated", "entity_id", entityID, "state", value)
	return nil
}

func entityFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "graylogic" || parts[1] != "state" {
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	entityID := parts[2] + "." + parts[3]
	if _, _, err := SplitEntityID(entityID); err != nil {
		return "", err
	}
	return entityID, nil
}

func decodeState(payload []byte) (string, map[string]any, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if !strings.HasPrefix(trimmed, "{") {
		var scalar any
		if err := json.Unmarshal([]byte(trimmed), &scalar); err == nil {
			return formatValue(scalar), nil, nil
		}
		return trimmed, nil, nil
	}

	var p statePayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.State == nil {
		return "", nil, fmt.Errorf("%w: missing state field", ErrInvalidPayload)
	}
	return formatValue(p.State), p.Attributes, nil
}

// formatValue renders a decoded JSON scalar the way state strings are
// compared: booleans become on/off, whole numbers lose their decimal point.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "on"
		}
		return "off"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
