package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// Publisher is the subset of the MQTT client the invoker needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the invoker.
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

// Ack statuses understood from bridges.
const (
	AckOK           = "ok"
	AckNotFound     = "not_found"
	AckUnauthorized = "unauthorized"
	AckFailed       = "failed"
)

// commandPayload is published to the bridge command topic.
type commandPayload struct {
	ID            string         `json:"id"`
	Target        string         `json:"target"`
	Service       string         `json:"service"`
	Data          map[string]any `json:"data"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ackPayload is what bridges publish back.
type ackPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MQTTInvoker publishes capability calls as bridge commands.
type MQTTInvoker struct {
	client     Publisher
	qos        byte
	ackTimeout time.Duration
	source     string
	logger     Logger

	pendingMu sync.Mutex
	pending   map[string]chan ackPayload
}

// NewMQTTInvoker creates an invoker. With ackTimeout > 0 every call waits
// for the bridge acknowledgement; call Start before use.
func NewMQTTInvoker(client Publisher, qos byte, ackTimeout time.Duration) *MQTTInvoker {
	return &MQTTInvoker{
		client:     client,
		qos:        qos,
		ackTimeout: ackTimeout,
		source:     "automation",
		logger:     noopLogger{},
		pending:    make(map[string]chan ackPayload),
	}
}

// SetLogger sets the logger for the invoker.
func (m *MQTTInvoker) SetLogger(logger Logger) {
	m.logger = logger
}

// Start subscribes to bridge acknowledgements when acks are enabled.
func (m *MQTTInvoker) Start() error {
	if m.ackTimeout <= 0 {
		return nil
	}
	if err := m.client.Subscribe(mqtt.Topics{}.AllAcks(), m.qos, m.handleAck); err != nil {
		return fmt.Errorf("subscribing to acks: %w", err)
	}
	return nil
}

// Stop releases the ack subscription.
func (m *MQTTInvoker) Stop() error {
	if m.ackTimeout <= 0 {
		return nil
	}
	return m.client.Unsubscribe(mqtt.Topics{}.AllAcks())
}

// Invoke publishes one command per target (entity or device). A call with
// no target is addressed to the service itself: graylogic/command/{domain}/{service}.
func (m *MQTTInvoker) Invoke(ctx context.Context, call Call) (Result, error) {
	type addressed struct {
		target string
		topic  string
	}
	var targets []addressed
	for _, entityID := range call.Targets {
		domain, object, ok := strings.Cut(entityID, ".")
		if !ok || domain == "" || object == "" {
			return Result{}, fmt.Errorf("%w: entity %q", ErrNotFound, entityID)
		}
		targets = append(targets, addressed{entityID, mqtt.Topics{}.Command(domain, object)})
	}
	for _, deviceID := range call.DeviceIDs {
		targets = append(targets, addressed{deviceID, mqtt.Topics{}.Command("device", deviceID)})
	}
	if len(targets) == 0 {
		targets = append(targets, addressed{call.Name(), mqtt.Topics{}.Command(call.Domain, call.Service)})
	}

	var result Result
	waits := make([]chan ackPayload, 0, len(targets))
	defer func() {
		for _, id := range result.CommandIDs {
			m.forget(id)
		}
	}()

	for _, t := range targets {
		id := uuid.NewString()
		payload, err := json.Marshal(commandPayload{
			ID:            id,
			Target:        t.target,
			Service:       call.Name(),
			Data:          call.Data,
			Source:        m.source,
			CorrelationID: call.Context.ID,
			UserID:        call.Context.UserID,
			Timestamp:     time.Now().UTC(),
		})
		if err != nil {
			return result, fmt.Errorf("%w: marshalling command: %w", ErrInvocationFailed, err)
		}

		if m.ackTimeout > 0 {
			waits = append(waits, m.expect(id))
		}
		result.CommandIDs = append(result.CommandIDs, id)

		if err := m.client.Publish(t.topic, payload, m.qos, false); err != nil {
			return result, fmt.Errorf("%w: publishing to %q: %w", ErrInvocationFailed, t.topic, err)
		}
		m.logger.Debug("command published", "service", call.Name(), "target", t.target, "topic", t.topic, "command_id", id)
	}

	if m.ackTimeout <= 0 {
		return result, nil
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	for i, ch := range waits {
		select {
		case ack := <-ch:
			if err := ackError(ack); err != nil {
				return result, fmt.Errorf("%s on %s: %w", call.Name(), targets[i].target, err)
			}
		case <-timer.C:
			return result, fmt.Errorf("%w: no ack from %s after %v", ErrTimeout, targets[i].target, m.ackTimeout)
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, nil
}

func (m *MQTTInvoker) expect(id string) chan ackPayload {
	ch := make(chan ackPayload, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	return ch
}

func (m *MQTTInvoker) forget(id string) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

func (m *MQTTInvoker) handleAck(topic string, payload []byte) error {
	var ack ackPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		m.logger.Warn("invalid ack payload", "topic", topic, "error", err)
		return err
	}

	m.pendingMu.Lock()
	ch, ok := m.pending[ack.ID]
	delete(m.pending, ack.ID)
	m.pendingMu.Unlock()

	if ok {
		ch <- ack
	}
	return nil
}

func ackError(ack ackPayload) error {
	switch ack.Status {
	case AckOK, "success", "":
		return nil
	case AckNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, ack.Error)
	case AckUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, ack.Error)
	default:
		return fmt.Errorf("%w: %s", ErrInvocationFailed, ack.Error)
	}
}

// Classify maps an invocation error to a short reason used in logs and traces.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvocationFailed):
		return "invocation_failed"
	case errors.Is(err, ErrInvalidCall):
		return "invalid_call"
	default:
		return "error"
	}
}
