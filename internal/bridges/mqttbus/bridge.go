package mqttbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/event"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-automation/internal/script"
)

// outboxSize bounds messages waiting to be published.
const outboxSize = 256

// MQTTClient is the subset of the MQTT client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// Bus is the event bus as seen by the bridge.
type Bus interface {
	Listen(eventType string, handler event.Handler) func()
	Fire(ev event.Event)
}

// Logger defines the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	// QoS for subscriptions and published messages.
	QoS byte

	// Progress subscribes to action progress reports and fires
	// rasc_response events. Enable it when the dependency scheduler runs.
	Progress bool

	// Mirror publishes lifecycle events to MQTT.
	Mirror bool
}

type outMsg struct {
	topic    string
	payload  any
	retained bool
}

// Bridge moves messages between the event bus and MQTT.
//
// Bus handlers only enqueue; one goroutine publishes, so a slow broker never
// stalls a running script.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	client MQTTClient
	bus    Bus
	opts   Options
	topics mqtt.Topics
	now    func() time.Time

	outbox   chan outMsg
	done     chan struct{}
	wg       sync.WaitGroup
	unsub    []func()
	dropped  atomic.Int64
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a bridge. Nothing is subscribed until Start.
func New(client MQTTClient, bus Bus, opts Options) *Bridge {
	return &Bridge{
		client: client,
		bus:    bus,
		opts:   opts,
		now:    time.Now,
		outbox: make(chan outMsg, outboxSize),
		done:   make(chan struct{}),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bridge) log() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// Dropped returns how many outbound messages were discarded.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// Start subscribes to progress reports and bus events as configured.
func (b *Bridge) Start() error {
	if b.opts.Progress {
		topic := b.topics.AllRASC()
		if err := b.client.Subscribe(topic, b.opts.QoS, b.handleProgress); err != nil {
			return fmt.Errorf("subscribe to progress reports: %w", err)
		}
		b.log().Info("subscribed to progress reports", "topic", topic)
	}

	if b.opts.Mirror {
		for _, t := range []string{
			event.TypeRunStarted,
			event.TypeRunFinished,
			event.TypeRunError,
			event.TypeAutomationTriggered,
		} {
			b.unsub = append(b.unsub, b.bus.Listen(t, b.handleEvent))
		}
		b.wg.Add(1)
		go b.publishLoop()
	}

	return nil
}

// Stop unsubscribes and flushes queued messages.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, u := range b.unsub {
			u()
		}
		if b.opts.Progress {
			if err := b.client.Unsubscribe(b.topics.AllRASC()); err != nil {
				b.log().Debug("unsubscribe progress reports", "error", err)
			}
		}
		close(b.done)
		b.wg.Wait()
		b.log().Info("mqtt bus bridge stopped")
	})
}

// handleProgress turns one progress report into a rasc_response event.
// Malformed reports are logged and dropped.
func (b *Bridge) handleProgress(topic string, payload []byte) error {
	category, domain, objectID, ok := mqtt.SplitEntityTopic(topic)
	if !ok || category != "rasc" {
		b.log().Warn("progress report on unexpected topic", "topic", topic, "error", ErrInvalidTopic)
		return nil
	}

	n, err := parseReport(domain+"."+objectID, payload)
	if err != nil {
		b.log().Warn("dropping progress report", "topic", topic, "error", err)
		return nil
	}

	ctx := event.NewContext("")
	ctx.ParentID = n.ActionID
	b.bus.Fire(n.Event(ctx))
	b.log().Debug("progress report", "target", n.Target, "type", n.Type, "action_id", n.ActionID)
	return nil
}

// handleEvent mirrors a lifecycle event to MQTT and publishes fired
// notices for automations.
func (b *Bridge) handleEvent(ev event.Event) {
	b.enqueue(outMsg{topic: b.topics.Event(ev.Type), payload: ev})

	switch ev.Type {
	case event.TypeAutomationTriggered:
		id, _ := ev.Data["automation_id"].(string)
		if id == "" {
			return
		}
		source, _ := ev.Data["source"].(string)
		b.enqueue(outMsg{
			topic: b.topics.AutomationFired(id),
			payload: FiredMessage{
				AutomationID:  id,
				Source:        source,
				CorrelationID: ev.Context.ID,
				Timestamp:     b.stamp(ev),
			},
		})
	}
}

// ScriptChanged publishes st as the script's retained state. Register it
// as the registry's change listener; it only enqueues.
func (b *Bridge) ScriptChanged(st script.Status) {
	if !b.opts.Mirror || st.ID == "" {
		return
	}
	state := ScriptIdle
	if st.Running {
		state = ScriptRunning
	}
	b.enqueue(outMsg{
		topic: b.topics.ScriptState(st.ID),
		payload: ScriptState{
			State:      state,
			Runs:       st.CurrentRuns,
			LastAction: st.LastAction,
			LastError:  st.LastError,
			Timestamp:  b.now().UTC(),
		},
		retained: true,
	})
}

func (b *Bridge) stamp(ev event.Event) time.Time {
	if ev.TimeFired.IsZero() {
		return b.now().UTC()
	}
	return ev.TimeFired.UTC()
}

func (b *Bridge) enqueue(m outMsg) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.outbox <- m:
	default:
		if b.dropped.Add(1) == 1 {
			b.log().Warn("mqtt outbox full, dropping messages")
		}
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case m := <-b.outbox:
			b.publish(m)
		case <-b.done:
			for {
				select {
				case m := <-b.outbox:
					b.publish(m)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(m outMsg) {
	payload, err := json.Marshal(m.payload)
	if err != nil {
		b.log().Warn("marshalling mirrored message", "topic", m.topic, "error", err)
		return
	}
	if err := b.client.Publish(m.topic, payload, b.opts.QoS, m.retained); err != nil {
		b.log().Debug("publishing mirrored message", "topic", m.topic, "error", err)
	}
}
