package mqtt_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt/mqtttest"
)

// ─── Connection ────────────────────────────────────────────────────

func TestConnect(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	port := mqtttest.FreePort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := mqtt.Connect(ctx, mqtttest.Config(port, "automation-test-refused"))
	if err == nil {
		t.Fatal("Connect() expected error with no broker listening")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Connect() ignored the context deadline (%v)", time.Since(start))
	}
	if !errors.Is(err, mqtt.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-hc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() with cancelled context should fail")
	}
}

func TestClose(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client, err := mqtt.Connect(context.Background(), mqtttest.Config(port, "automation-test-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() after Close() = true")
	}
	if err := client.Publish("graylogic/x", nil, 0, false); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Publish() after Close() error = %v, want ErrNotConnected", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPresence(t *testing.T) {
	port := mqtttest.StartBroker(t)
	watcher := mqtttest.Connect(t, port, "automation-test-watcher")

	statuses := make(chan map[string]any, 4)
	if err := watcher.Subscribe(mqtt.Topics{}.SystemStatus(), 1, func(_ string, payload []byte) error {
		var p map[string]any
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		if p["client_id"] == "automation-test-presence" {
			statuses <- p
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	engine, err := mqtt.Connect(context.Background(), mqtttest.Config(port, "automation-test-presence"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	expectStatus(t, statuses, "online", "")

	if err := engine.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	expectStatus(t, statuses, "offline", "graceful_shutdown")
}

func expectStatus(t *testing.T, ch <-chan map[string]any, status, reason string) {
	t.Helper()
	select {
	case p := <-ch:
		if p["status"] != status {
			t.Errorf("status = %v, want %s", p["status"], status)
		}
		if reason != "" && p["reason"] != reason {
			t.Errorf("reason = %v, want %s", p["reason"], reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s presence message", status)
	}
}

// ─── Publish / Subscribe ───────────────────────────────────────────

func TestPublishValidation(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-pubval")

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, nil, mqtt.ErrInvalidTopic},
		{"invalid qos", "graylogic/x", 3, nil, mqtt.ErrInvalidQoS},
		{"oversized", "graylogic/x", 1, make([]byte, 1<<20+1), mqtt.ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-subval")
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, mqtt.ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("graylogic/x", 3, noop); !errors.Is(err, mqtt.ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := client.Subscribe("graylogic/x", 1, nil); !errors.Is(err, mqtt.ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, mqtt.ErrInvalidTopic) {
		t.Errorf("empty unsubscribe error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("failed subscribes left %d routes", client.SubscriptionCount())
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	port := mqtttest.StartBroker(t)
	pub := mqtttest.Connect(t, port, "automation-test-pub")
	sub := mqtttest.Connect(t, port, "automation-test-sub")

	topic := mqtt.Topics{}.Command("light", "kitchen")
	received := make(chan string, 1)

	if err := sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- string(payload)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topic) || sub.SubscriptionCount() != 1 {
		t.Fatalf("subscription not tracked")
	}

	if err := pub.Publish(topic, []byte(`{"service":"light.turn_on"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if !strings.Contains(payload, "light.turn_on") {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := sub.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if sub.HasSubscription(topic) {
		t.Error("HasSubscription() after Unsubscribe() = true")
	}
}

func TestWildcardSubscription(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-wild")

	var mu sync.Mutex
	got := map[string]bool{}
	done := make(chan struct{}, 3)

	if err := client.Subscribe(mqtt.Topics{}.AllStates(), 1, func(topic string, _ []byte) error {
		mu.Lock()
		got[topic] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	topics := []string{
		mqtt.Topics{}.State("light", "kitchen"),
		mqtt.Topics{}.State("sensor", "outdoor_temp"),
		mqtt.Topics{}.State("cover", "garage"),
	}
	for _, topic := range topics {
		if err := client.Publish(topic, []byte(`"on"`), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	for range topics {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for wildcard messages")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, topic := range topics {
		if !got[topic] {
			t.Errorf("no message for %s", topic)
		}
	}
}

// ─── Mock Dependencies ───────────────────────────────────────────

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}
func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func TestHandlerErrorIsLogged(t *testing.T) {
	port := mqtttest.StartBroker(t)
	client := mqtttest.Connect(t, port, "automation-test-handler-err")
	logger := &recordingLogger{}
	client.SetLogger(logger)

	topic := "graylogic/test/handler-error"
	called := make(chan struct{}, 1)
	if err := client.Subscribe(topic, 1, func(string, []byte) error {
		called <- struct{}{}
		return errors.New("handler error")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish(topic, []byte("x"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	deadline := time.Now().Add(time.Second)
	for logger.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if logger.count() == 0 {
		t.Error("handler error was not logged")
	}
}
