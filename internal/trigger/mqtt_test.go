package trigger

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ─── Mock Dependencies ───────────────────────────────────────────

type mockMQTT struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte) error
	subs     int
	unsubs   int
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{handlers: make(map[string]func(string, []byte) error)}
}

func (m *mockMQTT) Subscribe(topic string, _ byte, h func(string, []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = h
	m.subs++
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubs++
	return nil
}

func (m *mockMQTT) deliver(filter, topic, payload string) {
	m.mu.Lock()
	h := m.handlers[filter]
	m.mu.Unlock()
	if h != nil {
		_ = h(topic, []byte(payload))
	}
}

// ─── Tests ───────────────────────────────────────────────────────

func TestMQTTTrigger_SharedSubscription(t *testing.T) {
	sub, _, _ := setup()
	broker := newMockMQTT()
	sub.SetMQTT(broker, 1)

	recA, recB := newRecorder(), newRecorder()
	detachA, err := sub.Attach(context.Background(), []Spec{{Platform: PlatformMQTT, Topic: "home/button/+", Payload: "press"}}, nil, recA.onFire)
	if err != nil {
		t.Fatalf("Attach A: %v", err)
	}
	detachB, err := sub.Attach(context.Background(), []Spec{{Platform: PlatformMQTT, Topic: "home/button/+"}}, nil, recB.onFire)
	if err != nil {
		t.Fatalf("Attach B: %v", err)
	}
	if broker.subs != 1 {
		t.Errorf("broker subscriptions = %d, want 1", broker.subs)
	}

	broker.deliver("home/button/+", "home/button/hall", `{"n":1}`)
	recA.expectNone(t, 30*time.Millisecond)
	trig := recB.wait(t)
	if trig["topic"] != "home/button/hall" {
		t.Errorf("topic = %v", trig["topic"])
	}
	if trig["payload_json"].(map[string]any)["n"] != float64(1) {
		t.Errorf("payload_json = %v", trig["payload_json"])
	}

	broker.deliver("home/button/+", "home/button/hall", "press")
	recA.wait(t)

	detachA()
	if broker.unsubs != 0 {
		t.Error("broker unsubscribed while B still attached")
	}
	detachB()
	if broker.unsubs != 1 {
		t.Errorf("broker unsubscribes = %d, want 1", broker.unsubs)
	}
}
