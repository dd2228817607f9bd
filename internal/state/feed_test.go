package state

import (
	"errors"
	"testing"
)

// ─── Mock Dependencies ───────────────────────────────────────────

type mockSubscriber struct {
	topic   string
	handler func(string, []byte) error
	unsub   []string
}

func (m *mockSubscriber) Subscribe(topic string, _ byte, handler func(string, []byte) error) error {
	m.topic = topic
	m.handler = handler
	return nil
}

func (m *mockSubscriber) Unsubscribe(topic string) error {
	m.unsub = append(m.unsub, topic)
	return nil
}

// ─── Tests ───────────────────────────────────────────────────────

func TestFeed_StartSubscribesPattern(t *testing.T) {
	sub := &mockSubscriber{}
	feed := NewFeed(NewStore(), sub, 1)

	if err := feed.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sub.topic != StateTopicPattern {
		t.Errorf("subscribed to %q, want %q", sub.topic, StateTopicPattern)
	}
	if err := feed.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(sub.unsub) != 1 {
		t.Errorf("unsubscribe calls = %d, want 1", len(sub.unsub))
	}
}

func TestFeed_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		payload   string
		wantState string
		wantAttr  any
		wantErr   error
	}{
		{
			name:      "json object",
			topic:     "graylogic/state/light/kitchen",
			payload:   `{"state":"on","attributes":{"brightness":120}}`,
			wantState: "on",
			wantAttr:  float64(120),
		},
		{name: "json bool", topic: "graylogic/state/switch/pump", payload: `true`, wantState: "on"},
		{name: "json number", topic: "graylogic/state/sensor/temp", payload: `21.5`, wantState: "21.5"},
		{name: "whole number", topic: "graylogic/state/sensor/count", payload: `{"state":3}`, wantState: "3"},
		{name: "raw text", topic: "graylogic/state/cover/garage", payload: `open`, wantState: "open"},
		{name: "bad topic", topic: "graylogic/command/light/kitchen", payload: `on`, wantErr: ErrUnknownTopic},
		{name: "empty payload", topic: "graylogic/state/light/kitchen", payload: ``, wantErr: ErrInvalidPayload},
		{name: "missing state", topic: "graylogic/state/light/kitchen", payload: `{"attributes":{}}`, wantErr: ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			feed := NewFeed(store, &mockSubscriber{}, 1)

			err := feed.HandleMessage(tt.topic, []byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("HandleMessage: %v", err)
			}

			all := store.All()
			if len(all) != 1 {
				t.Fatalf("store has %d entities, want 1", len(all))
			}
			if all[0].State != tt.wantState {
				t.Errorf("state = %q, want %q", all[0].State, tt.wantState)
			}
			if tt.wantAttr != nil && all[0].Attributes["brightness"] != tt.wantAttr {
				t.Errorf("brightness = %v, want %v", all[0].Attributes["brightness"], tt.wantAttr)
			}
		})
	}
}
