package state

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStore_SetAndGet(t *testing.T) {
	s := NewStore()

	if err := s.Set("light.kitchen", "on", map[string]any{"brightness": 200}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	st, ok := s.Get("light.kitchen")
	if !ok {
		t.Fatal("Get: entity missing")
	}
	if st.State != "on" {
		t.Errorf("State = %q, want on", st.State)
	}
	if st.Attributes["brightness"] != 200 {
		t.Errorf("brightness = %v, want 200", st.Attributes["brightness"])
	}
	if st.Domain() != "light" {
		t.Errorf("Domain() = %q, want light", st.Domain())
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	_ = s.Set("light.kitchen", "on", map[string]any{"brightness": 200})

	st, _ := s.Get("light.kitchen")
	st.Attributes["brightness"] = 1

	again, _ := s.Get("light.kitchen")
	if again.Attributes["brightness"] != 200 {
		t.Error("mutating a returned state must not touch the store")
	}
}

func TestStore_SetRejectsBadEntityID(t *testing.T) {
	s := NewStore()
	err := s.Set("kitchen", "on", nil)
	if !errors.Is(err, ErrInvalidEntityID) {
		t.Errorf("Set error = %v, want ErrInvalidEntityID", err)
	}
}

func TestStore_LastChangedOnlyMovesOnValueChange(t *testing.T) {
	s := NewStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	_ = s.Set("sensor.temp", "20", map[string]any{"unit": "C"})
	clock = clock.Add(time.Minute)
	_ = s.Set("sensor.temp", "20", map[string]any{"unit": "°C"})

	st, _ := s.Get("sensor.temp")
	if !st.LastChanged.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("LastChanged moved on attribute-only write: %v", st.LastChanged)
	}
	if !st.LastUpdated.Equal(clock) {
		t.Errorf("LastUpdated = %v, want %v", st.LastUpdated, clock)
	}
}

func TestStore_SubscribeNotifies(t *testing.T) {
	s := NewStore()

	var changes []Change
	unsub := s.Subscribe(func(c Change) { changes = append(changes, c) })

	_ = s.Set("switch.pump", "off", nil)
	_ = s.Set("switch.pump", "on", nil)
	_ = s.Set("switch.pump", "on", nil) // identical, dropped
	s.Remove("switch.pump")

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Old != nil || changes[0].New.State != "off" {
		t.Errorf("first change = %+v", changes[0])
	}
	if changes[1].Old.State != "off" || changes[1].New.State != "on" {
		t.Errorf("second change = %+v", changes[1])
	}
	if changes[2].New != nil {
		t.Errorf("removal should have nil New")
	}

	unsub()
	unsub()
	_ = s.Set("switch.pump", "off", nil)
	if len(changes) != 3 {
		t.Error("unsubscribed listener still called")
	}
	if s.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", s.SubscriberCount())
	}
}

func TestStore_AllSorted(t *testing.T) {
	s := NewStore()
	_ = s.Set("switch.b", "on", nil)
	_ = s.Set("light.a", "off", nil)

	all := s.All()
	if len(all) != 2 || all[0].EntityID != "light.a" || all[1].EntityID != "switch.b" {
		t.Errorf("All() = %+v", all)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.Set("sensor.counter", string(rune('a'+i)), nil)
		}(i)
		go func() {
			defer wg.Done()
			s.Get("sensor.counter")
		}()
	}
	wg.Wait()
}

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		in      string
		domain  string
		object  string
		wantErr bool
	}{
		{"light.kitchen", "light", "kitchen", false},
		{"sensor.a.b", "sensor", "a.b", false},
		{"light.", "", "", true},
		{".kitchen", "", "", true},
		{"kitchen", "", "", true},
	}
	for _, tt := range tests {
		d, o, err := SplitEntityID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitEntityID(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if d != tt.domain || o != tt.object {
			t.Errorf("SplitEntityID(%q) = %q, %q", tt.in, d, o)
		}
	}
}
