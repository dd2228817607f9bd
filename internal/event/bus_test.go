package event

import (
	"sync"
	"testing"
)

func TestBus_FireDeliversToTypeAndMatchAll(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Listen("door_opened", func(ev Event) { got = append(got, "specific:"+ev.Type) })
	bus.Listen(MatchAll, func(ev Event) { got = append(got, "all:"+ev.Type) })

	bus.Fire(Event{Type: "door_opened"})
	bus.Fire(Event{Type: "other"})

	want := []string{"specific:door_opened", "all:door_opened", "all:other"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBus_FireStampsTimeAndData(t *testing.T) {
	bus := NewBus()

	var received Event
	bus.Listen("x", func(ev Event) { received = ev })
	bus.Fire(Event{Type: "x"})

	if received.TimeFired.IsZero() {
		t.Error("TimeFired should be stamped")
	}
	if received.Data == nil {
		t.Error("Data should never be nil")
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsub := bus.Listen("x", func(Event) { calls++ })
	keep := bus.Listen("x", func(Event) {})
	defer keep()

	unsub()
	unsub()

	bus.Fire(Event{Type: "x"})
	if calls != 0 {
		t.Errorf("calls = %d after unsubscribe, want 0", calls)
	}
	if n := bus.ListenerCount("x"); n != 1 {
		t.Errorf("ListenerCount = %d, want 1", n)
	}
}

func TestBus_ConcurrentFire(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Listen("tick", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Fire(Event{Type: "tick"})
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}

func TestContext_Child(t *testing.T) {
	parent := NewContext("user-1")
	child := parent.Child()

	if child.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", child.ParentID, parent.ID)
	}
	if child.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", child.UserID)
	}
	if child.ID == parent.ID {
		t.Error("child must get a fresh id")
	}
	if (Context{}).IsZero() != true || parent.IsZero() {
		t.Error("IsZero mismatch")
	}
}
