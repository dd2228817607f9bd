package state

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// Store is the in-memory entity state cache.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are called outside the lock, in write order per writer.
type Store struct {
	mu     sync.RWMutex
	states map[string]*State

	subMu  sync.RWMutex
	subs   map[uint64]func(Change)
	nextID uint64

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*State),
		subs:   make(map[uint64]func(Change)),
		now:    time.Now,
	}
}

// Get returns a copy of the entity's current state.
func (s *Store) Get(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[entityID]
	if !ok {
		return State{}, false
	}
	return *st.DeepCopy(), true
}

// All returns copies of every state, sorted by entity id.
func (s *Store) All() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st.DeepCopy())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Set writes a new value. LastChanged only moves when the state string
// changes; a write identical in both value and attributes is dropped
// without notifying subscribers.
func (s *Store) Set(entityID, value string, attributes map[string]any) error {
	if _, _, err := SplitEntityID(entityID); err != nil {
		return err
	}

	now := s.now()

	s.mu.Lock()
	old := s.states[entityID]
	if old != nil && old.State == value && reflect.DeepEqual(old.Attributes, attributes) {
		s.mu.Unlock()
		return nil
	}

	next := &State{
		EntityID:    entityID,
		State:       value,
		Attributes:  DeepCopyMap(attributes),
		LastChanged: now,
		LastUpdated: now,
	}
	if old != nil && old.State == value {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	change := Change{EntityID: entityID, Old: old.DeepCopy(), New: next.DeepCopy()}
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// Remove deletes an entity. Subscribers see a Change with a nil New.
func (s *Store) Remove(entityID string) bool {
	s.mu.Lock()
	old, ok := s.states[entityID]
	if ok {
		delete(s.states, entityID)
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{EntityID: entityID, Old: old.DeepCopy()})
	}
	return ok
}

// Subscribe registers fn for every change. The returned func unsubscribes
// and is safe to call more than once.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (s *Store) notify(change Change) {
	s.subMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}
