package memory

import (
	"container/list"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/shogotsuneto/go-simple-mirror"
)

// HardCap is the default number of events an EventStore keeps.
const HardCap = 2000

// Op identifies the mutation that triggered a notification.
type Op string

const (
	OpAppend Op = "append"
	OpStatus Op = "status"
	OpReset  Op = "reset"
)

// Change describes a single mutation of an EventStore.
type Change struct {
	Op    Op
	Event mirror.Event
	// Evicted lists the IDs dropped to stay within capacity
	Evicted []string
}

// Listener is notified synchronously after every mutation.
type Listener func(Change)

// ErrMissingEventID is returned when appending an event without an ID.
var ErrMissingEventID = errors.New("event id is required")

type subscriber struct {
	id int
	fn Listener
}

// EventStore is a capacity-bounded, idempotent projection of canonical events.
// Events are kept in recency order: re-appending an ID moves it to the head.
type EventStore struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front is the most recently appended
	index    map[string]*list.Element

	subsMu  sync.RWMutex
	subs    []subscriber
	nextSub int
}

// NewEventStore creates an event store holding at most capacity events.
// A capacity <= 0 uses HardCap.
func NewEventStore(capacity int) *EventStore {
	if capacity <= 0 {
		capacity = HardCap
	}
	return &EventStore{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Capacity returns the maximum number of events kept.
func (s *EventStore) Capacity() int {
	return s.capacity
}

// Append upserts an event by ID. Any earlier copy is replaced and the event is
// re-inserted at the head; the oldest events are evicted past capacity.
func (s *EventStore) Append(event mirror.Event) error {
	if strings.TrimSpace(event.ID) == "" {
		return ErrMissingEventID
	}
	event.Metadata = maps.Clone(event.Metadata)

	s.mu.Lock()
	if el, ok := s.index[event.ID]; ok {
		s.order.Remove(el)
	}
	s.index[event.ID] = s.order.PushFront(event)

	var evicted []string
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		id := oldest.Value.(mirror.Event).ID
		s.order.Remove(oldest)
		delete(s.index, id)
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	s.notify(Change{Op: OpAppend, Event: event, Evicted: evicted})
	return nil
}

// UpdateStatus sets the status of a stored event. It is the only in-place
// mutation and does not change recency.
func (s *EventStore) UpdateStatus(id string, status mirror.Status) bool {
	s.mu.Lock()
	el, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	event := el.Value.(mirror.Event)
	event.Status = status
	el.Value = event
	s.mu.Unlock()

	s.notify(Change{Op: OpStatus, Event: event})
	return true
}

// Reset removes every event.
func (s *EventStore) Reset() {
	s.mu.Lock()
	s.order.Init()
	s.index = make(map[string]*list.Element)
	s.mu.Unlock()

	s.notify(Change{Op: OpReset})
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Get returns the event with the given ID.
func (s *EventStore) Get(id string) (mirror.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.index[id]
	if !ok {
		return mirror.Event{}, false
	}
	return el.Value.(mirror.Event), true
}

// All returns every event, most recently appended first.
func (s *EventStore) All() []mirror.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]mirror.Event, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		result = append(result, el.Value.(mirror.Event))
	}
	return result
}

// Since returns events with a timestamp at or after ts (Unix millis), oldest first.
func (s *EventStore) Since(ts int64) []mirror.Event {
	return s.filter(func(e mirror.Event) bool { return e.Timestamp >= ts })
}

// ByActor returns events authored by actor, oldest first.
func (s *EventStore) ByActor(actor string) []mirror.Event {
	return s.filter(func(e mirror.Event) bool { return e.Actor == actor })
}

// ByTarget returns events targeting target, oldest first.
func (s *EventStore) ByTarget(target string) []mirror.Event {
	return s.filter(func(e mirror.Event) bool { return e.Target == target })
}

// Involving returns events where account is either actor or target, oldest first.
func (s *EventStore) Involving(account string) []mirror.Event {
	return s.filter(func(e mirror.Event) bool { return e.Actor == account || e.Target == account })
}

// ByType returns events of any of the given types, oldest first.
func (s *EventStore) ByType(types ...string) []mirror.Event {
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	return s.filter(func(e mirror.Event) bool {
		_, ok := want[e.Type]
		return ok
	})
}

// filter scans from the oldest append to the newest and stable-sorts the
// matches by timestamp.
func (s *EventStore) filter(match func(mirror.Event) bool) []mirror.Event {
	s.mu.RLock()
	var result []mirror.Event
	for el := s.order.Back(); el != nil; el = el.Prev() {
		event := el.Value.(mirror.Event)
		if match(event) {
			result = append(result, event)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}

// Subscribe registers a listener and returns a function that removes it.
func (s *EventStore) Subscribe(fn Listener) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.removeSubscriber(id) })
	}
}

func (s *EventStore) removeSubscriber(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// notify runs outside the store lock so listeners may query the store.
func (s *EventStore) notify(change Change) {
	s.subsMu.RLock()
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		sub.fn(change)
	}
}
