package memory

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shogotsuneto/go-simple-mirror"
)

func testEvent(seq int64, ts int64) mirror.Event {
	return mirror.Event{
		ID:             mirror.EventID("0.0.1", seq),
		Type:           mirror.TypeSignal,
		Actor:          "0.0.100",
		Timestamp:      ts,
		TopicID:        "0.0.1",
		SequenceNumber: seq,
		Provenance:     mirror.ProvenanceCached,
	}
}

func mustAppend(t *testing.T, store *EventStore, events ...mirror.Event) {
	t.Helper()
	for _, ev := range events {
		if err := store.Append(ev); err != nil {
			t.Fatalf("Failed to append %s: %v", ev.ID, err)
		}
	}
}

func TestEventStore_Append_Idempotent(t *testing.T) {
	store := NewEventStore(10)

	first := testEvent(1, 1000)
	first.Metadata = map[string]any{"note": "first"}
	mustAppend(t, store, first, testEvent(2, 2000))

	again := testEvent(1, 1000)
	again.Metadata = map[string]any{"note": "second"}
	mustAppend(t, store, again)

	all := store.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(all))
	}
	// re-appended event moves to the head
	if all[0].ID != "0.0.1/1" {
		t.Errorf("Expected 0.0.1/1 at the head, got %s", all[0].ID)
	}
	if all[0].Metadata["note"] != "second" {
		t.Errorf("Expected latest metadata, got %v", all[0].Metadata)
	}

	got, ok := store.Get("0.0.1/1")
	if !ok {
		t.Fatal("Expected event 0.0.1/1 to exist")
	}
	if got.Metadata["note"] != "second" {
		t.Errorf("Expected latest metadata, got %v", got.Metadata)
	}
}

func TestEventStore_Append_MissingID(t *testing.T) {
	store := NewEventStore(10)
	err := store.Append(mirror.Event{Type: mirror.TypeSignal, Actor: "a"})
	if !errors.Is(err, ErrMissingEventID) {
		t.Errorf("Expected ErrMissingEventID, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store, got %d events", store.Len())
	}
}

func TestEventStore_CapacityEviction(t *testing.T) {
	store := NewEventStore(HardCap)

	for i := 1; i <= HardCap+50; i++ {
		mustAppend(t, store, testEvent(int64(i), int64(i)))
	}

	if store.Len() != HardCap {
		t.Errorf("Expected %d events, got %d", HardCap, store.Len())
	}
	for i := 1; i <= 50; i++ {
		if _, ok := store.Get(mirror.EventID("0.0.1", int64(i))); ok {
			t.Errorf("Expected oldest event %d to be evicted", i)
		}
	}
	for i := HardCap + 1; i <= HardCap+50; i++ {
		if _, ok := store.Get(mirror.EventID("0.0.1", int64(i))); !ok {
			t.Errorf("Expected recent event %d to be present", i)
		}
	}
}

func TestEventStore_ReappendProtectsFromEviction(t *testing.T) {
	store := NewEventStore(3)
	for i := 1; i <= 3; i++ {
		mustAppend(t, store, testEvent(int64(i), int64(i)))
	}

	// refresh the oldest, then overflow by one
	mustAppend(t, store, testEvent(1, 1), testEvent(4, 4))

	if _, ok := store.Get("0.0.1/1"); !ok {
		t.Error("Expected refreshed event to survive")
	}
	if _, ok := store.Get("0.0.1/2"); ok {
		t.Error("Expected 0.0.1/2 to be evicted")
	}
}

func TestEventStore_Subscribe(t *testing.T) {
	store := NewEventStore(2)

	var changes []Change
	unsubscribe := store.Subscribe(func(c Change) {
		// listeners may read the store without deadlocking
		_ = store.Len()
		changes = append(changes, c)
	})

	mustAppend(t, store, testEvent(1, 1), testEvent(2, 2), testEvent(3, 3))
	if !store.UpdateStatus("0.0.1/3", mirror.StatusSubmitted) {
		t.Fatal("Expected status update to succeed")
	}
	store.Reset()

	if len(changes) != 5 {
		t.Fatalf("Expected 5 changes, got %d", len(changes))
	}
	if changes[0].Op != OpAppend {
		t.Errorf("Expected %s, got %s", OpAppend, changes[0].Op)
	}
	if len(changes[2].Evicted) != 1 || changes[2].Evicted[0] != "0.0.1/1" {
		t.Errorf("Expected 0.0.1/1 evicted, got %v", changes[2].Evicted)
	}
	if changes[3].Op != OpStatus || changes[3].Event.Status != mirror.StatusSubmitted {
		t.Errorf("Expected submitted status change, got %+v", changes[3])
	}
	if changes[4].Op != OpReset {
		t.Errorf("Expected %s, got %s", OpReset, changes[4].Op)
	}

	unsubscribe()
	unsubscribe()
	mustAppend(t, store, testEvent(9, 9))
	if len(changes) != 5 {
		t.Errorf("Expected no changes after unsubscribe, got %d", len(changes))
	}
}

func TestEventStore_Reset(t *testing.T) {
	store := NewEventStore(3)
	mustAppend(t, store, testEvent(1, 10), testEvent(2, 20), testEvent(3, 30))

	var ops []Op
	unsubscribe := store.Subscribe(func(c Change) { ops = append(ops, c.Op) })
	defer unsubscribe()

	store.Reset()

	if store.Len() != 0 {
		t.Errorf("Expected empty store after reset, got %d events", store.Len())
	}
	if _, ok := store.Get("0.0.1/2"); ok {
		t.Error("Expected reset event to be gone")
	}
	if got := store.Since(0); len(got) != 0 {
		t.Errorf("Expected no events since 0, got %d", len(got))
	}
	if len(ops) != 1 || ops[0] != OpReset {
		t.Errorf("Expected a single reset notification, got %v", ops)
	}

	// the store is usable again, with the same capacity
	mustAppend(t, store, testEvent(4, 40), testEvent(5, 50), testEvent(6, 60), testEvent(7, 70))
	if store.Len() != 3 {
		t.Errorf("Expected 3 events after refill, got %d", store.Len())
	}
	if _, ok := store.Get("0.0.1/4"); ok {
		t.Error("Expected oldest refilled event to be evicted")
	}
}

func TestEventStore_UpdateStatus_Unknown(t *testing.T) {
	store := NewEventStore(2)
	if store.UpdateStatus("nope", mirror.StatusFailed) {
		t.Error("Expected update of an unknown event to fail")
	}
}

func TestEventStore_RangeQueriesSortedByTimestamp(t *testing.T) {
	store := NewEventStore(100)

	// appended out of chronological order
	for _, ts := range []int64{5000, 1000, 3000, 2000, 4000} {
		mustAppend(t, store, testEvent(ts, ts))
	}
	tied := testEvent(9999, 3000)
	tied.Type = mirror.TypeTokenMint
	tied.Actor = "0.0.200"
	tied.Target = "0.0.100"
	mustAppend(t, store, tied)

	since := store.Since(3000)
	want := []int64{3000, 3000, 4000, 5000}
	if len(since) != len(want) {
		t.Fatalf("Expected %d events since 3000, got %d", len(want), len(since))
	}
	for i, e := range since {
		if e.Timestamp != want[i] {
			t.Errorf("Expected timestamp %d at %d, got %d", want[i], i, e.Timestamp)
		}
	}
	// ties keep append order
	if since[0].ID != "0.0.1/3000" {
		t.Errorf("Expected 0.0.1/3000 first, got %s", since[0].ID)
	}

	counts := []struct {
		name string
		got  int
		want int
	}{
		{"ByType mint", len(store.ByType(mirror.TypeTokenMint)), 1},
		{"ByType mint+signal", len(store.ByType(mirror.TypeTokenMint, mirror.TypeSignal)), 6},
		{"ByActor", len(store.ByActor("0.0.200")), 1},
		{"ByTarget", len(store.ByTarget("0.0.100")), 1},
		{"Involving", len(store.Involving("0.0.100")), 6},
	}
	for _, c := range counts {
		if c.got != c.want {
			t.Errorf("%s: expected %d events, got %d", c.name, c.want, c.got)
		}
	}
}

func TestEventStore_DefaultCapacity(t *testing.T) {
	if got := NewEventStore(0).Capacity(); got != HardCap {
		t.Errorf("Expected default capacity %d, got %d", HardCap, got)
	}
	if got := NewEventStore(7).Capacity(); got != 7 {
		t.Errorf("Expected capacity 7, got %d", got)
	}
}

func TestEventStore_AppendCopiesMetadata(t *testing.T) {
	store := NewEventStore(10)
	meta := map[string]any{"k": "v"}
	ev := testEvent(1, 1)
	ev.Metadata = meta
	mustAppend(t, store, ev)

	meta["k"] = "changed"
	got, _ := store.Get(ev.ID)
	if got.Metadata["k"] != "v" {
		t.Errorf("Expected stored metadata to be a copy, got %v", got.Metadata["k"])
	}
}

func BenchmarkEventStore_AppendAtCapacity(b *testing.B) {
	store := NewEventStore(HardCap)
	for i := 0; i < b.N; i++ {
		_ = store.Append(mirror.Event{ID: fmt.Sprintf("0.0.1/%d", i), Type: "T", Actor: "a"})
	}
}
