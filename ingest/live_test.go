package ingest

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/memory"
	"github.com/shogotsuneto/go-simple-mirror/stream"
)

// streamPanicStore panics on every event that arrives over a live stream.
type streamPanicStore struct {
	*memory.EventStore
}

func (s streamPanicStore) Append(event mirror.Event) error {
	if event.Provenance == mirror.ProvenanceStream {
		panic("append exploded")
	}
	return s.EventStore.Append(event)
}

func TestStreaming_MessagePanicIsIsolated(t *testing.T) {
	frames := []mirror.RawMessage{
		message("0.0.1", 1, "100.0"),
		message("0.0.1", 2, "101.0"),
	}
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		for _, m := range frames {
			b, err := json.Marshal(m)
			if err != nil {
				return
			}
			if err := websocket.Message.Send(ws, string(b)); err != nil {
				return
			}
		}
		var discard []byte
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}))
	defer srv.Close()

	connector, err := stream.New(stream.Config{
		BaseURL:        srv.URL + "/api/v1",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create connector: %v", err)
	}

	orch := New(Config{Enabled: true, Topics: []string{"0.0.1"}, StreamingEnabled: true}, Deps{
		Fetcher: newFakeFetcher(),
		Connect: FromConnector(connector),
		Cursors: memory.NewCursorStore(),
		Store:   streamPanicStore{memory.NewEventStore(10)},
	})
	defer orch.Stop()
	orch.Start(t.Context())

	// both frames fail, so the connection survived the first panic
	deadline := time.Now().Add(5 * time.Second)
	for orch.Stats()["0.0.1"].Failed < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 failures, got %+v", orch.Stats()["0.0.1"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := orch.Stats()["0.0.1"]
	if !strings.Contains(stats.LastError, "panic") {
		t.Errorf("Expected panic in last error, got %q", stats.LastError)
	}
	if stats.Streamed != 0 {
		t.Errorf("Expected no streamed events, got %d", stats.Streamed)
	}
	if !orch.Health().Started {
		t.Error("Expected orchestrator to keep running")
	}

	orch.Stop()
	if orch.Health().Started {
		t.Error("Expected orchestrator to stop")
	}
}
