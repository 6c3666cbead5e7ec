package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/shogotsuneto/go-simple-mirror"
)

// recorder captures everything a connection reports.
type recorder struct {
	mu        sync.Mutex
	messages  []mirror.RawMessage
	errors    []error
	states    []State
	gapFills  []string
	delays    []time.Duration
	dialsSeen []int
}

func (r *recorder) options(topic, start string) Options {
	return Options{
		TopicID:     topic,
		StartOffset: start,
		OnMessage: func(msg mirror.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
		OnState: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
	}
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		messages:  append([]mirror.RawMessage(nil), r.messages...),
		errors:    append([]error(nil), r.errors...),
		states:    append([]State(nil), r.states...),
		gapFills:  append([]string(nil), r.gapFills...),
		delays:    append([]time.Duration(nil), r.delays...),
		dialsSeen: append([]int(nil), r.dialsSeen...),
	}
}

// scriptedServer serves attempt n with handlers[n], repeating the last one.
type scriptedServer struct {
	attempts   atomic.Int32
	mu         sync.Mutex
	startTimes []string
	handlers   []http.Handler
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(s.attempts.Add(1)) - 1
	s.mu.Lock()
	s.startTimes = append(s.startTimes, r.URL.Query().Get("startTime"))
	s.mu.Unlock()
	if n >= len(s.handlers) {
		n = len(s.handlers) - 1
	}
	s.handlers[n].ServeHTTP(w, r)
}

func (s *scriptedServer) starts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.startTimes...)
}

var reject = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
})

// sendThenClose streams frames for the given offsets and hangs up.
func sendThenClose(offsets ...string) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		for i, off := range offsets {
			frame := fmt.Sprintf(`{"sequence_number":%d,"consensus_timestamp":%q,"message":"e30="}`, i+1, off)
			if err := websocket.Message.Send(ws, frame); err != nil {
				return
			}
		}
	})
}

// holdOpen keeps the connection until the client goes away.
var holdOpen = websocket.Handler(func(ws *websocket.Conn) {
	var discard []byte
	for websocket.Message.Receive(ws, &discard) == nil {
	}
})

func newTestConnector(t *testing.T, h http.Handler, cfg Config) *Connector {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/api/v1"
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop")
	}
}

func TestConnection_GapFillBeforeReconnect(t *testing.T) {
	server := &scriptedServer{handlers: []http.Handler{
		sendThenClose("100.000000001", "101.5", "102.25"),
		holdOpen,
	}}
	c := newTestConnector(t, server, Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	rec := &recorder{}

	opts := rec.options("0.0.7", "99.0")
	opts.OnGapFill = func(_ context.Context, watermark string) (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.gapFills = append(rec.gapFills, watermark)
		rec.dialsSeen = append(rec.dialsSeen, int(server.attempts.Load()))
		return "105.0", nil
	}

	conn := c.Connect(t.Context(), opts)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return server.attempts.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	conn.Close()
	waitDone(t, conn)

	got := rec.snapshot()
	require.Len(t, got.messages, 3)
	assert.Equal(t, "0.0.7", got.messages[0].TopicID)
	require.NotEmpty(t, got.gapFills)
	assert.Equal(t, "102.25", got.gapFills[0], "gap fill starts at the last offset seen")
	assert.Equal(t, 1, got.dialsSeen[0], "reconnect waits for the gap fill")

	starts := server.starts()
	assert.Equal(t, "99.0", starts[0])
	assert.Equal(t, "105.0", starts[1], "reconnect resumes after the gap fill")
	assert.Equal(t, "105.0", conn.Watermark())
}

func TestConnection_GapFillFailureStillReconnects(t *testing.T) {
	server := &scriptedServer{handlers: []http.Handler{sendThenClose("10.0"), holdOpen}}
	c := newTestConnector(t, server, Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	rec := &recorder{}

	opts := rec.options("0.0.7", "")
	opts.OnGapFill = func(context.Context, string) (string, error) {
		return "", fmt.Errorf("history unavailable")
	}
	conn := c.Connect(t.Context(), opts)
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return conn.State() == StateOpen && server.attempts.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "10.0", server.starts()[1])
	assert.NotEmpty(t, rec.snapshot().errors)
}

func TestConnection_BackoffDoublesAndClamps(t *testing.T) {
	server := &scriptedServer{handlers: []http.Handler{reject}}
	c := newTestConnector(t, server, Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	rec := &recorder{}

	var conn *Connection
	ready := make(chan struct{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		<-ready
		rec.mu.Lock()
		rec.delays = append(rec.delays, d)
		n := len(rec.delays)
		rec.mu.Unlock()
		if n == 5 {
			conn.Close()
		}
		return nil
	}

	opts := rec.options("0.0.7", "1.0")
	opts.OnGapFill = func(_ context.Context, wm string) (string, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.gapFills = append(rec.gapFills, wm)
		return wm, nil
	}
	conn = c.Connect(t.Context(), opts)
	close(ready)
	waitDone(t, conn)

	got := rec.snapshot()
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 40 * ms, 40 * ms, 40 * ms}, got.delays)
	assert.Len(t, got.gapFills, 5, "a failed handshake is a closed transition")
	for _, wm := range got.gapFills {
		assert.Equal(t, "1.0", wm)
	}
	assert.NotContains(t, got.states, StateOpen)
}

func TestConnection_BackoffResetsAfterOpen(t *testing.T) {
	server := &scriptedServer{handlers: []http.Handler{reject, reject, sendThenClose(), sendThenClose()}}
	c := newTestConnector(t, server, Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         0,
	})
	rec := &recorder{}

	var conn *Connection
	ready := make(chan struct{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		<-ready
		rec.mu.Lock()
		rec.delays = append(rec.delays, d)
		n := len(rec.delays)
		rec.mu.Unlock()
		if n == 4 {
			conn.Close()
		}
		return nil
	}
	conn = c.Connect(t.Context(), rec.options("0.0.7", ""))
	close(ready)
	waitDone(t, conn)

	ms := time.Millisecond
	got := rec.snapshot()
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 10 * ms, 10 * ms}, got.delays)
	assert.Contains(t, got.states, StateOpen)
}

func TestConnection_JitteredDelayStaysBounded(t *testing.T) {
	server := &scriptedServer{handlers: []http.Handler{reject}}
	c := newTestConnector(t, server, Config{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Jitter:         1,
	})
	rec := &recorder{}

	var conn *Connection
	ready := make(chan struct{})
	c.sleep = func(_ context.Context, d time.Duration) error {
		<-ready
		rec.mu.Lock()
		rec.delays = append(rec.delays, d)
		n := len(rec.delays)
		rec.mu.Unlock()
		if n == 20 {
			conn.Close()
		}
		return nil
	}
	conn = c.Connect(t.Context(), rec.options("0.0.7", ""))
	close(ready)
	waitDone(t, conn)

	for _, d := range rec.snapshot().delays {
		assert.LessOrEqual(t, d, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond, "jitter never undercuts the initial delay")
	}
}

func TestBackoff_JitterNeverBelowInitial(t *testing.T) {
	b := newBackoff(Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: 1})
	for i := 0; i < 200; i++ {
		if i%3 == 0 {
			b.Reset()
		}
		d := b.Next()
		if d < 100*time.Millisecond || d > time.Second {
			t.Fatalf("Delay %v outside [100ms, 1s] at step %d", d, i)
		}
	}
}

func TestConnection_CallbackPanicKeepsDelivering(t *testing.T) {
	c := newTestConnector(t, &scriptedServer{handlers: []http.Handler{
		sendThenClose("1.0", "2.0"),
		holdOpen,
	}}, Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	var mu sync.Mutex
	var seen []string
	conn := c.Connect(t.Context(), Options{
		TopicID: "0.0.7",
		OnMessage: func(msg mirror.RawMessage) {
			mu.Lock()
			seen = append(seen, msg.ConsensusTimestamp)
			mu.Unlock()
			if msg.ConsensusTimestamp == "1.0" {
				panic("handler exploded")
			}
		},
	})
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected delivery to continue after a panic, saw %v", seen)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != "1.0" || seen[1] != "2.0" {
		t.Errorf("Expected [1.0 2.0], got %v", seen)
	}
	if got := conn.Watermark(); got != "2.0" {
		t.Errorf("Expected watermark 2.0, got %s", got)
	}
}

func TestConnection_NoCallbacksAfterClose(t *testing.T) {
	flood := websocket.Handler(func(ws *websocket.Conn) {
		for i := 1; ; i++ {
			frame := fmt.Sprintf(`{"sequence_number":%d,"consensus_timestamp":"%d.0","message":"e30="}`, i, 1000+i)
			if err := websocket.Message.Send(ws, frame); err != nil {
				return
			}
		}
	})
	c := newTestConnector(t, flood, Config{InitialBackoff: time.Millisecond})

	var delivered atomic.Int64
	var afterClose atomic.Bool
	var closed atomic.Bool
	conn := c.Connect(t.Context(), Options{
		TopicID: "0.0.7",
		OnMessage: func(mirror.RawMessage) {
			if closed.Load() {
				afterClose.Store(true)
			}
			delivered.Add(1)
		},
		OnState: func(State) {
			if closed.Load() {
				afterClose.Store(true)
			}
		},
	})

	require.Eventually(t, func() bool { return delivered.Load() > 10 }, 5*time.Second, time.Millisecond)
	conn.Close()
	closed.Store(true)
	count := delivered.Load()

	waitDone(t, conn)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, delivered.Load())
	assert.False(t, afterClose.Load())

	conn.Close()
}

func TestConnection_MalformedFrameIsReported(t *testing.T) {
	handler := websocket.Handler(func(ws *websocket.Conn) {
		_ = websocket.Message.Send(ws, "not json")
		_ = websocket.Message.Send(ws, `{"topic_id":"0.0.9","sequence_number":1,"consensus_timestamp":"5.0","message":"e30="}`)
		var discard []byte
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	})
	c := newTestConnector(t, handler, Config{})
	rec := &recorder{}
	conn := c.Connect(t.Context(), rec.options("0.0.7", ""))
	t.Cleanup(conn.Close)

	require.Eventually(t, func() bool { return len(rec.snapshot().messages) == 1 }, 5*time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Len(t, got.errors, 1)
	assert.Equal(t, "0.0.9", got.messages[0].TopicID)
	assert.Equal(t, "5.0", conn.Watermark())
	assert.Equal(t, StateOpen, conn.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "https://example.com", Jitter: 2})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "https://example.com/api/v1/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/api/v1/topics/0.0.1/messages/stream?startTime=1.5", c.streamURL("0.0.1", "1.5"))
	assert.Equal(t, DefaultInitialBackoff, c.cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, c.cfg.MaxBackoff)
}
