// Package stream maintains one push connection per topic against the mirror
// service's streaming API, reconnecting with exponential backoff and filling
// any gap through a caller-provided history fetch before each reconnect.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/shogotsuneto/go-simple-mirror"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Config holds the configuration for a Connector.
type Config struct {
	// BaseURL is the streaming root. http and https schemes are mapped to
	// ws and wss.
	BaseURL string
	// Origin is sent with the handshake. Defaults to BaseURL.
	Origin         string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64
}

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitter         = 0.2
)

// GapFillFunc fetches the history after watermark and returns the highest
// offset it processed, or watermark itself if nothing was found.
type GapFillFunc func(ctx context.Context, watermark string) (string, error)

// Options describes one topic connection. All callbacks are optional and are
// never invoked concurrently for the same connection.
type Options struct {
	TopicID     string
	StartOffset string
	OnMessage   func(msg mirror.RawMessage)
	OnError     func(err error)
	OnGapFill   GapFillFunc
	OnState     func(state State)
}

// Connector opens topic connections.
type Connector struct {
	base   *url.URL
	origin string
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// New creates a Connector.
func New(cfg Config, opts ...Option) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("stream: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("stream: invalid base URL: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("stream: unsupported scheme %q", base.Scheme)
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return nil, fmt.Errorf("stream: jitter %v out of range", cfg.Jitter)
	}

	c := &Connector{
		base:   base,
		origin: cfg.Origin,
		cfg:    cfg,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	if c.origin == "" {
		c.origin = cfg.BaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "stream")
	return c, nil
}

// Connect starts a supervised connection for opts.TopicID. The connection
// runs until Close is called or ctx is canceled.
func (c *Connector) Connect(ctx context.Context, opts Options) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		connector: c,
		opts:      opts,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateClosed,
		watermark: opts.StartOffset,
		logger:    c.logger.With("topic", opts.TopicID),
	}
	go conn.run(ctx)
	return conn
}

func (c *Connector) streamURL(topicID, startTime string) string {
	u := *c.base
	u.Path = u.Path + "/topics/" + url.PathEscape(topicID) + "/messages/stream"
	q := url.Values{}
	if startTime != "" {
		q.Set("startTime", startTime)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connection is one topic's supervised stream.
type Connection struct {
	connector *Connector
	opts      Options
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *slog.Logger
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	watermark string

	// deliverMu serializes callbacks against Close.
	deliverMu sync.Mutex
	closed    bool
}

// Close stops the connection. It is idempotent and no callback runs after it
// returns. Close must not be called from inside a callback.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.deliverMu.Lock()
		c.closed = true
		c.deliverMu.Unlock()
	})
}

// Done is closed once the supervising goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watermark returns the highest offset seen on this connection.
func (c *Connection) Watermark() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

func (c *Connection) advance(offset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := mirror.ParseOffset(offset); !ok {
		return
	}
	if mirror.CompareOffsets(offset, c.watermark) > 0 {
		c.watermark = offset
	}
}

// deliver runs fn unless the connection has been closed. A panicking
// callback is logged and the connection keeps running.
func (c *Connection) deliver(fn func()) (ok bool) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.closed {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("stream callback panicked", "topic", c.opts.TopicID, "panic", r)
		}
	}()
	ok = true
	fn()
	return ok
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.opts.OnState != nil {
		c.deliver(func() { c.opts.OnState(s) })
	}
}

func (c *Connection) reportError(err error) {
	if c.opts.OnError != nil {
		c.deliver(func() { c.opts.OnError(err) })
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	b := newBackoff(c.connector.cfg)

	for ctx.Err() == nil {
		c.setState(StateConnecting)
		if err := c.session(ctx, b.Reset); err != nil && ctx.Err() == nil {
			c.logger.Warn("stream disconnected", "error", err, "offset", c.Watermark())
			c.reportError(err)
		}
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return
		}

		c.gapFill(ctx)

		delay := b.Next()
		c.logger.Debug("reconnect scheduled", "delay", delay, "offset", c.Watermark())
		if err := c.connector.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// session dials, reads frames until the connection drops, and returns the
// reason it ended. onOpen runs once the handshake succeeds.
func (c *Connection) session(ctx context.Context, onOpen func()) error {
	target := c.connector.streamURL(c.opts.TopicID, c.Watermark())
	cfg, err := websocket.NewConfig(target, c.connector.origin)
	if err != nil {
		return fmt.Errorf("stream: invalid config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return fmt.Errorf("stream: dial failed: %w", err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	onOpen()
	c.setState(StateOpen)
	c.logger.Info("stream open", "offset", c.Watermark())

	for {
		var frame []byte
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			return fmt.Errorf("stream: read failed: %w", err)
		}

		var msg mirror.RawMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.reportError(fmt.Errorf("stream: malformed frame: %w", err))
			continue
		}
		if msg.TopicID == "" {
			msg.TopicID = c.opts.TopicID
		}
		c.advance(msg.ConsensusTimestamp)
		if c.opts.OnMessage != nil {
			if !c.deliver(func() { c.opts.OnMessage(msg) }) {
				return nil
			}
		}
	}
}

// gapFill runs the caller's history fetch synchronously so the reconnect
// that follows starts after everything it recovered.
func (c *Connection) gapFill(ctx context.Context) {
	if c.opts.OnGapFill == nil {
		return
	}
	watermark := c.Watermark()
	var (
		last string
		err  error
	)
	if !c.deliver(func() { last, err = c.opts.OnGapFill(ctx, watermark) }) {
		return
	}
	if err != nil {
		c.logger.Warn("gap fill failed", "error", err, "offset", watermark)
		c.reportError(fmt.Errorf("stream: gap fill: %w", err))
	}
	c.advance(last)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
