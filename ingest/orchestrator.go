// Package ingest reconciles historical backfill with live streaming or
// polling for a fixed set of topics, feeding normalized events into the local
// store and persisting per-topic cursors.
//
// Nothing escapes Start: failures are isolated per topic, logged and counted,
// and the worst case is a degraded orchestrator with no active topics.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/history"
	"github.com/shogotsuneto/go-simple-mirror/normalize"
	"github.com/shogotsuneto/go-simple-mirror/stream"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultLookback        = 7 * 24 * time.Hour
	DefaultHealthFreshness = 2 * time.Minute
	DefaultMaxConcurrent   = 8
)

// Config controls orchestration.
type Config struct {
	Enabled          bool
	StreamingEnabled bool
	Topics           []string
	PageSize         int
	PollInterval     time.Duration
	// Lookback bounds the first backfill of a topic without a cursor.
	Lookback        time.Duration
	HealthFreshness time.Duration
	// MaxConcurrent caps simultaneous backfills.
	MaxConcurrent int
}

// Fetcher walks a topic's history.
type Fetcher interface {
	Fetch(ctx context.Context, req history.Request, fn history.MessageFunc) (history.Result, error)
}

// LiveConn is an open topic stream.
type LiveConn interface {
	Close()
	State() stream.State
}

// ConnectFunc opens a topic stream.
type ConnectFunc func(ctx context.Context, opts stream.Options) LiveConn

// FromConnector adapts a stream.Connector.
func FromConnector(c *stream.Connector) ConnectFunc {
	return func(ctx context.Context, opts stream.Options) LiveConn {
		return c.Connect(ctx, opts)
	}
}

// Store receives normalized events.
type Store interface {
	Append(event mirror.Event) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Fetcher    Fetcher
	Connect    ConnectFunc
	Cursors    mirror.CursorStore
	Store      Store
	Normalizer *normalize.Normalizer
	Sinks      []mirror.EventSink
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator runs ingestion for the configured topics.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	generation uint64
	cancel     context.CancelFunc
	stats      map[string]*TopicStats
	conns      map[string]LiveConn
	pollers    map[string]bool
	runCtx     context.Context

	wg sync.WaitGroup
}

// New creates an Orchestrator. Zero config values take defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.HealthFreshness <= 0 {
		cfg.HealthFreshness = DefaultHealthFreshness
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalize.New(deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "orchestrator"),
		stats:   make(map[string]*TopicStats),
		conns:   make(map[string]LiveConn),
		pollers: make(map[string]bool),
	}
}

// Start backfills every valid topic and then moves each one to its live
// phase. It returns once every backfill has finished. Start never fails; a
// disabled or misconfigured orchestrator simply stays degraded.
func (o *Orchestrator) Start(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("start panicked, running degraded", "panic", r)
		}
	}()

	if !o.cfg.Enabled {
		o.logger.Info("ingestion disabled")
		return
	}
	if err := o.validateDeps(); err != nil {
		o.logger.Error("ingestion misconfigured, running degraded", "error", err)
		return
	}

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.logger.Warn("start called twice")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.started = true
	o.cancel = cancel
	o.runCtx = runCtx
	gen := o.generation
	topics := o.validTopics()
	for _, topic := range topics {
		o.stats[topic] = &TopicStats{Topic: topic, Mode: ModeIdle}
	}
	o.mu.Unlock()

	o.logger.Info("starting ingestion", "topics", len(topics), "streaming", o.cfg.StreamingEnabled)

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)
	for _, topic := range topics {
		if !o.track() {
			break
		}
		g.Go(func() error {
			defer o.wg.Done()
			return o.runTopic(runCtx, gen, topic)
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Warn("backfill finished with failures", "error", err)
	}
}

// Stop cancels polling, closes streams and waits for every task. It is
// idempotent and leaves the orchestrator ready for a cold Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.generation++
	o.cancel()
	conns := o.conns
	o.conns = make(map[string]LiveConn)
	o.pollers = make(map[string]bool)
	for _, s := range o.stats {
		s.Mode = ModeStopped
		s.State = ""
	}
	o.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	o.wg.Wait()
	o.logger.Info("ingestion stopped")
}

// Stats returns a copy of the per-topic counters.
func (o *Orchestrator) Stats() map[string]TopicStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]TopicStats, len(o.stats))
	for k, s := range o.stats {
		out[k] = *s
	}
	return out
}

// Health reports healthy when started with at least one active live task and
// activity within the freshness window.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := Health{Started: o.started}
	for topic, s := range o.stats {
		if s.LastActivity.After(h.LastActivity) {
			h.LastActivity = s.LastActivity
		}
		if conn, ok := o.conns[topic]; ok && conn.State() == stream.StateOpen {
			h.ActiveTopics++
		} else if o.pollers[topic] {
			h.ActiveTopics++
		}
	}
	fresh := !h.LastActivity.IsZero() && o.deps.Now().Sub(h.LastActivity) <= o.cfg.HealthFreshness
	h.Healthy = h.Started && h.ActiveTopics > 0 && fresh
	return h
}

// ForceResync clears the cursor of one topic, or of every topic when topicID
// is empty. A running orchestrator immediately re-backfills the affected
// topics from the lookback window.
func (o *Orchestrator) ForceResync(ctx context.Context, topicID string) error {
	var topics []string
	if topicID == "" {
		if err := o.deps.Cursors.ClearAll(ctx); err != nil {
			return fmt.Errorf("failed to clear cursors: %w", err)
		}
		o.mu.Lock()
		for topic := range o.stats {
			topics = append(topics, topic)
		}
		o.mu.Unlock()
	} else {
		if !mirror.ValidTopicID(topicID) {
			return fmt.Errorf("%w: %q", mirror.ErrInvalidTopic, topicID)
		}
		if err := o.deps.Cursors.Clear(ctx, topicID); err != nil {
			return fmt.Errorf("failed to clear cursor for %s: %w", topicID, err)
		}
		topics = []string{topicID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, topic := range topics {
		if s, ok := o.stats[topic]; ok {
			s.LastOffset = ""
		}
	}
	if !o.started {
		return nil
	}

	gen, runCtx := o.generation, o.runCtx
	for _, topic := range topics {
		if _, ok := o.stats[topic]; !ok {
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.recoverTopic(gen, topic)
			if _, err := o.backfill(runCtx, gen, topic); err != nil {
				o.logger.Warn("resync backfill failed", "topic", topic, "error", err)
			}
		}()
	}
	o.logger.Info("resync requested", "topics", len(topics))
	return nil
}

func (o *Orchestrator) validateDeps() error {
	var errs []error
	if o.deps.Fetcher == nil {
		errs = append(errs, errors.New("fetcher is required"))
	}
	if o.deps.Cursors == nil {
		errs = append(errs, errors.New("cursor store is required"))
	}
	if o.deps.Store == nil {
		errs = append(errs, errors.New("event store is required"))
	}
	return errors.Join(errs...)
}

// validTopics must be called with o.mu held.
func (o *Orchestrator) validTopics() []string {
	seen := make(map[string]bool)
	var topics []string
	for _, topic := range o.cfg.Topics {
		if !mirror.ValidTopicID(topic) {
			o.logger.Warn("skipping invalid topic", "topic", topic)
			continue
		}
		if seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	return topics
}

// track registers a task with the wait group unless the orchestrator has
// been stopped.
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return false
	}
	o.wg.Add(1)
	return true
}

// runTopic backfills one topic and then moves it to its live phase. A failed
// backfill is returned for logging but never prevents the live phase.
func (o *Orchestrator) runTopic(ctx context.Context, gen uint64, topic string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.recordPanic(gen, topic, r)
			err = fmt.Errorf("topic %s panicked: %v", topic, r)
		}
	}()

	o.update(gen, topic, func(s *TopicStats) { s.Mode = ModeBackfill })
	_, backfillErr := o.backfill(ctx, gen, topic)
	if backfillErr != nil {
		o.logger.Warn("backfill failed", "topic", topic, "error", backfillErr)
		backfillErr = fmt.Errorf("topic %s: %w", topic, backfillErr)
	}
	if ctx.Err() != nil {
		return backfillErr
	}

	if o.cfg.StreamingEnabled && o.deps.Connect != nil {
		o.startStream(ctx, gen, topic)
	} else {
		o.startPoller(ctx, gen, topic)
	}
	return backfillErr
}

// startOffset returns the stored cursor or the lookback boundary.
func (o *Orchestrator) startOffset(ctx context.Context, topic string) string {
	offset, ok, err := o.deps.Cursors.Load(ctx, topic)
	if err != nil {
		o.logger.Warn("failed to load cursor", "topic", topic, "error", err)
	}
	if ok {
		return offset
	}
	return mirror.OffsetFromTime(o.deps.Now().Add(-o.cfg.Lookback))
}

func (o *Orchestrator) backfill(ctx context.Context, gen uint64, topic string) (history.Result, error) {
	since := o.startOffset(ctx, topic)
	o.logger.Debug("backfill starting", "topic", topic, "offset", since)

	res, err := o.fetch(ctx, gen, topic, since)
	if err != nil {
		o.update(gen, topic, func(s *TopicStats) { s.fail(err) })
		return res, err
	}
	o.logger.Info("backfill complete", "topic", topic, "count", res.Count, "offset", res.Last)
	return res, nil
}

// fetch walks history after since and feeds every message through handle.
func (o *Orchestrator) fetch(ctx context.Context, gen uint64, topic, since string) (history.Result, error) {
	return o.deps.Fetcher.Fetch(ctx, history.Request{
		TopicID:  topic,
		Since:    since,
		PageSize: o.cfg.PageSize,
	}, func(msg mirror.RawMessage, _ string) error {
		if !o.handle(ctx, gen, msg, mirror.ProvenanceCached) {
			return context.Canceled
		}
		return nil
	})
}

// handle normalizes and applies one message. It reports false once the
// orchestrator generation that spawned the caller has ended.
func (o *Orchestrator) handle(ctx context.Context, gen uint64, msg mirror.RawMessage, provenance mirror.Provenance) bool {
	if !o.active(gen) {
		return false
	}
	topic := msg.TopicID
	now := o.deps.Now()

	event, err := o.deps.Normalizer.Normalize(msg, provenance)
	if err != nil {
		o.update(gen, topic, func(s *TopicStats) {
			s.fail(err)
			s.observe(msg.ConsensusTimestamp, now)
		})
		o.saveCursor(ctx, topic, msg.ConsensusTimestamp)
		return true
	}

	if err := o.deps.Store.Append(event); err != nil {
		o.logger.Warn("failed to append event", "topic", topic, "id", event.ID, "error", err)
		o.update(gen, topic, func(s *TopicStats) { s.fail(err) })
		return true
	}
	o.writeSinks(ctx, event)
	o.saveCursor(ctx, topic, msg.ConsensusTimestamp)

	o.update(gen, topic, func(s *TopicStats) {
		if provenance == mirror.ProvenanceStream {
			s.Streamed++
		} else {
			s.Backfilled++
		}
		s.observe(msg.ConsensusTimestamp, now)
	})
	return true
}

func (o *Orchestrator) saveCursor(ctx context.Context, topic, offset string) {
	if err := o.deps.Cursors.Save(ctx, topic, offset); err != nil {
		o.logger.Debug("cursor not saved", "topic", topic, "offset", offset, "error", err)
	}
}

func (o *Orchestrator) writeSinks(ctx context.Context, event mirror.Event) {
	for _, sink := range o.deps.Sinks {
		if err := sink.Write(ctx, []mirror.Event{event}); err != nil {
			o.logger.Warn("sink write failed", "topic", event.TopicID, "id", event.ID, "error", err)
		}
	}
}

func (o *Orchestrator) active(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && o.generation == gen
}

// update applies fn to a topic's stats unless the generation has ended.
func (o *Orchestrator) update(gen uint64, topic string, fn func(*TopicStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.generation != gen {
		return
	}
	s, ok := o.stats[topic]
	if !ok {
		s = &TopicStats{Topic: topic, Mode: ModeIdle}
		o.stats[topic] = s
	}
	fn(s)
}

func (o *Orchestrator) recordPanic(gen uint64, topic string, r any) {
	o.logger.Error("topic task panicked", "topic", topic, "panic", r)
	o.update(gen, topic, func(s *TopicStats) { s.fail(fmt.Errorf("panic: %v", r)) })
}

func (o *Orchestrator) recoverTopic(gen uint64, topic string) {
	if r := recover(); r != nil {
		o.recordPanic(gen, topic, r)
	}
}
