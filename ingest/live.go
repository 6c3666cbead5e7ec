package ingest

import (
	"context"
	"time"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/stream"
)

// startStream opens the topic's push connection. Disconnects are covered by a
// history gap fill from the connection's watermark before each reconnect.
func (o *Orchestrator) startStream(ctx context.Context, gen uint64, topic string) {
	start := o.startOffset(ctx, topic)
	if !o.active(gen) {
		return
	}

	opened := false
	conn := o.deps.Connect(ctx, stream.Options{
		TopicID:     topic,
		StartOffset: start,
		OnMessage: func(msg mirror.RawMessage) {
			defer o.recoverTopic(gen, topic)
			o.handle(ctx, gen, msg, mirror.ProvenanceStream)
		},
		OnError: func(err error) {
			o.update(gen, topic, func(s *TopicStats) { s.LastError = err.Error() })
		},
		OnGapFill: func(ctx context.Context, watermark string) (last string, err error) {
			last = watermark
			defer o.recoverTopic(gen, topic)
			return o.gapFill(ctx, gen, topic, watermark)
		},
		OnState: func(state stream.State) {
			defer o.recoverTopic(gen, topic)
			now := o.deps.Now()
			o.update(gen, topic, func(s *TopicStats) {
				s.State = state.String()
				switch state {
				case stream.StateOpen:
					s.LastActivity = now
					if opened {
						s.Reconnects++
					}
					opened = true
				}
			})
		},
	})

	o.mu.Lock()
	if !o.started || o.generation != gen {
		o.mu.Unlock()
		conn.Close()
		return
	}
	o.conns[topic] = conn
	o.stats[topic].Mode = ModeStreaming
	o.mu.Unlock()
	o.logger.Info("streaming started", "topic", topic, "offset", start)
}

func (o *Orchestrator) gapFill(ctx context.Context, gen uint64, topic, watermark string) (string, error) {
	o.update(gen, topic, func(s *TopicStats) { s.GapFills++ })
	since := watermark
	if since == "" {
		since = o.startOffset(ctx, topic)
	}
	res, err := o.fetch(ctx, gen, topic, since)
	if err != nil {
		o.update(gen, topic, func(s *TopicStats) { s.fail(err) })
		return watermark, err
	}
	if res.Count == 0 {
		return watermark, nil
	}
	o.logger.Debug("gap filled", "topic", topic, "count", res.Count, "offset", res.Last)
	return res.Last, nil
}

// startPoller fetches new history on a fixed interval until the run context
// ends.
func (o *Orchestrator) startPoller(ctx context.Context, gen uint64, topic string) {
	o.mu.Lock()
	if !o.started || o.generation != gen {
		o.mu.Unlock()
		return
	}
	o.pollers[topic] = true
	o.stats[topic].Mode = ModePolling
	o.stats[topic].State = "running"
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("polling started", "topic", topic, "interval", o.cfg.PollInterval)
	go func() {
		defer o.wg.Done()
		defer o.recoverTopic(gen, topic)
		defer o.markPollerStopped(gen, topic)

		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.poll(ctx, gen, topic)
			}
		}
	}()
}

func (o *Orchestrator) poll(ctx context.Context, gen uint64, topic string) {
	since := o.startOffset(ctx, topic)
	res, err := o.fetch(ctx, gen, topic, since)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("poll failed", "topic", topic, "error", err)
			o.update(gen, topic, func(s *TopicStats) { s.fail(err) })
		}
		return
	}
	now := o.deps.Now()
	o.update(gen, topic, func(s *TopicStats) { s.LastActivity = now })
	if res.Count > 0 {
		o.logger.Debug("poll fetched messages", "topic", topic, "count", res.Count, "offset", res.Last)
	}
}

func (o *Orchestrator) markPollerStopped(gen uint64, topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation == gen {
		delete(o.pollers, topic)
	}
}
