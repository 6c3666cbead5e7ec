package ingest

import (
	"time"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Mode is the phase a topic is in.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeBackfill  Mode = "backfill"
	ModeStreaming Mode = "streaming"
	ModePolling   Mode = "polling"
	ModeStopped   Mode = "stopped"
)

// TopicStats are per-topic counters. They are for observability only.
type TopicStats struct {
	Topic        string    `json:"topic"`
	Mode         Mode      `json:"mode"`
	State        string    `json:"state,omitempty"`
	Backfilled   int64     `json:"backfilled"`
	Streamed     int64     `json:"streamed"`
	Failed       int64     `json:"failed"`
	GapFills     int64     `json:"gap_fills"`
	Reconnects   int64     `json:"reconnects"`
	LastOffset   string    `json:"last_offset,omitempty"`
	LastActivity time.Time `json:"last_activity,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Health summarizes whether ingestion is making progress.
type Health struct {
	Healthy      bool      `json:"healthy"`
	Started      bool      `json:"started"`
	ActiveTopics int       `json:"active_topics"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

func (s *TopicStats) observe(offset string, now time.Time) {
	if _, ok := mirror.ParseOffset(offset); ok && mirror.CompareOffsets(offset, s.LastOffset) > 0 {
		s.LastOffset = offset
	}
	s.LastActivity = now
}

func (s *TopicStats) fail(err error) {
	s.Failed++
	if err != nil {
		s.LastError = err.Error()
	}
}
