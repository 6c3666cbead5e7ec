// Package kafkasink forwards canonical events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.EventSink = (*Sink)(nil)

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the JSON value written for each event.
type Record struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	Actor              string            `json:"actor"`
	Target             string            `json:"target,omitempty"`
	Timestamp          int64             `json:"timestamp"`
	TopicID            string            `json:"topic_id"`
	SequenceNumber     int64             `json:"sequence_number"`
	ConsensusTimestamp string            `json:"consensus_timestamp,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Provenance         mirror.Provenance `json:"provenance"`
	Status             mirror.Status     `json:"status,omitempty"`
}

// NewRecord converts an event to its wire record.
func NewRecord(e mirror.Event) Record {
	return Record{
		ID:                 e.ID,
		Type:               e.Type,
		Actor:              e.Actor,
		Target:             e.Target,
		Timestamp:          e.Timestamp,
		TopicID:            e.TopicID,
		SequenceNumber:     e.SequenceNumber,
		ConsensusTimestamp: e.ConsensusTimestamp,
		Metadata:           e.Metadata,
		Provenance:         e.Provenance,
		Status:             e.Status,
	}
}

// Sink writes events as Kafka messages keyed by source topic ID.
type Sink struct {
	writer Writer
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithWriter replaces the Kafka writer.
func WithWriter(w Writer) Option {
	return func(s *Sink) { s.writer = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// New creates a sink publishing to topic on brokers.
func New(brokers []string, topic string, opts ...Option) (*Sink, error) {
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	s := &Sink{topic: topic, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.writer == nil {
		if len(brokers) == 0 {
			return nil, errors.New("kafka sink requires at least one broker")
		}
		s.writer = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		}
	}
	s.logger = s.logger.With("component", "kafkasink")
	return s, nil
}

// Write publishes events in one batch.
func (s *Sink) Write(ctx context.Context, events []mirror.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(NewRecord(e))
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: s.topic,
			Key:   []byte(e.TopicID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "provenance", Value: []byte(e.Provenance)},
			},
			Time: s.now().UTC(),
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d events to kafka: %w", len(msgs), err)
	}
	s.logger.Debug("events forwarded", "count", len(msgs), "kafka_topic", s.topic)
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
