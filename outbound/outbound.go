// Package outbound records locally authored events and submits them to a topic.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Receipt is what a Submitter returns for an accepted message.
type Receipt struct {
	TransactionID string
}

// Submitter publishes an encoded envelope to a topic.
type Submitter interface {
	Submit(ctx context.Context, topicID string, envelope []byte) (Receipt, error)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, topicID string, envelope []byte) (Receipt, error)

// Submit calls f.
func (f SubmitFunc) Submit(ctx context.Context, topicID string, envelope []byte) (Receipt, error) {
	return f(ctx, topicID, envelope)
}

// Store is where local events are recorded.
type Store interface {
	Append(event mirror.Event) error
	UpdateStatus(id string, status mirror.Status) bool
}

// Draft is an event authored locally.
type Draft struct {
	Type     string
	Actor    string
	Target   string
	Metadata map[string]any
}

// Publisher appends drafts to the local view as pending and submits them.
type Publisher struct {
	store     Store
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a Publisher.
func New(store Store, submitter Submitter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:     store,
		submitter: submitter,
		logger:    logger.With("component", "outbound"),
		now:       time.Now,
		newID:     func() string { return "local/" + uuid.NewString() },
	}
}

// Publish records the draft with status pending, submits it and marks it
// submitted or failed. The returned event carries the final status.
func (p *Publisher) Publish(ctx context.Context, topicID string, d Draft) (mirror.Event, error) {
	if !mirror.ValidTopicID(topicID) {
		return mirror.Event{}, fmt.Errorf("%w: %q", mirror.ErrInvalidTopic, topicID)
	}
	typ := strings.ToUpper(strings.TrimSpace(d.Type))
	if typ == "" || strings.TrimSpace(d.Actor) == "" {
		return mirror.Event{}, errors.New("draft requires a type and an actor")
	}

	envelope, err := Envelope(typ, d.Actor, d.Target, d.Metadata)
	if err != nil {
		return mirror.Event{}, err
	}

	event := mirror.Event{
		ID:         p.newID(),
		Type:       typ,
		Actor:      d.Actor,
		Target:     d.Target,
		Timestamp:  p.now().UnixMilli(),
		TopicID:    topicID,
		Metadata:   maps.Clone(d.Metadata),
		Provenance: mirror.ProvenanceLocal,
		Status:     mirror.StatusPending,
	}
	if err := p.store.Append(event); err != nil {
		return mirror.Event{}, fmt.Errorf("record local event: %w", err)
	}

	receipt, err := p.submitter.Submit(ctx, topicID, envelope)
	if err != nil {
		event.Status = mirror.StatusFailed
		p.store.UpdateStatus(event.ID, event.Status)
		p.logger.Warn("submit failed", "topic", topicID, "event_id", event.ID, "error", err)
		return event, fmt.Errorf("submit to topic %s: %w", topicID, err)
	}

	event.Status = mirror.StatusSubmitted
	p.store.UpdateStatus(event.ID, event.Status)
	p.logger.Debug("event submitted", "topic", topicID, "event_id", event.ID, "transaction", receipt.TransactionID)
	return event, nil
}

// Envelope encodes the wire form of a local event: type, from and to alongside
// the metadata fields. Metadata cannot override the three reserved keys.
func Envelope(typ, actor, target string, metadata map[string]any) ([]byte, error) {
	body := make(map[string]any, len(metadata)+3)
	maps.Copy(body, metadata)
	body["type"] = typ
	body["from"] = actor
	if target != "" {
		body["to"] = target
	} else {
		delete(body, "to")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}
