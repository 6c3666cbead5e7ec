// Package mirror provides the shared types and interfaces for ingesting topic
// messages from a mirror service into a local, queryable event view.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Provenance records how an event reached the local view.
type Provenance string

const (
	// ProvenanceStream marks events delivered over a live streaming connection.
	ProvenanceStream Provenance = "stream"
	// ProvenanceCached marks events read from the history API (backfill, polling, gap fill).
	ProvenanceCached Provenance = "cached"
	// ProvenanceLocal marks events authored locally and submitted outbound.
	ProvenanceLocal Provenance = "local"
)

// Status tracks the submission state of a locally authored event.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Canonical event types.
const (
	TypeContactRequest = "CONTACT_REQUEST"
	TypeContactAccept  = "CONTACT_ACCEPT"
	TypeTrustAllocate  = "TRUST_ALLOCATE"
	TypeTrustAccept    = "TRUST_ACCEPT"
	TypeTrustDecline   = "TRUST_DECLINE"
	TypeTrustRevoke    = "TRUST_REVOKE"
	TypeTokenMint      = "TOKEN_MINT"
	TypeTokenTransfer  = "TOKEN_TRANSFER"
	TypeTokenBurn      = "TOKEN_BURN"
	TypeProfileUpdate  = "PROFILE_UPDATE"
	TypeSignal         = "SIGNAL"
)

// RawMessage is a topic message exactly as the mirror service delivered it.
type RawMessage struct {
	// TopicID is the topic the message was published to
	TopicID string `json:"topic_id"`
	// SequenceNumber is the per-topic message sequence
	SequenceNumber int64 `json:"sequence_number"`
	// ConsensusTimestamp is the "seconds.nanoseconds" consensus offset
	ConsensusTimestamp string `json:"consensus_timestamp"`
	// Payload is the wire "message" field: a JSON string (base64 or JSON text) or an object
	Payload json.RawMessage `json:"message"`
}

// Event is the canonical shape every wire message is normalized into.
type Event struct {
	// ID is derived from (TopicID, SequenceNumber) so re-delivery yields the same ID
	ID string
	// Type is the uppercase canonical event type
	Type string
	// Actor is the account that authored the event
	Actor string
	// Target is the account the event refers to, if any
	Target string
	// Timestamp is the consensus time in Unix milliseconds
	Timestamp int64
	// TopicID is the topic the event was read from
	TopicID string
	// SequenceNumber is the topic sequence number of the source message
	SequenceNumber int64
	// ConsensusTimestamp is the source offset, kept for cursor advancement
	ConsensusTimestamp string
	// Metadata holds the remaining payload fields
	Metadata map[string]any
	// Provenance records how the event arrived
	Provenance Provenance
	// Status is only set for locally authored events
	Status Status
}

// EventID returns the deterministic event ID for a topic message.
func EventID(topicID string, sequenceNumber int64) string {
	return topicID + "/" + strconv.FormatInt(sequenceNumber, 10)
}

// MetadataString returns a metadata value rendered as a string.
func (e Event) MetadataString(key string) string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// MetadataFloat returns a numeric metadata value, accepting numeric strings.
func (e Event) MetadataFloat(key string) (float64, bool) {
	switch t := e.Metadata[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var topicIDPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidTopicID reports whether id has the "shard.realm.num" form.
func ValidTopicID(id string) bool {
	return topicIDPattern.MatchString(strings.TrimSpace(id))
}

// CursorStore persists, per topic, the highest offset successfully processed.
type CursorStore interface {
	// Load returns the stored offset for a topic and whether one exists.
	Load(ctx context.Context, topicID string) (string, bool, error)
	// Save stores offset for a topic. An offset lower than the stored one is ignored.
	Save(ctx context.Context, topicID, offset string) error
	// Clear removes the cursor for a topic.
	Clear(ctx context.Context, topicID string) error
	// ClearAll removes every cursor.
	ClearAll(ctx context.Context) error
}

// CursorBackend is the durable key-value store behind a CursorStore.
type CursorBackend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, offset string) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// EventSink receives canonical events after they enter the local view.
type EventSink interface {
	Write(ctx context.Context, events []Event) error
}

// CursorKey builds the persisted key for a topic cursor.
func CursorKey(namespace, topicID string) string {
	return namespace + ":" + topicID
}

// Sentinel errors for common error conditions.
var (
	// ErrInvalidOffset is returned when an offset is not a "seconds.nanoseconds" value.
	ErrInvalidOffset = errors.New("invalid consensus offset")
	// ErrInvalidTopic is returned for topic IDs that are not "shard.realm.num".
	ErrInvalidTopic = errors.New("invalid topic id")
)

// SortForReplay orders events by timestamp, then topic and sequence number,
// keeping the incoming order for exact ties.
func SortForReplay(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.TopicID != b.TopicID {
			return a.TopicID < b.TopicID
		}
		return a.SequenceNumber < b.SequenceNumber
	})
}

// TokenIDKeys are the metadata keys a token identifier has been published under.
var TokenIDKeys = []string{"tokenId", "token_id", "tokenID", "nftId", "serial"}

// TokenIDFrom returns the first token identifier found in fields.
func TokenIDFrom(fields map[string]any) string {
	for _, key := range TokenIDKeys {
		switch v := fields[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// TokenID returns the token identifier carried in the event metadata.
func (e Event) TokenID() string {
	return TokenIDFrom(e.Metadata)
}
