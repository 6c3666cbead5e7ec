// Package normalize converts raw topic messages into canonical events.
//
// Payloads have been published in several shapes over time: base64-encoded
// JSON, raw JSON text, already-decoded objects, and a legacy double-wrapped
// envelope. Normalization never panics and never returns transport errors;
// anything it cannot interpret is rejected with an error wrapping ErrRejected.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/shogotsuneto/go-simple-mirror"
)

// ErrRejected is wrapped by every rejection.
var ErrRejected = errors.New("message rejected")

// Normalizer converts raw messages into canonical events.
type Normalizer struct {
	logger *slog.Logger
}

// New creates a normalizer. Rejections are logged at debug level.
func New(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger.With("component", "normalizer")}
}

var defaultNormalizer = New(nil)

// Normalize converts raw with the default normalizer.
func Normalize(raw mirror.RawMessage, provenance mirror.Provenance) (mirror.Event, error) {
	return defaultNormalizer.Normalize(raw, provenance)
}

// Normalize converts raw into a canonical event or rejects it.
func (n *Normalizer) Normalize(raw mirror.RawMessage, provenance mirror.Provenance) (mirror.Event, error) {
	event, err := n.normalize(raw, provenance)
	if err != nil {
		n.logger.Debug("message rejected",
			"topic", raw.TopicID,
			"sequence", raw.SequenceNumber,
			"offset", raw.ConsensusTimestamp,
			"reason", err,
		)
		return mirror.Event{}, err
	}
	return event, nil
}

func (n *Normalizer) normalize(raw mirror.RawMessage, provenance mirror.Provenance) (mirror.Event, error) {
	if strings.TrimSpace(raw.TopicID) == "" {
		return mirror.Event{}, reject("missing topic id")
	}
	if raw.SequenceNumber <= 0 {
		return mirror.Event{}, reject("missing sequence number")
	}
	millis, ok := mirror.OffsetMillis(raw.ConsensusTimestamp)
	if !ok {
		return mirror.Event{}, reject("invalid consensus timestamp %q", raw.ConsensusTimestamp)
	}

	payload := decodePayload(raw.Payload)
	if payload.fields == nil {
		return mirror.Event{}, reject("undecodable %s payload", payload.encoding)
	}
	fields := unwrapEnvelope(payload.fields)

	eventType, typeKey := inferType(fields)
	if eventType == "" {
		return mirror.Event{}, reject("missing type")
	}
	actor, actorKey := extractAccount(fields, actorKeys)
	if actor == "" {
		return mirror.Event{}, reject("missing actor for %s", eventType)
	}
	target, targetKey := extractAccount(fields, targetKeys)

	// only allocations are rewritten; every other type keeps its payload as is
	metadata := maps.Clone(fields)
	if eventType == mirror.TypeTrustAllocate {
		for _, k := range []string{typeKey, actorKey, targetKey} {
			if k != "" {
				delete(metadata, k)
			}
		}
		enrichAllocation(metadata)
	}

	return mirror.Event{
		ID:                 mirror.EventID(raw.TopicID, raw.SequenceNumber),
		Type:               eventType,
		Actor:              actor,
		Target:             target,
		Timestamp:          millis,
		TopicID:            raw.TopicID,
		SequenceNumber:     raw.SequenceNumber,
		ConsensusTimestamp: raw.ConsensusTimestamp,
		Metadata:           metadata,
		Provenance:         provenance,
	}, nil
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// allocationAliases maps stable metadata keys to the names older clients used.
var allocationAliases = []struct {
	key     string
	aliases []string
}{
	{"weight", []string{"weight", "amount", "w", "slots"}},
	{"reason", []string{"reason", "note", "message"}},
	{"category", []string{"category", "kind", "lens"}},
}

// enrichAllocation rewrites alias fields of a trust allocation into a stable
// schema: weight is always a number and aliases are removed.
func enrichAllocation(metadata map[string]any) {
	for _, a := range allocationAliases {
		var value any
		for _, alias := range a.aliases {
			v, ok := metadata[alias]
			if !ok {
				continue
			}
			if value == nil {
				value = v
			}
			delete(metadata, alias)
		}
		if value != nil {
			metadata[a.key] = value
		}
	}

	ev := mirror.Event{Metadata: metadata}
	if w, ok := ev.MetadataFloat("weight"); ok && w > 0 {
		metadata["weight"] = w
	} else {
		metadata["weight"] = float64(1)
	}
}
