package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.EventSink = (*Archive)(nil)

// Archive is a durable, idempotent copy of canonical events keyed by event
// ID. It is used to rehydrate the in-memory store across restarts.
type Archive struct {
	*pgClient
}

// LoadOptions filters Archive.Load.
type LoadOptions struct {
	// TopicID restricts results to one topic when set.
	TopicID string
	// AfterMillis returns only events with a later timestamp.
	AfterMillis int64
	// Limit caps the number of events. Zero means no limit.
	Limit int
	// Desc returns the newest events first.
	Desc bool
}

// NewArchive connects to PostgreSQL with the given configuration.
func NewArchive(config Config) (*Archive, error) {
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}
	return &Archive{pgClient: client}, nil
}

// NewArchiveFromDB uses an existing connection.
func NewArchiveFromDB(db *sql.DB, tableName string) (*Archive, error) {
	client, err := newPgClientFromDB(db, tableName)
	if err != nil {
		return nil, err
	}
	return &Archive{pgClient: client}, nil
}

// InitSchema creates the archive table and indexes if they don't exist.
func (a *Archive) InitSchema(ctx context.Context) error {
	table := a.table()
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id SERIAL PRIMARY KEY,
		event_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(64) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		target VARCHAR(255) NOT NULL DEFAULT '',
		topic_id VARCHAR(64) NOT NULL,
		sequence_number BIGINT NOT NULL,
		consensus_timestamp VARCHAR(64) NOT NULL,
		timestamp_millis BIGINT NOT NULL,
		metadata JSONB,
		provenance VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(event_id);
	CREATE INDEX IF NOT EXISTS %s ON %s(topic_id, timestamp_millis);
	`, table,
		a.index("event_id"), table,
		a.index("topic_time"), table)

	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

// Write upserts events by ID; re-delivery replaces the stored copy.
func (a *Archive) Write(ctx context.Context, events []mirror.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, actor, target, topic_id, sequence_number,
			consensus_timestamp, timestamp_millis, metadata, provenance, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO UPDATE
		SET event_type = EXCLUDED.event_type,
			actor = EXCLUDED.actor,
			target = EXCLUDED.target,
			timestamp_millis = EXCLUDED.timestamp_millis,
			metadata = EXCLUDED.metadata,
			provenance = EXCLUDED.provenance,
			status = EXCLUDED.status
	`, a.table()))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		var metadataJSON any
		if event.Metadata != nil {
			b, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata for %s: %w", event.ID, err)
			}
			metadataJSON = b
		}

		_, err = stmt.ExecContext(ctx,
			event.ID, event.Type, event.Actor, event.Target, event.TopicID, event.SequenceNumber,
			event.ConsensusTimestamp, event.Timestamp, metadataJSON, string(event.Provenance), string(event.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
		}
	}

	return tx.Commit()
}

func (a *Archive) buildLoadQuery(opts LoadOptions) (string, []any) {
	query := fmt.Sprintf(`
		SELECT event_id, event_type, actor, target, topic_id, sequence_number,
			consensus_timestamp, timestamp_millis, metadata, provenance, status
		FROM %s
		WHERE timestamp_millis > $1`, a.table())
	args := []any{opts.AfterMillis}

	if opts.TopicID != "" {
		args = append(args, opts.TopicID)
		query += fmt.Sprintf(" AND topic_id = $%d", len(args))
	}

	if opts.Desc {
		query += " ORDER BY timestamp_millis DESC, id DESC"
	} else {
		query += " ORDER BY timestamp_millis ASC, id ASC"
	}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// Load reads archived events matching opts.
func (a *Archive) Load(ctx context.Context, opts LoadOptions) ([]mirror.Event, error) {
	query, args := a.buildLoadQuery(opts)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []mirror.Event
	for rows.Next() {
		var (
			event        mirror.Event
			metadataJSON []byte
			provenance   string
			status       string
		)
		err := rows.Scan(
			&event.ID, &event.Type, &event.Actor, &event.Target, &event.TopicID, &event.SequenceNumber,
			&event.ConsensusTimestamp, &event.Timestamp, &metadataJSON, &provenance, &status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for %s: %w", event.ID, err)
			}
		}
		event.Provenance = mirror.Provenance(provenance)
		event.Status = mirror.Status(status)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}
