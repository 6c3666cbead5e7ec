package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.CursorBackend = (*CursorBackend)(nil)

// CursorBackend persists cursors in a PostgreSQL table. Writes never lower a
// stored offset, even when two processes share the table.
type CursorBackend struct {
	*pgClient
}

// NewCursorBackend connects to PostgreSQL with the given configuration.
func NewCursorBackend(config Config) (*CursorBackend, error) {
	client, err := newPgClient(config)
	if err != nil {
		return nil, err
	}
	return &CursorBackend{pgClient: client}, nil
}

// NewCursorBackendFromDB uses an existing connection.
func NewCursorBackendFromDB(db *sql.DB, tableName string) (*CursorBackend, error) {
	client, err := newPgClientFromDB(db, tableName)
	if err != nil {
		return nil, err
	}
	return &CursorBackend{pgClient: client}, nil
}

// InitSchema creates the cursor table if it doesn't exist.
func (b *CursorBackend) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		cursor_key VARCHAR(255) PRIMARY KEY,
		offset_value VARCHAR(64) NOT NULL,
		seconds BIGINT NOT NULL,
		nanos INTEGER NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`, b.table())

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create cursor table: %w", err)
	}
	return nil
}

// Get returns the stored offset for key.
func (b *CursorBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var offset string
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT offset_value FROM %s WHERE cursor_key = $1", b.table()), key,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return offset, true, nil
}

// Put stores offset for key unless a later offset is already stored.
func (b *CursorBackend) Put(ctx context.Context, key, offset string) error {
	o, ok := mirror.ParseOffset(offset)
	if !ok {
		return fmt.Errorf("%w: %q", mirror.ErrInvalidOffset, offset)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (cursor_key, offset_value, seconds, nanos, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (cursor_key) DO UPDATE
		SET offset_value = EXCLUDED.offset_value,
			seconds = EXCLUDED.seconds,
			nanos = EXCLUDED.nanos,
			updated_at = NOW()
		WHERE (%[1]s.seconds, %[1]s.nanos) < (EXCLUDED.seconds, EXCLUDED.nanos)
	`, b.table())

	if _, err := b.db.ExecContext(ctx, query, key, offset, o.Seconds, o.Nanos); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *CursorBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE cursor_key = $1", b.table()), key); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (b *CursorBackend) DeletePrefix(ctx context.Context, prefix string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cursor_key LIKE $1 ESCAPE '\'`, b.table())
	if _, err := b.db.ExecContext(ctx, query, escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("failed to delete cursors: %w", err)
	}
	return nil
}
