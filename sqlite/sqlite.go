// Package sqlite persists topic cursors in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.CursorBackend = (*CursorBackend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS mirror_cursors (
	cursor_key TEXT PRIMARY KEY,
	offset_value TEXT NOT NULL,
	seconds INTEGER NOT NULL,
	nanos INTEGER NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// CursorBackend stores cursors in SQLite. Like the other durable backends
// it never lowers a stored offset.
type CursorBackend struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at path and bootstraps the
// schema. ":memory:" opens a private in-memory database.
func Open(path string) (*CursorBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps WAL contention and :memory: databases simple
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cursor table: %w", err)
	}
	return &CursorBackend{db: db}, nil
}

// Close closes the SQLite handle.
func (b *CursorBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Get returns the stored offset for key.
func (b *CursorBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var offset string
	err := b.db.QueryRowContext(ctx, `SELECT offset_value FROM mirror_cursors WHERE cursor_key = ?`, key).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cursor: %w", err)
	}
	return offset, true, nil
}

// Put stores offset for key unless a later offset is already stored.
func (b *CursorBackend) Put(ctx context.Context, key, offset string) error {
	o, ok := mirror.ParseOffset(offset)
	if !ok {
		return fmt.Errorf("%w: %q", mirror.ErrInvalidOffset, offset)
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO mirror_cursors (cursor_key, offset_value, seconds, nanos, updated_at)
		VALUES (?, ?, ?, ?, unixepoch())
		ON CONFLICT(cursor_key) DO UPDATE
		SET offset_value = excluded.offset_value,
			seconds = excluded.seconds,
			nanos = excluded.nanos,
			updated_at = excluded.updated_at
		WHERE excluded.seconds > mirror_cursors.seconds
			OR (excluded.seconds = mirror_cursors.seconds AND excluded.nanos > mirror_cursors.nanos)
	`, key, offset, o.Seconds, o.Nanos)
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// Delete removes key.
func (b *CursorBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM mirror_cursors WHERE cursor_key = ?`, key); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (b *CursorBackend) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM mirror_cursors WHERE substr(cursor_key, 1, ?) = ?`, len(prefix), prefix); err != nil {
		return fmt.Errorf("delete cursors: %w", err)
	}
	return nil
}

// All returns every stored cursor keyed by cursor key.
func (b *CursorBackend) All(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT cursor_key, offset_value FROM mirror_cursors ORDER BY cursor_key`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, offset string
		if err := rows.Scan(&key, &offset); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out[key] = offset
	}
	return out, rows.Err()
}
