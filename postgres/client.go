// Package postgres provides PostgreSQL-backed cursor persistence and an
// append-only archive of canonical events.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds the configuration for PostgreSQL-backed components.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// TableName is the table used by the component. It is required.
	TableName string
}

var errEmptyTableName = errors.New("table name must not be empty")

// pgClient is the connection and table shared by the cursor backend and the
// archive.
type pgClient struct {
	db        *sql.DB
	tableName string
}

func newPgClient(config Config) (*pgClient, error) {
	if config.TableName == "" {
		return nil, errEmptyTableName
	}

	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &pgClient{db: db, tableName: config.TableName}, nil
}

func newPgClientFromDB(db *sql.DB, tableName string) (*pgClient, error) {
	if tableName == "" {
		return nil, errEmptyTableName
	}
	return &pgClient{db: db, tableName: tableName}, nil
}

// Close closes the database connection.
func (c *pgClient) Close() error {
	return c.db.Close()
}

func (c *pgClient) table() string {
	return quoteIdentifier(c.tableName)
}

func (c *pgClient) index(suffix string) string {
	return quoteIdentifier("idx_" + c.tableName + "_" + suffix)
}

// quoteIdentifier quotes a PostgreSQL identifier, doubling embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLike escapes LIKE wildcards so prefix matches are literal.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
