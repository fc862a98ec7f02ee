// Package storage provides the SQLite connection layer and schema-bound
// table metadata for the bminty store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var (
	// ErrNoDatabaseConnection is returned when a nil connection is passed to a store.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrUnknownTable is returned when table metadata is requested for a table
	// that does not exist in the schema.
	ErrUnknownTable = errors.New("unknown table")
)

// Connection wraps a single SQLite database handle.
//
// The store is treated as an exclusively-locked resource per import: one
// import at a time, single connection, no intra-pipeline parallelism. The
// connection pool is therefore pinned to one open connection, which also
// keeps the modernc driver's per-connection serialization predictable.
type Connection struct {
	db   *sql.DB
	path string
}

// Open opens the SQLite database described by cfg and applies its pragmas.
func Open(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA cache_size=%d", cfg.CachePages),
		fmt.Sprintf("PRAGMA mmap_size=%d", cfg.MmapBytes),
		"PRAGMA temp_store=MEMORY",
	}

	if cfg.BulkWrites {
		// Durability is not critical for one-off imports: the import is
		// all-or-nothing and can be re-run from its source files.
		pragmas = append(pragmas, "PRAGMA synchronous=OFF")
	} else {
		pragmas = append(pragmas, "PRAGMA synchronous=NORMAL")
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &Connection{db: db, path: cfg.Path}, nil
}

// DB exposes the underlying handle for packages that manage their own
// statements and transactions.
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Path returns the database file path.
func (c *Connection) Path() string {
	return c.path
}

// Close closes the underlying database handle.
func (c *Connection) Close() error {
	return c.db.Close()
}

// MaxID returns the current maximum id in the given table, or 0 when the
// table is empty. Queried once per import per table by the id allocator.
func (c *Connection) MaxID(ctx context.Context, table string) (int64, error) {
	if _, err := Spec(table); err != nil {
		return 0, err
	}

	var maxID int64

	query := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", table) //nolint:gosec // table name validated against the schema registry above

	if err := c.db.QueryRowContext(ctx, query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("query max id of %s: %w", table, err)
	}

	return maxID, nil
}

// RowExists reports whether a row with the given id exists in the table.
func (c *Connection) RowExists(ctx context.Context, table string, id int64) (bool, error) {
	if _, err := Spec(table); err != nil {
		return false, err
	}

	var one int

	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", table) //nolint:gosec // table name validated against the schema registry above

	err := c.db.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("query %s row %d: %w", table, id, err)
	}

	return true, nil
}
