// Package config provides configuration and shared test utilities for bminty.
package config

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bminty/bminty/migrations"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SetupTestDatabase creates a throwaway SQLite database file under t.TempDir()
// and applies all embedded migrations. This is the standard fixture for store
// tests across packages; the file is removed with the test's temp directory.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		db, path := config.SetupTestDatabase(t)
//		// ... your test code
//	}
//
// Closing the connection is registered via t.Cleanup.
func SetupTestDatabase(t *testing.T) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bminty_test.sqlite3")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err, "Failed to open sqlite database")

	// The modernc driver serializes access per connection; a single
	// connection avoids table-lock errors between fixture setup and test.
	db.SetMaxOpenConns(1)

	require.NoError(t, migrations.Apply(db), "Failed to run migrations")

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db, path
}
