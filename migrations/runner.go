package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Sentinel errors for migration handling.
var (
	// ErrInvalidFilename is returned when a migration file does not match the naming convention.
	ErrInvalidFilename = errors.New("invalid migration filename")

	// ErrUnpairedMigration is returned when an up migration lacks a matching down migration.
	ErrUnpairedMigration = errors.New("unpaired migration")

	// ErrSequenceGap is returned when migration sequence numbers are not contiguous.
	ErrSequenceGap = errors.New("migration sequence gap")

	// ErrNoMigrations is returned when the migration set is empty.
	ErrNoMigrations = errors.New("no migrations found")

	// ErrChecksumMismatch is returned when a migration file's content changed
	// between validations.
	ErrChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrDatabasePathEmpty is returned when no database path is provided.
	ErrDatabasePathEmpty = errors.New("database path cannot be empty")
)

// Runner applies the embedded migration set to a SQLite database file.
type Runner struct {
	m      *migrate.Migrate
	db     *sql.DB
	logger *slog.Logger
}

// NewRunner validates the embedded migration set and prepares a runner for
// the SQLite database at path. Close releases the underlying connection.
func NewRunner(path string, logger *slog.Logger) (*Runner, error) {
	if path == "" {
		return nil, ErrDatabasePathEmpty
	}

	set := NewSet(nil)
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("validate embedded migrations: %w", err)
	}

	src, err := iofs.New(set.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrator: %w", err)
	}

	return &Runner{m: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations. Already being up to date is not an error.
func (r *Runner) Up() error {
	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	r.logger.Info("migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.m.Steps(-1); err != nil {
		return fmt.Errorf("rollback migration: %w", err)
	}

	r.logger.Info("migration rolled back")

	return nil
}

// Version reports the current migration version and dirty state.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read migration version: %w", err)
	}

	return version, dirty, nil
}

// Drop removes everything in the database. Destructive; the migrator CLI
// requires explicit confirmation before calling this.
func (r *Runner) Drop() error {
	if err := r.m.Drop(); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}

	return nil
}

// Close releases the migrator and the database connection.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return fmt.Errorf("close migration source: %w", srcErr)
	}

	if dbErr != nil {
		return fmt.Errorf("close migration database: %w", dbErr)
	}

	return nil
}

// Apply runs all embedded migrations against an existing connection.
// Used by tests and by the importer's startup schema check.
func Apply(db *sql.DB) error {
	set := NewSet(nil)
	if err := set.Validate(); err != nil {
		return fmt.Errorf("validate embedded migrations: %w", err)
	}

	src, err := iofs.New(set.FS(), ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
