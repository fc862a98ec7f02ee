package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/bminty/bminty/internal/config"
)

const (
	defaultCachePages  = -1048576 // ~1GB page cache, negative means KiB units
	defaultMmapBytes   = 1 << 30
	defaultBusyTimeout = 2 * time.Minute
)

var (
	// ErrDatabasePathEmpty is returned when the database path is an empty string.
	ErrDatabasePathEmpty = errors.New("database path cannot be empty")
)

// Config holds SQLite connection configuration with defaults sized for bulk
// imports on a 32GB host. All knobs are overridable via environment.
type Config struct {
	Path        string
	CachePages  int           // PRAGMA cache_size value
	MmapBytes   int64         // PRAGMA mmap_size value
	BusyTimeout time.Duration // PRAGMA busy_timeout value
	BulkWrites  bool          // relax durability pragmas for one-off imports
}

// LoadConfig loads SQLite configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Path:        config.GetEnvStr("BMINTY_DB_PATH", "bminty.sqlite3"),
		CachePages:  config.GetEnvInt("BULK_IMPORT_CACHE_PAGES", defaultCachePages),
		MmapBytes:   config.GetEnvInt64("BULK_IMPORT_MMAP", defaultMmapBytes),
		BusyTimeout: config.GetEnvDuration("BULK_IMPORT_BUSY_TIMEOUT", defaultBusyTimeout),
	}
}

// Validate checks if the SQLite configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return ErrDatabasePathEmpty
	}

	return nil
}
