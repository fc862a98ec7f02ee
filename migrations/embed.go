// Package migrations embeds the SQL schema migrations for the bminty store
// and provides a validated runner over them.
//
// Migrations are embedded with go:embed so binaries carry their own schema;
// no deployment step needs access to the source tree.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Filename convention: 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes a single parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Set wraps a migration filesystem with structural validation: every file
// must match the filename convention, every up migration must have a matching
// down migration, and sequence numbers must be contiguous starting at 1.
// Repeated Validate calls additionally verify file contents against the
// checksums recorded on the first call.
type Set struct {
	fs        fs.FS
	checksums map[string]string
}

// NewSet creates a Set over the given filesystem. Pass nil to use the
// embedded migrations.
func NewSet(filesystem fs.FS) *Set {
	if filesystem == nil {
		filesystem = embedded
	}

	return &Set{fs: filesystem, checksums: make(map[string]string)}
}

// FS returns the underlying migration filesystem, suitable for an iofs source.
func (s *Set) FS() fs.FS {
	return s.fs
}

// Files parses and returns all migration files sorted by sequence, up before down.
func (s *Set) Files() ([]Info, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		m := filenameRegex.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFilename, entry.Name())
		}

		seq, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFilename, entry.Name())
		}

		infos = append(infos, Info{
			Sequence:  seq,
			Name:      m[2],
			Direction: m[3],
			Filename:  entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Sequence != infos[j].Sequence {
			return infos[i].Sequence < infos[j].Sequence
		}

		return infos[i].Direction > infos[j].Direction // "up" sorts before "down"
	})

	return infos, nil
}

// Validate checks filename convention, up/down pairing and sequence
// contiguity. A broken migration set fails fast at startup instead of
// surfacing as a half-applied schema.
func (s *Set) Validate() error {
	infos, err := s.Files()
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		return ErrNoMigrations
	}

	ups := make(map[int]string)
	downs := make(map[int]string)

	for _, info := range infos {
		switch info.Direction {
		case "up":
			ups[info.Sequence] = info.Name
		case "down":
			downs[info.Sequence] = info.Name
		}
	}

	for seq, name := range ups {
		downName, ok := downs[seq]
		if !ok {
			return fmt.Errorf("%w: %03d_%s has no down migration", ErrUnpairedMigration, seq, name)
		}

		if downName != name {
			return fmt.Errorf("%w: sequence %03d pairs %q with %q", ErrUnpairedMigration, seq, name, downName)
		}
	}

	for seq := range downs {
		if _, ok := ups[seq]; !ok {
			return fmt.Errorf("%w: %03d has a down migration but no up", ErrUnpairedMigration, seq)
		}
	}

	for want := 1; want <= len(ups); want++ {
		if _, ok := ups[want]; !ok {
			return fmt.Errorf("%w: missing sequence %03d", ErrSequenceGap, want)
		}
	}

	return s.verifyChecksums(infos)
}

// verifyChecksums compares each file against the checksum recorded on the
// previous Validate call, then records the current ones. The first call only
// records; a later mismatch means a migration file changed under a running
// process.
func (s *Set) verifyChecksums(infos []Info) error {
	current := make(map[string]string, len(infos))

	for _, info := range infos {
		content, err := fs.ReadFile(s.fs, info.Filename)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", info.Filename, err)
		}

		current[info.Filename] = fmt.Sprintf("%x", sha256.Sum256(content))
	}

	for name, sum := range current {
		if stored, ok := s.checksums[name]; ok && stored != sum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
		}
	}

	s.checksums = current

	return nil
}
