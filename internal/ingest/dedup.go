package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Deduplicator resolves incoming intervals against intervals already stored
// for the same assembly, keyed by external_id. Matched rows reuse the stored
// id instead of inserting a duplicate; signals referencing the matched row by
// file position are rewritten to the stored id.
type Deduplicator struct {
	assemblyID int64

	// existing maps external_id -> stored interval id for the assembly.
	existing map[string]int64

	// existingIDs is the id set of the indexed intervals, for reference
	// validation.
	existingIDs map[int64]struct{}

	// seen maps external_id -> id assigned earlier in this import, so a
	// repeated external id within one file resolves to its first occurrence.
	seen map[string]int64

	// rowID maps 0-based input row position -> resolved interval id. Signal
	// files reference intervals by 1-based row position.
	rowID []int64

	// insert flags which input rows create a new stored row.
	insert []bool

	deduplicated int64
}

// NewDeduplicator loads the external_id index of the assembly's stored
// intervals. The queryable q is typically the import transaction.
func NewDeduplicator(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, assemblyID int64,
) (*Deduplicator, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, external_id FROM interval WHERE assembly_id = ?", assemblyID)
	if err != nil {
		return nil, fmt.Errorf("load interval index for assembly %d: %w", assemblyID, err)
	}

	defer func() { _ = rows.Close() }()

	existing := make(map[string]int64)
	existingIDs := make(map[int64]struct{})

	for rows.Next() {
		var (
			id         int64
			externalID string
		)

		if err := rows.Scan(&id, &externalID); err != nil {
			return nil, fmt.Errorf("scan interval index for assembly %d: %w", assemblyID, err)
		}

		existingIDs[id] = struct{}{}

		key := strings.TrimSpace(externalID)
		if key == "" {
			continue
		}

		// Keep the lowest id per external id for deterministic resolution
		// when historical imports left duplicates behind.
		if prior, ok := existing[key]; !ok || id < prior {
			existing[key] = id
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interval index for assembly %d: %w", assemblyID, err)
	}

	return &Deduplicator{
		assemblyID:  assemblyID,
		existing:    existing,
		existingIDs: existingIDs,
		seen:        make(map[string]int64),
	}, nil
}

// KnownExistingID reports whether the id belongs to a stored interval of the
// assembly.
func (d *Deduplicator) KnownExistingID(id int64) bool {
	_, ok := d.existingIDs[id]

	return ok
}

// ExistingCount returns how many stored intervals were indexed.
func (d *Deduplicator) ExistingCount() int {
	return len(d.existing)
}

// Extend resolves one chunk of external ids, in input order, assigning new
// ids from the cursor for unmatched rows. First occurrence wins: a repeated
// external id, whether stored or earlier in the same import, resolves to the
// id of its first occurrence and does not insert again.
func (d *Deduplicator) Extend(externalIDs []string, cursor *Cursor) {
	for _, raw := range externalIDs {
		key := strings.TrimSpace(raw)

		if key != "" {
			if id, ok := d.existing[key]; ok {
				d.rowID = append(d.rowID, id)
				d.insert = append(d.insert, false)
				d.deduplicated++

				continue
			}

			if id, ok := d.seen[key]; ok {
				d.rowID = append(d.rowID, id)
				d.insert = append(d.insert, false)
				d.deduplicated++

				continue
			}
		}

		id := cursor.Next()

		if key != "" {
			d.seen[key] = id
		}

		d.rowID = append(d.rowID, id)
		d.insert = append(d.insert, true)
	}
}

// ShouldInsert reports whether the 0-based input row creates a new stored row.
func (d *Deduplicator) ShouldInsert(row int) bool {
	return d.insert[row]
}

// RowID returns the resolved id of the 0-based input row.
func (d *Deduplicator) RowID(row int) int64 {
	return d.rowID[row]
}

// Resolve rewrites a 1-based row-position reference to the resolved interval
// id. References outside the input's row range pass through unchanged; the
// caller decides whether such values are acceptable.
func (d *Deduplicator) Resolve(ref int64) int64 {
	if ref >= 1 && ref <= int64(len(d.rowID)) {
		return d.rowID[ref-1]
	}

	return ref
}

// Deduplicated returns how many input rows resolved to an already-known id.
func (d *Deduplicator) Deduplicated() int64 {
	return d.deduplicated
}

// InputRows returns how many input rows have been resolved.
func (d *Deduplicator) InputRows() int64 {
	return int64(len(d.rowID))
}
