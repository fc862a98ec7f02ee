package ingest

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bminty/bminty/internal/normalize"
	"github.com/bminty/bminty/internal/storage"
)

var (
	// ErrSignalColumnMissing is returned when a signal file carries no
	// recognizable value column.
	ErrSignalColumnMissing = errors.New("signal file has no signal value column")

	// ErrIntervalColumnMissing is returned when a signal file carries no
	// interval reference column.
	ErrIntervalColumnMissing = errors.New("signal file has no interval_id column")

	// ErrExternalIDColumnMissing is returned when interval deduplication is
	// requested but the interval file has no external_id column.
	ErrExternalIDColumnMissing = errors.New("interval file has no external_id column")
)

// signalValueAliases are accepted names for the signal value column, checked
// in order on the first chunk only. Later chunks of the same stream share the
// header, so the resolution never changes mid-file.
var signalValueAliases = []string{
	"signal", "value", "signal_value", "signalvalue", "score", "expression", "expr",
}

// nullableString returns a trimmed string or nil when empty.
func nullableString(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	return s
}

// field returns the trimmed value of a named column in a row, or "".
func field(chunk *Chunk, row []string, name string) string {
	for i, col := range chunk.Columns {
		if col == name {
			return strings.TrimSpace(row[i])
		}
	}

	return ""
}

// intervalTransformer turns raw interval rows into interval records.
//
// Two id regimes exist. Without deduplication, rows keep their declared id
// shifted by the allocation base (or get sequential ids when the file has
// none). With deduplication, ids come from the deduplicator, which resolves
// each row against stored intervals by external_id; matched rows produce no
// record.
type intervalTransformer struct {
	spec       *storage.TableSpec
	assemblyID int64
	base       int64
	cursor     *Cursor
	dedup      *Deduplicator
}

func (t *intervalTransformer) transform(chunk *Chunk) (*RecordBatch, error) {
	if t.dedup != nil && !chunk.HasColumn("external_id") {
		return nil, ErrExternalIDColumnMissing
	}

	batch := &RecordBatch{Spec: t.spec, Rows: make([][]any, 0, len(chunk.Rows))}

	var firstRow int

	if t.dedup != nil {
		externalIDs, _ := chunk.Column("external_id")

		firstRow = int(t.dedup.InputRows())
		t.dedup.Extend(externalIDs, t.cursor)
	}

	hasDeclaredID := chunk.HasColumn("id")

	for i, row := range chunk.Rows {
		if t.dedup != nil && !t.dedup.ShouldInsert(firstRow+i) {
			continue
		}

		var id int64

		switch {
		case t.dedup != nil:
			id = t.dedup.RowID(firstRow + i)
		case hasDeclaredID:
			if declared, ok := normalize.Int(field(chunk, row, "id")); ok {
				id = t.cursor.Claim(declared + t.base)
			} else {
				id = t.cursor.Next()
			}
		default:
			id = t.cursor.Next()
		}

		record := make([]any, len(t.spec.Columns))

		for col, name := range t.spec.Columns {
			switch name {
			case "id":
				record[col] = id
			case "external_id":
				record[col] = strings.TrimSpace(field(chunk, row, "external_id"))
			case "parental_id":
				if parental, ok := normalize.Int(field(chunk, row, "parental_id")); ok {
					record[col] = strconv.FormatInt(parental+t.base, 10)
				}
			case "start":
				start, ok := normalize.Int(field(chunk, row, "start"))
				if !ok {
					start = 0
				}

				record[col] = start
			case "end", "summit":
				if v, ok := normalize.Int(field(chunk, row, name)); ok {
					record[col] = v
				}
			case "assembly_id":
				record[col] = t.assemblyID
			case "type", "strand", "chromosome":
				// NOT NULL columns: absent values store as empty strings.
				record[col] = field(chunk, row, name)
			default:
				record[col] = nullableString(field(chunk, row, name))
			}
		}

		batch.Rows = append(batch.Rows, record)
	}

	return batch, nil
}

// cellTransformer turns raw cell rows into cell records. Declared ids are
// shifted by the allocation base so signal files can keep referencing cells
// by their file-local ids. Names map to resolved ids for the import result.
type cellTransformer struct {
	spec    *storage.TableSpec
	assayID int64
	base    int64
	cursor  *Cursor
	names   map[string]int64
}

func (t *cellTransformer) transform(chunk *Chunk) (*RecordBatch, error) {
	batch := &RecordBatch{Spec: t.spec, Rows: make([][]any, 0, len(chunk.Rows))}

	hasDeclaredID := chunk.HasColumn("id")

	for rowIdx, row := range chunk.Rows {
		var id int64

		if hasDeclaredID {
			if declared, ok := normalize.Int(field(chunk, row, "id")); ok {
				id = t.cursor.Claim(declared + t.base)
			} else {
				id = t.cursor.Next()
			}
		} else {
			id = t.cursor.Next()
		}

		name := field(chunk, row, "name")
		if name == "" {
			name = field(chunk, row, "label")
		}

		if name == "" {
			if hasDeclaredID {
				name = fmt.Sprintf("cell_%d", id-t.base)
			} else {
				name = fmt.Sprintf("cell_%d", int64(rowIdx)+chunk.StartRow+1)
			}
		}

		kind := field(chunk, row, "type")
		if kind == "" {
			kind = field(chunk, row, "kind")
		}

		if t.names != nil {
			t.names[name] = id
		}

		record := make([]any, len(t.spec.Columns))

		for col, colName := range t.spec.Columns {
			switch colName {
			case "id":
				record[col] = id
			case "name":
				record[col] = name
			case "x_coordinate":
				record[col] = coordinate(chunk, row, "x_coordinate", "x")
			case "y_coordinate":
				record[col] = coordinate(chunk, row, "y_coordinate", "y")
			case "z_coordinate":
				record[col] = coordinate(chunk, row, "z_coordinate", "z")
			case "assay_id":
				record[col] = t.assayID
			case "type":
				record[col] = normalize.CellKind(kind)
			case "label":
				record[col] = nullableString(field(chunk, row, "label"))
			default:
				record[col] = nullableString(field(chunk, row, colName))
			}
		}

		batch.Rows = append(batch.Rows, record)
	}

	return batch, nil
}

// coordinate reads a coordinate under its long or short column name.
func coordinate(chunk *Chunk, row []string, long, short string) any {
	raw := field(chunk, row, long)
	if raw == "" {
		raw = field(chunk, row, short)
	}

	if v, ok := normalize.Value(raw); ok {
		return v
	}

	return nil
}

// signalStats tallies what happened to the signal stream.
type signalStats struct {
	read        int64
	zero        int64
	nonZero     int64
	kept        int64
	droppedRefs int64
	droppedVals int64
}

// signalTransformer turns raw signal rows into signal records.
//
// The value column is resolved once, on the first chunk. Interval references
// are 1-based file ids, rewritten either through the deduplicator's
// row-position mapping or by the plain allocation offset. Rows whose value or
// interval reference cannot be parsed are dropped and tallied, never failed.
type signalTransformer struct {
	spec    *storage.TableSpec
	assayID int64
	cursor  *Cursor

	dedup        *Deduplicator
	intervalBase int64
	cellBase     int64

	omitZero      bool
	validInterval func(int64) bool
	validCell     func(int64) bool

	valueColumn string
	stats       signalStats
}

func (t *signalTransformer) transform(chunk *Chunk) (*RecordBatch, error) {
	if t.valueColumn == "" {
		for _, alias := range signalValueAliases {
			if chunk.HasColumn(alias) {
				t.valueColumn = alias

				break
			}
		}

		if t.valueColumn == "" {
			return nil, fmt.Errorf("%w: columns %v", ErrSignalColumnMissing, chunk.Columns)
		}

		if !chunk.HasColumn("interval_id") {
			return nil, fmt.Errorf("%w: columns %v", ErrIntervalColumnMissing, chunk.Columns)
		}
	}

	rawValues, _ := chunk.Column(t.valueColumn)
	values, _ := normalize.Column(rawValues)

	pValues := optionalColumn(chunk, "p_value")
	padjValues := optionalColumn(chunk, "padj_value")

	hasCellRef := chunk.HasColumn("cell_id")

	batch := &RecordBatch{Spec: t.spec, Rows: make([][]any, 0, len(chunk.Rows))}

	for i, row := range chunk.Rows {
		t.stats.read++

		value := values[i]
		if !value.Valid {
			t.stats.droppedVals++

			continue
		}

		if value.Float64 == 0 {
			t.stats.zero++

			if t.omitZero {
				continue
			}
		} else {
			t.stats.nonZero++
		}

		rawRef, ok := normalize.Int(field(chunk, row, "interval_id"))
		if !ok {
			t.stats.droppedRefs++

			continue
		}

		var intervalID int64
		if t.dedup != nil {
			intervalID = t.dedup.Resolve(rawRef)
		} else {
			intervalID = rawRef + t.intervalBase
		}

		if t.validInterval != nil && !t.validInterval(intervalID) {
			return nil, fmt.Errorf("signal row %d references unknown interval %d",
				chunk.StartRow+int64(i)+1, intervalID)
		}

		var cellID any

		if hasCellRef {
			if rawCell, ok := normalize.Int(field(chunk, row, "cell_id")); ok {
				resolved := rawCell + t.cellBase

				if t.validCell != nil && !t.validCell(resolved) {
					return nil, fmt.Errorf("signal row %d references unknown cell %d",
						chunk.StartRow+int64(i)+1, resolved)
				}

				cellID = resolved
			}
		}

		record := make([]any, len(t.spec.Columns))

		for col, name := range t.spec.Columns {
			switch name {
			case "id":
				record[col] = t.cursor.Next()
			case "signal":
				record[col] = value.Float64
			case "p_value":
				if pValues != nil && pValues[i].Valid {
					record[col] = pValues[i].Float64
				}
			case "padj_value":
				if padjValues != nil && padjValues[i].Valid {
					record[col] = padjValues[i].Float64
				}
			case "assay_id":
				record[col] = t.assayID
			case "cell_id":
				record[col] = cellID
			case "interval_id":
				record[col] = intervalID
			}
		}

		batch.Rows = append(batch.Rows, record)
		t.stats.kept++
	}

	return batch, nil
}

// optionalColumn normalizes a column when present, nil otherwise.
func optionalColumn(chunk *Chunk, name string) []sql.NullFloat64 {
	raw, ok := chunk.Column(name)
	if !ok {
		return nil
	}

	values, _ := normalize.Column(raw)

	return values
}
