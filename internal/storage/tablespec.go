package storage

import (
	"context"
	"fmt"
	"strings"
)

// MaxBoundParams is the safe ceiling on bound parameters per statement.
// SQLite's historical limit is 999; staying below it with margin keeps the
// batch sizing valid across driver versions.
const MaxBoundParams = 900

// Table names of the bminty schema. Bulk operations validate table names
// against this set before interpolating them into SQL.
const (
	TableStudy    = "study"
	TablePipeline = "pipeline"
	TableAssembly = "assembly"
	TableAssay    = "assay"
	TableInterval = "interval"
	TableCell     = "cell"
	TableSignal   = "signal"
)

var knownTables = map[string]struct{}{
	TableStudy:    {},
	TablePipeline: {},
	TableAssembly: {},
	TableAssay:    {},
	TableInterval: {},
	TableCell:     {},
	TableSignal:   {},
}

// TableSpec binds a destination table to its physical column order.
//
// Bulk inserts send positional values; a spec read from the live schema (not
// hand-maintained literals) guarantees the projection matches the table
// layout even if a migration reorders or adds columns.
type TableSpec struct {
	Name    string
	Columns []string
}

// Spec validates that the table exists in the schema registry.
func Spec(table string) (string, error) {
	if _, ok := knownTables[table]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	return table, nil
}

// TableSpec reads the physical column order of a table from the live schema
// via PRAGMA table_info.
func (c *Connection) TableSpec(ctx context.Context, table string) (*TableSpec, error) {
	if _, err := Spec(table); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("read table_info of %s: %w", table, err)
	}

	defer func() { _ = rows.Close() }()

	var columns []string

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)

		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info of %s: %w", table, err)
		}

		columns = append(columns, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table_info of %s: %w", table, err)
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s has no columns", ErrUnknownTable, table)
	}

	return &TableSpec{Name: table, Columns: columns}, nil
}

// RowsPerInsert returns how many rows fit in one multi-row INSERT without
// exceeding the bound-parameter ceiling.
func (s *TableSpec) RowsPerInsert() int {
	n := MaxBoundParams / len(s.Columns)
	if n < 1 {
		n = 1
	}

	return n
}

// InsertSQL builds a multi-row INSERT statement for rowCount rows with the
// spec's explicit column list.
func (s *TableSpec) InsertSQL(rowCount int) string {
	placeholder := "(" + strings.Repeat("?, ", len(s.Columns)-1) + "?)"

	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(s.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(s.Columns, ", "))
	b.WriteString(") VALUES ")

	for i := 0; i < rowCount; i++ {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(placeholder)
	}

	return b.String()
}

// ColumnIndex returns the position of a column in the spec, or -1.
func (s *TableSpec) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c == name {
			return i
		}
	}

	return -1
}
