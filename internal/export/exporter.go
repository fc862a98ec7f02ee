package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bminty/bminty/internal/storage"
)

var (
	// ErrNoMatchingStudies aborts an export whose study filter selects nothing.
	ErrNoMatchingStudies = errors.New("no studies match the filter")

	// ErrNoMatchingAssays aborts an export whose assay filter selects nothing.
	ErrNoMatchingAssays = errors.New("no assays match the filter")

	// ErrOutputPathEmpty is returned when no snapshot path is given.
	ErrOutputPathEmpty = errors.New("snapshot output path is empty")
)

// Snapshot describes a finished export.
type Snapshot struct {
	Path   string           `json:"path"`
	Counts map[string]int64 `json:"counts"`
}

// Exporter copies a filtered, referentially closed subset of the store into
// a fresh snapshot file.
//
// The engine attaches the source database read-only to the snapshot
// connection and copies with INSERT ... SELECT, so rows stream inside SQLite
// without surfacing in Go. Selection runs in stages: studies, then assays of
// those studies, then the signals of those assays narrowed by any interval,
// assembly or cell clauses, then the intervals, assemblies and cells the
// surviving signals reference. Every foreign key in the snapshot resolves
// within the snapshot.
type Exporter struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewExporter creates an exporter over the given source connection.
func NewExporter(conn *storage.Connection, logger *slog.Logger) (*Exporter, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Exporter{conn: conn, logger: logger}, nil
}

// snapshotTables lists every table a snapshot carries; schema creation and
// the result log follow this order.
var snapshotTables = []string{
	storage.TableStudy,
	storage.TablePipeline,
	storage.TableAssembly,
	storage.TableAssay,
	storage.TableInterval,
	storage.TableCell,
	storage.TableSignal,
}

// Export writes the filtered snapshot to outPath, replacing any existing
// file, and returns per-table row counts. A filter selecting no studies or
// no assays aborts with no file left behind.
func (e *Exporter) Export(ctx context.Context, filter *Filter, outPath string) (*Snapshot, error) {
	if outPath == "" {
		return nil, ErrOutputPathEmpty
	}

	if filter == nil {
		filter = &Filter{}
	}

	if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale snapshot: %w", err)
	}

	dest, err := sql.Open("sqlite", outPath)
	if err != nil {
		return nil, fmt.Errorf("create snapshot database: %w", err)
	}

	dest.SetMaxOpenConns(1)

	defer func() { _ = dest.Close() }()

	snapshot, err := e.export(ctx, dest, filter, outPath)
	if err != nil {
		_ = dest.Close()
		_ = os.Remove(outPath)

		return nil, err
	}

	return snapshot, nil
}

func (e *Exporter) export(ctx context.Context, dest *sql.DB, filter *Filter, outPath string) (*Snapshot, error) {
	// The snapshot is written once and handed off; durability during the
	// copy does not matter, a failed export is deleted.
	for _, pragma := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := dest.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	attach := fmt.Sprintf("ATTACH DATABASE 'file:%s?mode=ro' AS source", e.conn.Path())
	if _, err := dest.ExecContext(ctx, attach); err != nil {
		return nil, fmt.Errorf("attach source database: %w", err)
	}

	if err := e.copySchema(ctx, dest); err != nil {
		return nil, err
	}

	if err := e.buildIDTables(ctx, dest, filter); err != nil {
		return nil, err
	}

	counts, err := e.copyRows(ctx, dest, filter)
	if err != nil {
		return nil, err
	}

	if err := e.copyIndexes(ctx, dest); err != nil {
		return nil, err
	}

	if _, err := dest.ExecContext(ctx, "DETACH DATABASE source"); err != nil {
		return nil, fmt.Errorf("detach source database: %w", err)
	}

	e.logger.Info("snapshot written",
		slog.String("path", outPath),
		slog.Int64("studies", counts[storage.TableStudy]),
		slog.Int64("assays", counts[storage.TableAssay]),
		slog.Int64("intervals", counts[storage.TableInterval]),
		slog.Int64("cells", counts[storage.TableCell]),
		slog.Int64("signals", counts[storage.TableSignal]))

	return &Snapshot{Path: outPath, Counts: counts}, nil
}

// copySchema recreates the source's table DDL verbatim, so the snapshot's
// schema matches the source at its current migration level rather than
// whatever this binary was built against.
func (e *Exporter) copySchema(ctx context.Context, dest *sql.DB) error {
	for _, table := range snapshotTables {
		var ddl string

		err := dest.QueryRowContext(ctx,
			"SELECT sql FROM source.sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&ddl)
		if err != nil {
			return fmt.Errorf("read %s DDL: %w", table, err)
		}

		if _, err := dest.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create snapshot table %s: %w", table, err)
		}
	}

	return nil
}

// copyIndexes recreates the source's secondary indexes after the data is in
// place; building them last is cheaper than maintaining them per insert.
// Only indexes of the copied tables qualify: the source also carries
// bookkeeping tables (schema_migrations) the snapshot does not.
func (e *Exporter) copyIndexes(ctx context.Context, dest *sql.DB) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(snapshotTables)), ", ")

	args := make([]any, len(snapshotTables))
	for i, table := range snapshotTables {
		args[i] = table
	}

	rows, err := dest.QueryContext(ctx, fmt.Sprintf(
		`SELECT sql FROM source.sqlite_master
		 WHERE type = 'index' AND sql IS NOT NULL AND tbl_name IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("read index DDL: %w", err)
	}

	var ddls []string

	for rows.Next() {
		var ddl string

		if err := rows.Scan(&ddl); err != nil {
			_ = rows.Close()

			return fmt.Errorf("scan index DDL: %w", err)
		}

		ddls = append(ddls, ddl)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return fmt.Errorf("iterate index DDL: %w", err)
	}

	_ = rows.Close()

	for _, ddl := range ddls {
		if _, err := dest.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create snapshot index: %w", err)
		}
	}

	return nil
}

// buildIDTables materializes the id set of each filter stage into temp
// tables. The signal copy joins against them instead of re-evaluating
// predicates, and per-table ANALYZE gives the planner their cardinalities.
// The interval and cell tables are pure predicate sets and only exist when
// their clauses do; the attached source stays untouched.
func (e *Exporter) buildIDTables(ctx context.Context, dest *sql.DB, filter *Filter) error {
	studyWhere, studyArgs, err := Compile(filter.Studies, "study", "s")
	if err != nil {
		return err
	}

	if err := e.createIDTable(ctx, dest, "filtered_study_ids", fmt.Sprintf(
		`SELECT s.id AS id FROM source.study s WHERE %s`, studyWhere), studyArgs); err != nil {
		return err
	}

	empty, err := tableEmpty(ctx, dest, "filtered_study_ids")
	if err != nil {
		return err
	}

	if empty {
		return ErrNoMatchingStudies
	}

	assayWhere, assayArgs, err := Compile(filter.Assays, "assay", "a")
	if err != nil {
		return err
	}

	if err := e.createIDTable(ctx, dest, "filtered_assay_ids", fmt.Sprintf(
		`SELECT a.id AS id FROM source.assay a
		 JOIN filtered_study_ids fs ON fs.id = a.study_id
		 WHERE %s`, assayWhere), assayArgs); err != nil {
		return err
	}

	empty, err = tableEmpty(ctx, dest, "filtered_assay_ids")
	if err != nil {
		return err
	}

	if empty {
		return ErrNoMatchingAssays
	}

	if filter.Intervals != nil || filter.Assemblies != nil {
		intervalWhere, intervalArgs, err := Compile(filter.Intervals, "interval", "i")
		if err != nil {
			return err
		}

		assemblyWhere, assemblyArgs, err := Compile(filter.Assemblies, "assembly", "m")
		if err != nil {
			return err
		}

		// Assembly clauses constrain intervals through their assembly join.
		if err := e.createIDTable(ctx, dest, "filtered_interval_ids", fmt.Sprintf(
			`SELECT i.id AS id FROM source.interval i
			 LEFT JOIN source.assembly m ON m.id = i.assembly_id
			 WHERE %s AND %s`, intervalWhere, assemblyWhere),
			append(intervalArgs, assemblyArgs...)); err != nil {
			return err
		}
	}

	if filter.Cells != nil {
		cellWhere, cellArgs, err := Compile(filter.Cells, "cell", "c")
		if err != nil {
			return err
		}

		if err := e.createIDTable(ctx, dest, "filtered_cell_ids", fmt.Sprintf(
			`SELECT c.id AS id FROM source.cell c WHERE %s`, cellWhere), cellArgs); err != nil {
			return err
		}
	}

	return nil
}

func (e *Exporter) createIDTable(ctx context.Context, dest *sql.DB, name, selectSQL string, args []any) error {
	if _, err := dest.ExecContext(ctx,
		fmt.Sprintf("CREATE TEMP TABLE %s AS %s", name, selectSQL), args...); err != nil {
		return fmt.Errorf("select %s: %w", name, err)
	}

	// ANALYZE names the temp table explicitly; an unqualified ANALYZE would
	// try to write statistics into the read-only attached source.
	if _, err := dest.ExecContext(ctx, "ANALYZE "+name); err != nil {
		return fmt.Errorf("analyze %s: %w", name, err)
	}

	return nil
}

// copyRows copies signals first, restricted by the assay set and any
// interval/assembly/cell predicate tables, then derives every other table
// from rows already in the snapshot: intervals, assemblies and cells are
// exactly what the surviving signals reference, pipelines what the copied
// assays reference. A cell clause also drops signals without a cell
// reference, since a null reference cannot satisfy it.
func (e *Exporter) copyRows(ctx context.Context, dest *sql.DB, filter *Filter) (map[string]int64, error) {
	var signalConds []string

	if filter.Intervals != nil || filter.Assemblies != nil {
		signalConds = append(signalConds, "g.interval_id IN (SELECT id FROM filtered_interval_ids)")
	}

	if filter.Cells != nil {
		signalConds = append(signalConds, "g.cell_id IN (SELECT id FROM filtered_cell_ids)")
	}

	signalQuery := `INSERT INTO main.signal SELECT g.* FROM source.signal g
		 JOIN filtered_assay_ids fa ON fa.id = g.assay_id`

	if len(signalConds) > 0 {
		signalQuery += "\n\t\t WHERE " + strings.Join(signalConds, "\n\t\t   AND ")
	}

	copies := []struct {
		table string
		query string
	}{
		{storage.TableStudy,
			`INSERT INTO main.study SELECT s.* FROM source.study s
			 JOIN filtered_study_ids f ON f.id = s.id`},
		{storage.TableAssay,
			`INSERT INTO main.assay SELECT a.* FROM source.assay a
			 JOIN filtered_assay_ids f ON f.id = a.id`},
		{storage.TableSignal, signalQuery},
		{storage.TableInterval,
			`INSERT INTO main.interval SELECT i.* FROM source.interval i
			 WHERE i.id IN (SELECT DISTINCT interval_id FROM main.signal
			                WHERE interval_id IS NOT NULL)`},
		{storage.TableAssembly,
			`INSERT INTO main.assembly SELECT m.* FROM source.assembly m
			 WHERE m.id IN (SELECT DISTINCT assembly_id FROM main.interval
			                WHERE assembly_id IS NOT NULL)`},
		{storage.TableCell,
			`INSERT INTO main.cell SELECT c.* FROM source.cell c
			 WHERE c.id IN (SELECT DISTINCT cell_id FROM main.signal
			                WHERE cell_id IS NOT NULL)`},
		{storage.TablePipeline,
			`INSERT INTO main.pipeline SELECT p.* FROM source.pipeline p
			 WHERE p.id IN (SELECT DISTINCT pipeline_id FROM main.assay
			                WHERE pipeline_id IS NOT NULL)`},
	}

	counts := make(map[string]int64, len(copies))

	for _, c := range copies {
		result, err := dest.ExecContext(ctx, c.query)
		if err != nil {
			return nil, fmt.Errorf("copy %s rows: %w", c.table, err)
		}

		copied, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("count copied %s rows: %w", c.table, err)
		}

		counts[c.table] = copied
	}

	return counts, nil
}

func tableEmpty(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int64

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return false, fmt.Errorf("count %s: %w", table, err)
	}

	return n == 0, nil
}
