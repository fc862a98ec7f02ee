package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bminty/bminty/internal/progress"
	"github.com/bminty/bminty/internal/storage"
	"github.com/bminty/bminty/migrations"
)

func newTestImporter(t *testing.T) (*Importer, *storage.Connection) {
	t.Helper()

	cfg := &storage.Config{
		Path:        filepath.Join(t.TempDir(), "import_test.sqlite3"),
		CachePages:  -2000,
		BusyTimeout: 5 * time.Second,
	}

	conn, err := storage.Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, migrations.Apply(conn.DB()))

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	importer, err := NewImporter(conn, logger)
	require.NoError(t, err)

	return importer, conn
}

// seedCatalog inserts the assembly, study, pipeline and assay rows every
// import needs. Assembly id 1 ("hg38"), assay id 1.
func seedCatalog(t *testing.T, conn *storage.Connection) {
	t.Helper()

	db := conn.DB()

	for _, stmt := range []string{
		`INSERT INTO study (id, external_id, name) VALUES (1, 'GSE0001', 'test study')`,
		`INSERT INTO pipeline (id, name, external_url) VALUES (1, 'cellranger', 'https://example.org')`,
		`INSERT INTO assembly (id, name, version, species) VALUES (1, 'hg38', 'GRCh38', 'Homo sapiens')`,
		`INSERT INTO assay (id, external_id, type, name, treatment, platform, study_id, pipeline_id)
		 VALUES (1, 'GSM0001', 'scRNA-seq', 'test assay', 'none', 'visium', 1, 1)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, conn *storage.Connection, table string) int64 {
	t.Helper()

	var n int64

	require.NoError(t, conn.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))

	return n
}

const (
	intervalsCSV = "id,external_id,chromosome,start,end,strand,type\n" +
		"1,peak_1,chr1,100,200,+,peak\n" +
		"2,peak_2,chr1,300,400,-,peak\n" +
		"3,peak_3,chr2,500,600,+,peak\n"

	cellsCSV = "id,name,x,y,type\n" +
		"1,AAAC-1,10.5,20.5,spot\n" +
		"2,AAAG-1,11.5,21.5,spot\n"

	signalsCSV = "interval_id,cell_id,signal\n" +
		"1,1,2.5\n" +
		"2,1,0\n" +
		"3,2,1.25\n"
)

func TestImportBasic(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	var events []progress.Event

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Cells:      strings.NewReader(cellsCSV),
		Signals:    strings.NewReader(signalsCSV),
		AssemblyID: 1,
		AssayID:    1,
		Sink:       progress.Func(func(e progress.Event) { events = append(events, e) }),
	})

	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(3), result.Counts.Intervals)
	assert.Equal(t, int64(2), result.Counts.Cells)
	assert.Equal(t, int64(3), result.Counts.Signals)
	assert.Equal(t, int64(1), result.Counts.ZeroSignals)
	assert.Equal(t, int64(2), result.Counts.NonZeroSignals)
	assert.Equal(t, map[string]int64{"AAAC-1": 1, "AAAG-1": 2}, result.CellNames)

	assert.Equal(t, int64(3), countRows(t, conn, "interval"))
	assert.Equal(t, int64(2), countRows(t, conn, "cell"))
	assert.Equal(t, int64(3), countRows(t, conn, "signal"))

	// On an empty store, declared file ids map 1:1 onto stored ids.
	var chromosome string
	require.NoError(t, conn.DB().QueryRow(
		"SELECT chromosome FROM interval WHERE id = 3").Scan(&chromosome))
	assert.Equal(t, "chr2", chromosome)

	var intervalID, cellID int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT interval_id, cell_id FROM signal WHERE signal = 1.25").Scan(&intervalID, &cellID))
	assert.Equal(t, int64(3), intervalID)
	assert.Equal(t, int64(2), cellID)

	// Denormalized assay counters.
	var intervalCount, nonZero, zero, cellTotal int64
	var assemblies string
	require.NoError(t, conn.DB().QueryRow(
		`SELECT interval_count, signal_nonzero, signal_zero, cell_total, assemblies
		 FROM assay WHERE id = 1`).Scan(&intervalCount, &nonZero, &zero, &cellTotal, &assemblies))
	assert.Equal(t, int64(3), intervalCount)
	assert.Equal(t, int64(2), nonZero)
	assert.Equal(t, int64(1), zero)
	assert.Equal(t, int64(2), cellTotal)
	assert.Equal(t, "hg38", assemblies)

	// Phase transitions reach the sink in order.
	var phases []string
	for _, e := range events {
		if len(phases) == 0 || phases[len(phases)-1] != e.Phase {
			phases = append(phases, e.Phase)
		}
	}
	assert.Equal(t, []string{"setup", "intervals", "cells", "signals", "finalize"}, phases)
}

func TestImportShiftsIDsAboveExistingRows(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	_, err := conn.DB().Exec(`INSERT INTO interval
		(id, external_id, chromosome, start, strand, type, assembly_id)
		VALUES (100, 'old_peak', 'chr9', 1, '+', 'peak', 1)`)
	require.NoError(t, err)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n1,3.5\n"),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	// Declared id 1 lands at 101; the signal referencing file id 1 follows.
	var externalID string
	require.NoError(t, conn.DB().QueryRow(
		"SELECT external_id FROM interval WHERE id = 101").Scan(&externalID))
	assert.Equal(t, "peak_1", externalID)

	var intervalID int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT interval_id FROM signal WHERE signal = 3.5").Scan(&intervalID))
	assert.Equal(t, int64(101), intervalID)

	// The pre-existing row is untouched.
	require.NoError(t, conn.DB().QueryRow(
		"SELECT external_id FROM interval WHERE id = 100").Scan(&externalID))
	assert.Equal(t, "old_peak", externalID)
}

func TestImportOmitZeroSignalsPrunesOrphans(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	// Interval 2 and cell 2 are referenced only by zero signals.
	signals := "interval_id,cell_id,signal\n" +
		"1,1,2.5\n" +
		"2,2,0\n" +
		"3,1,1.25\n"

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Cells:      strings.NewReader(cellsCSV),
		Signals:    strings.NewReader(signals),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{OmitZeroSignals: true},
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(2), result.Counts.Signals, "zero rows are not stored")
	assert.Equal(t, int64(1), result.Counts.OrphanIntervals)
	assert.Equal(t, int64(1), result.Counts.OrphanCells)
	assert.Equal(t, int64(2), result.Counts.Intervals)
	assert.Equal(t, int64(1), result.Counts.Cells)

	assert.Equal(t, int64(2), countRows(t, conn, "interval"))
	assert.Equal(t, int64(1), countRows(t, conn, "cell"))

	var n int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(*) FROM interval WHERE id = 2").Scan(&n))
	assert.Zero(t, n, "unreferenced interval of this import must be pruned")
}

func TestImportOmitZeroKeepsForeignOrphans(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	// A row from an earlier import with no referencing signal at all.
	_, err := conn.DB().Exec(`INSERT INTO interval
		(id, external_id, chromosome, start, strand, type, assembly_id)
		VALUES (50, 'legacy', 'chrX', 1, '+', 'peak', 1)`)
	require.NoError(t, err)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n1,1\n2,1\n3,1\n"),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{OmitZeroSignals: true},
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	var n int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(*) FROM interval WHERE id = 50").Scan(&n))
	assert.Equal(t, int64(1), n, "pruning must never touch rows outside the import's id range")
}

func TestImportDeduplicatesIntervals(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	_, err := conn.DB().Exec(`INSERT INTO interval
		(id, external_id, chromosome, start, strand, type, assembly_id)
		VALUES (7, 'peak_1', 'chr1', 100, '+', 'peak', 1)`)
	require.NoError(t, err)

	// File rows 1..3; row 1 matches the stored interval by external id.
	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n1,2.5\n2,1.5\n"),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{DeduplicateIntervals: true},
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(2), result.Counts.Intervals, "matched row must not insert")
	assert.Equal(t, int64(1), result.Counts.DeduplicatedIntervals)
	assert.Equal(t, int64(3), result.Counts.OriginalIntervalCount)
	assert.Equal(t, int64(3), countRows(t, conn, "interval"))

	// The signal referencing file row 1 is rewritten to the stored id 7;
	// file row 2 maps to the first newly allocated id (8).
	var intervalID int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT interval_id FROM signal WHERE signal = 2.5").Scan(&intervalID))
	assert.Equal(t, int64(7), intervalID)

	require.NoError(t, conn.DB().QueryRow(
		"SELECT interval_id FROM signal WHERE signal = 1.5").Scan(&intervalID))
	assert.Equal(t, int64(8), intervalID)
}

func TestImportDeduplicatesWithinFile(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	intervals := "external_id,chromosome,start,strand,type\n" +
		"peak_a,chr1,100,+,peak\n" +
		"peak_a,chr1,100,+,peak\n"

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervals),
		Signals:    strings.NewReader("interval_id,signal\n1,1.0\n2,2.0\n"),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{DeduplicateIntervals: true},
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(1), result.Counts.Intervals, "first occurrence wins")
	assert.Equal(t, int64(1), result.Counts.DeduplicatedIntervals)

	// Both signals resolve to the single stored interval.
	var distinct int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(DISTINCT interval_id) FROM signal").Scan(&distinct))
	assert.Equal(t, int64(1), distinct)
}

func TestImportValidateSignalRefsFailsAtomically(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n99,1.0\n"),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{ValidateSignalRefs: true},
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown interval")

	// Nothing from the failed import may remain.
	assert.Zero(t, countRows(t, conn, "interval"))
	assert.Zero(t, countRows(t, conn, "signal"))

	var intervalCount *int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT interval_count FROM assay WHERE id = 1").Scan(&intervalCount))
	assert.Nil(t, intervalCount, "assay counters must not move on failure")
}

func TestImportValidateRefsAcceptsImportedRows(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	// Files with declared ids must still validate: every id the import
	// assigned, declared or sequential, counts as known.
	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Cells:      strings.NewReader(cellsCSV),
		Signals:    strings.NewReader(signalsCSV),
		AssemblyID: 1,
		AssayID:    1,
		Options:    Options{ValidateSignalRefs: true},
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(3), result.Counts.Signals)
	assert.Equal(t, int64(3), countRows(t, conn, "signal"))
}

func TestImportMixedDeclaredIDsDoNotCollide(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	// Row 2 has no parseable id and draws from the sequence, which must
	// skip past the id row 1 declared.
	intervals := "id,external_id,chromosome,start,strand,type\n" +
		"1,peak_a,chr1,100,+,peak\n" +
		"x,peak_b,chr1,200,+,peak\n"

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervals),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(2), countRows(t, conn, "interval"))

	var distinct int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(DISTINCT id) FROM interval").Scan(&distinct))
	assert.Equal(t, int64(2), distinct)
}

func TestImportWithoutValidationKeepsStrayRefs(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n1,1.0\nnot_a_number,2.0\n"),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	// The unparseable reference drops its row; the rest of the file lands.
	assert.Equal(t, int64(1), result.Counts.Signals)
}

func TestImportSignalValueColumnAliases(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,score\n1,4.5\n"),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	var signal float64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT signal FROM signal WHERE interval_id = 1").Scan(&signal))
	assert.Equal(t, 4.5, signal)
}

func TestImportSignalColumnMissing(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,unrelated\n1,4.5\n"),
		AssemblyID: 1,
		AssayID:    1,
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "no signal value column")
	assert.Zero(t, countRows(t, conn, "interval"), "failure rolls back every phase")
}

func TestImportEuropeanDecimals(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Signals:    strings.NewReader("interval_id,signal\n1,\"1.234,5\"\n2,NA\n"),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	assert.Equal(t, int64(1), result.Counts.Signals, "missing values drop their rows")

	var signal float64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT signal FROM signal WHERE interval_id = 1").Scan(&signal))
	assert.Equal(t, 1234.5, signal)
}

func TestImportAssemblyNotFound(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		AssemblyID: 42,
		AssayID:    1,
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "assembly not found")
	assert.Zero(t, countRows(t, conn, "interval"))
}

func TestImportRequiresIntervals(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	result := importer.Run(context.Background(), Request{
		AssemblyID: 1,
		AssayID:    1,
	})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "intervals input is required")
	assert.Zero(t, countRows(t, conn, "interval"))
}

func TestImportIdempotentReRun(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	for i := 0; i < 2; i++ {
		result := importer.Run(context.Background(), Request{
			Intervals:  strings.NewReader(intervalsCSV),
			Cells:      strings.NewReader(cellsCSV),
			Signals:    strings.NewReader(signalsCSV),
			AssemblyID: 1,
			AssayID:    1,
		})
		require.True(t, result.Success, "import failed: %s", result.Error)
	}

	// Two imports of the same files coexist in disjoint id ranges.
	assert.Equal(t, int64(6), countRows(t, conn, "interval"))
	assert.Equal(t, int64(4), countRows(t, conn, "cell"))
	assert.Equal(t, int64(6), countRows(t, conn, "signal"))

	// The second import's signals reference the second import's intervals.
	var n int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(*) FROM signal WHERE interval_id > 3").Scan(&n))
	assert.Equal(t, int64(3), n)
}

func TestImportIdempotentReImport(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	var last Result

	for i := 0; i < 2; i++ {
		last = importer.Run(context.Background(), Request{
			Intervals:  strings.NewReader(intervalsCSV),
			AssemblyID: 1,
			AssayID:    1,
			Options:    Options{DeduplicateIntervals: true},
		})
		require.True(t, last.Success, "import failed: %s", last.Error)
	}

	// The second pass matches every external id and inserts nothing.
	assert.Equal(t, int64(3), countRows(t, conn, "interval"))
	assert.Zero(t, last.Counts.Intervals)
	assert.Equal(t, int64(3), last.Counts.DeduplicatedIntervals)

	var distinct int64
	require.NoError(t, conn.DB().QueryRow(
		"SELECT COUNT(DISTINCT external_id) FROM interval").Scan(&distinct))
	assert.Equal(t, int64(3), distinct)
}

func TestImportCellKindNormalization(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	cells := "id,name,type\n" +
		"1,c1,Single Cell\n" +
		"2,c2,SRT\n" +
		"3,c3,\n"

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Cells:      strings.NewReader(cells),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	kinds := map[string]string{}

	rows, err := conn.DB().Query("SELECT name, type FROM cell")
	require.NoError(t, err)

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, kind string
		require.NoError(t, rows.Scan(&name, &kind))
		kinds[name] = kind
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, map[string]string{"c1": "cell", "c2": "spot", "c3": "spot"}, kinds)
}

func TestImportCellNameFallback(t *testing.T) {
	importer, conn := newTestImporter(t)
	seedCatalog(t, conn)

	cells := "id,label\n1,barcode_x\n2,\n"

	result := importer.Run(context.Background(), Request{
		Intervals:  strings.NewReader(intervalsCSV),
		Cells:      strings.NewReader(cells),
		AssemblyID: 1,
		AssayID:    1,
	})
	require.True(t, result.Success, "import failed: %s", result.Error)

	var name string
	require.NoError(t, conn.DB().QueryRow(
		"SELECT name FROM cell WHERE id = 1").Scan(&name))
	assert.Equal(t, "barcode_x", name, "label stands in for a missing name")

	require.NoError(t, conn.DB().QueryRow(
		"SELECT name FROM cell WHERE id = 2").Scan(&name))
	assert.Equal(t, "cell_2", name, "rows with neither name nor label get a synthetic one")
}
