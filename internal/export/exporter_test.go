package export

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bminty/bminty/internal/storage"
	"github.com/bminty/bminty/migrations"
)

// newTestExporter builds a source store with two fully populated studies:
//
//	GSE100: assay 1 (pipeline 1), intervals 1-2 on hg38, cell 1,
//	        signals on both intervals (one without a cell),
//	        plus cell 3 with no signals at all
//	GSE200: assay 2 (pipeline 2), interval 3 on mm10, cell 2, one signal
func newTestExporter(t *testing.T) *Exporter {
	t.Helper()

	cfg := &storage.Config{
		Path:        filepath.Join(t.TempDir(), "source.sqlite3"),
		CachePages:  -2000,
		BusyTimeout: 5 * time.Second,
	}

	conn, err := storage.Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, migrations.Apply(conn.DB()))

	for _, stmt := range []string{
		`INSERT INTO study (id, external_id, name) VALUES
			(1, 'GSE100', 'brain study'), (2, 'GSE200', 'liver study')`,
		`INSERT INTO pipeline (id, name, external_url) VALUES
			(1, 'cellranger', 'https://example.org/a'),
			(2, 'spaceranger', 'https://example.org/b')`,
		`INSERT INTO assembly (id, name, version, species) VALUES
			(1, 'hg38', 'GRCh38', 'Homo sapiens'),
			(2, 'mm10', 'GRCm38', 'Mus musculus')`,
		`INSERT INTO assay (id, external_id, type, name, treatment, platform, tissue, study_id, pipeline_id) VALUES
			(1, 'GSM1', 'scRNA-seq', 'assay one', 'none', 'visium', 'brain', 1, 1),
			(2, 'GSM2', 'ATAC-seq', 'assay two', 'none', 'visium', 'liver', 2, 2)`,
		`INSERT INTO interval (id, external_id, chromosome, start, strand, type, assembly_id) VALUES
			(1, 'peak_1', 'chr1', 100, '+', 'peak', 1),
			(2, 'peak_2', 'chr2', 200, '-', 'peak', 1),
			(3, 'peak_3', 'chr1', 300, '+', 'peak', 2)`,
		`INSERT INTO cell (id, name, assay_id, type) VALUES
			(1, 'AAAC-1', 1, 'spot'), (2, 'AAAG-1', 2, 'spot'), (3, 'AAAT-1', 1, 'spot')`,
		`INSERT INTO signal (id, signal, assay_id, cell_id, interval_id) VALUES
			(1, 2.5, 1, 1, 1),
			(2, 1.5, 1, NULL, 2),
			(3, 3.5, 2, 2, 3)`,
	} {
		_, err := conn.DB().Exec(stmt)
		require.NoError(t, err)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	exporter, err := NewExporter(conn, logger)
	require.NoError(t, err)

	return exporter
}

func openSnapshot(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	db.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func snapshotCount(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()

	var n int64

	require.NoError(t, db.QueryRow(query, args...).Scan(&n))

	return n
}

func TestExportStudyFilterClosure(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	snapshot, err := exporter.Export(context.Background(), &Filter{
		Studies: Equals{Field: "external_id", Value: "GSE100"},
	}, outPath)
	require.NoError(t, err)

	assert.Equal(t, outPath, snapshot.Path)
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableStudy])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableAssay])
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableInterval])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableCell])
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableSignal])

	db := openSnapshot(t, outPath)

	// Completeness: everything signals of the kept assay reference is there.
	assert.Equal(t, int64(1), snapshotCount(t, db, "SELECT COUNT(*) FROM pipeline WHERE id = 1"))
	assert.Equal(t, int64(1), snapshotCount(t, db, "SELECT COUNT(*) FROM assembly WHERE name = 'hg38'"))

	// Minimality: nothing of the other study leaks in, and a cell no signal
	// references stays out even though its assay survives.
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM study WHERE external_id = 'GSE200'"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM pipeline WHERE id = 2"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM assembly WHERE name = 'mm10'"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM interval WHERE id = 3"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM cell WHERE id = 3"))

	// Every foreign key resolves inside the snapshot.
	rows, err := db.Query("PRAGMA foreign_key_check")
	require.NoError(t, err)

	defer func() { _ = rows.Close() }()

	assert.False(t, rows.Next(), "snapshot must be referentially closed")
	require.NoError(t, rows.Err())
}

func TestExportUnfilteredCopiesReferencedRows(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	snapshot, err := exporter.Export(context.Background(), nil, outPath)
	require.NoError(t, err)

	assert.Equal(t, int64(2), snapshot.Counts[storage.TableStudy])
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableAssay])
	assert.Equal(t, int64(3), snapshot.Counts[storage.TableInterval])
	assert.Equal(t, int64(3), snapshot.Counts[storage.TableSignal])
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableCell], "signal-less cells never export")
}

func TestExportIntervalFilterNarrowsSignals(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	snapshot, err := exporter.Export(context.Background(), &Filter{
		Studies:   Equals{Field: "external_id", Value: "GSE100"},
		Intervals: Equals{Field: "chromosome", Value: "chr1"},
	}, outPath)
	require.NoError(t, err)

	// Only interval 1 survives; the signal on interval 2 goes with it.
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableInterval])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableSignal])

	db := openSnapshot(t, outPath)
	assert.Equal(t, int64(1), snapshotCount(t, db, "SELECT COUNT(*) FROM interval WHERE id = 1"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM signal WHERE interval_id = 2"))
}

func TestExportSignalWithoutCellSurvives(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	_, err := exporter.Export(context.Background(), &Filter{
		Studies: Equals{Field: "external_id", Value: "GSE100"},
	}, outPath)
	require.NoError(t, err)

	db := openSnapshot(t, outPath)
	assert.Equal(t, int64(1),
		snapshotCount(t, db, "SELECT COUNT(*) FROM signal WHERE cell_id IS NULL"))
}

func TestExportCellFilterDropsNullCellSignals(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	snapshot, err := exporter.Export(context.Background(), &Filter{
		Studies: Equals{Field: "external_id", Value: "GSE100"},
		Cells:   Equals{Field: "name", Value: "AAAC-1"},
	}, outPath)
	require.NoError(t, err)

	// Only signal 1 carries the matching cell; signal 2 has no cell
	// reference and cannot satisfy a cell clause. Interval 2, referenced
	// only by the rejected signal, goes with it.
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableSignal])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableInterval])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableCell])

	db := openSnapshot(t, outPath)
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM signal WHERE cell_id IS NULL"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM interval WHERE id = 2"))
}

func TestExportAssemblyFilter(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	snapshot, err := exporter.Export(context.Background(), &Filter{
		Assemblies: Equals{Field: "name", Value: "hg38"},
	}, outPath)
	require.NoError(t, err)

	// The assembly clause narrows signals through their intervals: signal 3
	// sits on the mm10 interval and drops out with it.
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableSignal])
	assert.Equal(t, int64(2), snapshot.Counts[storage.TableInterval])
	assert.Equal(t, int64(1), snapshot.Counts[storage.TableAssembly])

	db := openSnapshot(t, outPath)
	assert.Equal(t, int64(1), snapshotCount(t, db, "SELECT COUNT(*) FROM assembly WHERE name = 'hg38'"))
	assert.Zero(t, snapshotCount(t, db, "SELECT COUNT(*) FROM assembly WHERE name = 'mm10'"))
}

func TestExportNoMatchingStudies(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	_, err := exporter.Export(context.Background(), &Filter{
		Studies: Equals{Field: "external_id", Value: "GSE999"},
	}, outPath)
	require.ErrorIs(t, err, ErrNoMatchingStudies)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "aborted exports must not leave a file behind")
}

func TestExportNoMatchingAssays(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	_, err := exporter.Export(context.Background(), &Filter{
		Studies: Equals{Field: "external_id", Value: "GSE100"},
		Assays:  Equals{Field: "type", Value: "ChIP-seq"},
	}, outPath)
	require.ErrorIs(t, err, ErrNoMatchingAssays)
}

func TestExportReplacesExistingSnapshot(t *testing.T) {
	exporter := newTestExporter(t)
	outPath := filepath.Join(t.TempDir(), "snapshot.sqlite3")

	require.NoError(t, os.WriteFile(outPath, []byte("stale"), 0o644))

	_, err := exporter.Export(context.Background(), nil, outPath)
	require.NoError(t, err)

	db := openSnapshot(t, outPath)
	assert.Equal(t, int64(2), snapshotCount(t, db, "SELECT COUNT(*) FROM study"))
}

func TestExportEmptyOutputPath(t *testing.T) {
	exporter := newTestExporter(t)

	_, err := exporter.Export(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrOutputPathEmpty)
}
