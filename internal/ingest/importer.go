package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bminty/bminty/internal/config"
	"github.com/bminty/bminty/internal/progress"
	"github.com/bminty/bminty/internal/storage"
)

var (
	// ErrAssemblyNotFound is returned when the target assembly does not exist.
	ErrAssemblyNotFound = errors.New("assembly not found")

	// ErrAssayNotFound is returned when the target assay does not exist.
	ErrAssayNotFound = errors.New("assay not found")

	// ErrIntervalsRequired is returned when no interval input is provided.
	ErrIntervalsRequired = errors.New("intervals input is required")
)

const totalSteps = 5

// Options control optional pipeline behavior.
type Options struct {
	// OmitZeroSignals drops zero-valued signal rows and prunes intervals and
	// cells of this import that end up unreferenced.
	OmitZeroSignals bool

	// DeduplicateIntervals resolves incoming intervals against stored
	// intervals of the same assembly by external_id.
	DeduplicateIntervals bool

	// ValidateSignalRefs fails the import when a signal references an
	// interval or cell unknown to it. Off by default: upstream exports
	// routinely carry a handful of stray references, and a dropped row is
	// cheaper than a failed multi-hour import.
	ValidateSignalRefs bool

	// ChunkSize overrides the rows-per-chunk bound. Zero reads
	// BULK_IMPORT_CHUNK, falling back to DefaultChunkSize.
	ChunkSize int
}

// Request describes one bulk import: the three input streams and their
// destination assembly and assay.
type Request struct {
	Intervals io.Reader
	Cells     io.Reader
	Signals   io.Reader

	AssemblyID int64
	AssayID    int64

	Options Options

	// Sink receives progress events. Nil means no reporting.
	Sink progress.Sink
}

// Counts summarizes what one import did.
type Counts struct {
	Intervals             int64 `json:"intervals"`
	Cells                 int64 `json:"cells"`
	Signals               int64 `json:"signals"`
	ZeroSignals           int64 `json:"zero_signals"`
	NonZeroSignals        int64 `json:"non_zero_signals"`
	DeduplicatedIntervals int64 `json:"deduplicated_intervals"`
	OriginalIntervalCount int64 `json:"original_interval_count"`
	OrphanIntervals       int64 `json:"orphan_intervals_filtered"`
	OrphanCells           int64 `json:"orphan_cells_filtered"`
}

// Result is the outcome of one import.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Counts  Counts `json:"counts"`
	Error   string `json:"error,omitempty"`

	// CellNames maps imported cell names to their stored ids, for callers
	// that post-process per-cell data.
	CellNames map[string]int64 `json:"cell_names,omitempty"`
}

// Importer runs the bulk pipeline. The whole import is one transaction:
// either every phase lands or the store is untouched.
type Importer struct {
	conn   *storage.Connection
	loader *Loader
	logger *slog.Logger
}

// NewImporter creates an importer over the given connection.
func NewImporter(conn *storage.Connection, logger *slog.Logger) (*Importer, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Importer{
		conn:   conn,
		loader: NewLoader(logger),
		logger: logger,
	}, nil
}

// Run executes the import and reports the outcome. It returns a failed
// Result instead of an error so callers recording job status never have to
// distinguish panic, validation and storage failures; the distinction lives
// in the Error text and the logs.
func (imp *Importer) Run(ctx context.Context, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			imp.logger.Error("import panicked", slog.Any("panic", r))

			result = Result{Error: fmt.Sprintf("import panicked: %v", r)}
		}
	}()

	counts, cellNames, err := imp.run(ctx, req)

	result.Counts = counts

	if err != nil {
		imp.logger.Error("import failed",
			slog.Int64("assemblyId", req.AssemblyID),
			slog.Int64("assayId", req.AssayID),
			slog.String("error", err.Error()))

		result.Error = err.Error()

		return result
	}

	result.Success = true
	result.CellNames = cellNames
	result.Message = fmt.Sprintf("imported %d intervals, %d cells, %d signals",
		counts.Intervals, counts.Cells, counts.Signals)

	return result
}

func (imp *Importer) run(ctx context.Context, req Request) (Counts, map[string]int64, error) {
	var counts Counts

	if req.Intervals == nil {
		return counts, nil, ErrIntervalsRequired
	}

	sink := req.Sink
	if sink == nil {
		sink = progress.Nop{}
	}

	chunkSize := req.Options.ChunkSize
	if chunkSize <= 0 {
		chunkSize = config.GetEnvInt("BULK_IMPORT_CHUNK", DefaultChunkSize)
	}

	sink.Report(progress.Event{
		Phase: "setup", Step: 1, StepName: "Preparing Import", TotalSteps: totalSteps,
	})

	// Schema metadata and id bases are read outside the transaction: the
	// connection pool is pinned to one connection, so a db-level query while
	// the transaction holds it would deadlock. Single-writer operation makes
	// the pre-transaction reads consistent.
	setup, err := imp.prepare(ctx, req)
	if err != nil {
		return counts, nil, err
	}

	tx, err := imp.conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return counts, nil, fmt.Errorf("begin import transaction: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var dedup *Deduplicator

	if req.Options.DeduplicateIntervals {
		dedup, err = NewDeduplicator(ctx, tx, req.AssemblyID)
		if err != nil {
			return counts, nil, err
		}

		imp.logger.Info("interval deduplication enabled",
			slog.Int64("assemblyId", req.AssemblyID),
			slog.Int("existingIntervals", dedup.ExistingCount()))
	}

	if err := imp.loadIntervals(ctx, tx, req, setup, dedup, chunkSize, sink, &counts); err != nil {
		return counts, nil, err
	}

	cellNames, err := imp.loadCells(ctx, tx, req, setup, chunkSize, sink, &counts)
	if err != nil {
		return counts, nil, err
	}

	signalStats, err := imp.loadSignals(ctx, tx, req, setup, dedup, chunkSize, sink, &counts)
	if err != nil {
		return counts, nil, err
	}

	if err := imp.finalize(ctx, tx, req, setup, signalStats, sink, &counts); err != nil {
		return counts, nil, err
	}

	if err := tx.Commit(); err != nil {
		return counts, nil, fmt.Errorf("commit import transaction: %w", err)
	}

	committed = true

	imp.logger.Info("import committed",
		slog.Int64("assemblyId", req.AssemblyID),
		slog.Int64("assayId", req.AssayID),
		slog.Int64("intervals", counts.Intervals),
		slog.Int64("cells", counts.Cells),
		slog.Int64("signals", counts.Signals))

	return counts, cellNames, nil
}

// setupState carries the per-import schema and id allocation state.
type setupState struct {
	intervalSpec *storage.TableSpec
	cellSpec     *storage.TableSpec
	signalSpec   *storage.TableSpec

	intervalBase int64
	cellBase     int64
	signalBase   int64

	intervalCursor *Cursor
	cellCursor     *Cursor
	signalCursor   *Cursor

	assemblyName string
}

func (imp *Importer) prepare(ctx context.Context, req Request) (*setupState, error) {
	ok, err := imp.conn.RowExists(ctx, storage.TableAssembly, req.AssemblyID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrAssemblyNotFound, req.AssemblyID)
	}

	ok, err = imp.conn.RowExists(ctx, storage.TableAssay, req.AssayID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrAssayNotFound, req.AssayID)
	}

	setup := &setupState{}

	if err := imp.conn.DB().QueryRowContext(ctx,
		"SELECT name FROM assembly WHERE id = ?", req.AssemblyID,
	).Scan(&setup.assemblyName); err != nil {
		return nil, fmt.Errorf("read assembly %d name: %w", req.AssemblyID, err)
	}

	alloc, err := NewAllocator(imp.conn)
	if err != nil {
		return nil, err
	}

	for _, load := range []struct {
		table string
		spec  **storage.TableSpec
		base  *int64
	}{
		{storage.TableInterval, &setup.intervalSpec, &setup.intervalBase},
		{storage.TableCell, &setup.cellSpec, &setup.cellBase},
		{storage.TableSignal, &setup.signalSpec, &setup.signalBase},
	} {
		spec, err := imp.conn.TableSpec(ctx, load.table)
		if err != nil {
			return nil, err
		}

		*load.spec = spec

		base, err := alloc.Base(ctx, load.table)
		if err != nil {
			return nil, err
		}

		*load.base = base
	}

	setup.intervalCursor = NewCursor(setup.intervalBase)
	setup.cellCursor = NewCursor(setup.cellBase)
	setup.signalCursor = NewCursor(setup.signalBase)

	return setup, nil
}

func (imp *Importer) loadIntervals(
	ctx context.Context,
	tx *sql.Tx,
	req Request,
	setup *setupState,
	dedup *Deduplicator,
	chunkSize int,
	sink progress.Sink,
	counts *Counts,
) error {
	sink.Report(progress.Event{
		Phase: "intervals", Step: 2, StepName: "Loading Intervals", TotalSteps: totalSteps,
	})

	reader, err := NewChunkReader(req.Intervals, chunkSize)
	if err != nil {
		return fmt.Errorf("open intervals input: %w", err)
	}

	transformer := &intervalTransformer{
		spec:       setup.intervalSpec,
		assemblyID: req.AssemblyID,
		base:       setup.intervalBase,
		cursor:     setup.intervalCursor,
		dedup:      dedup,
	}

	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("read intervals: %w", err)
		}

		batch, err := transformer.transform(chunk)
		if err != nil {
			return err
		}

		written, err := imp.loader.Load(ctx, tx, batch)
		if err != nil {
			return err
		}

		counts.Intervals += written

		if chunk.Index%progressEveryChunks == 0 {
			sink.Report(progress.Event{
				Phase: "intervals", Step: 2, StepName: "Loading Intervals",
				TotalSteps: totalSteps, Processed: reader.RowsRead(),
				Message: fmt.Sprintf("chunk %d", chunk.Index+1),
			})
		}
	}

	counts.OriginalIntervalCount = reader.RowsRead()

	if dedup != nil {
		counts.DeduplicatedIntervals = dedup.Deduplicated()
	}

	return nil
}

func (imp *Importer) loadCells(
	ctx context.Context,
	tx *sql.Tx,
	req Request,
	setup *setupState,
	chunkSize int,
	sink progress.Sink,
	counts *Counts,
) (map[string]int64, error) {
	sink.Report(progress.Event{
		Phase: "cells", Step: 3, StepName: "Loading Cells", TotalSteps: totalSteps,
	})

	if req.Cells == nil {
		return nil, nil
	}

	reader, err := NewChunkReader(req.Cells, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("open cells input: %w", err)
	}

	transformer := &cellTransformer{
		spec:    setup.cellSpec,
		assayID: req.AssayID,
		base:    setup.cellBase,
		cursor:  setup.cellCursor,
		names:   make(map[string]int64),
	}

	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read cells: %w", err)
		}

		batch, err := transformer.transform(chunk)
		if err != nil {
			return nil, err
		}

		written, err := imp.loader.Load(ctx, tx, batch)
		if err != nil {
			return nil, err
		}

		counts.Cells += written
	}

	return transformer.names, nil
}

const progressEveryChunks = 10

func (imp *Importer) loadSignals(
	ctx context.Context,
	tx *sql.Tx,
	req Request,
	setup *setupState,
	dedup *Deduplicator,
	chunkSize int,
	sink progress.Sink,
	counts *Counts,
) (*signalStats, error) {
	sink.Report(progress.Event{
		Phase: "signals", Step: 4, StepName: "Streaming Signals", TotalSteps: totalSteps,
	})

	if req.Signals == nil {
		return &signalStats{}, nil
	}

	reader, err := NewChunkReader(req.Signals, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("open signals input: %w", err)
	}

	transformer := &signalTransformer{
		spec:         setup.signalSpec,
		assayID:      req.AssayID,
		cursor:       setup.signalCursor,
		dedup:        dedup,
		intervalBase: setup.intervalBase,
		cellBase:     setup.cellBase,
		omitZero:     req.Options.OmitZeroSignals,
	}

	if req.Options.ValidateSignalRefs {
		imp.logger.Warn("signal reference validation enabled; stray references fail the import")

		// The cursor's high-water mark covers both sequential and declared
		// ids; everything this import assigned lies in (base, High].
		transformer.validInterval = func(id int64) bool {
			if id > setup.intervalBase && id <= setup.intervalCursor.High() {
				return true
			}

			return dedup != nil && dedup.KnownExistingID(id)
		}
		transformer.validCell = func(id int64) bool {
			return id > setup.cellBase && id <= setup.cellCursor.High()
		}
	}

	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read signals: %w", err)
		}

		batch, err := transformer.transform(chunk)
		if err != nil {
			return nil, err
		}

		written, err := imp.loader.Load(ctx, tx, batch)
		if err != nil {
			return nil, err
		}

		counts.Signals += written

		if chunk.Index%progressEveryChunks == 0 {
			sink.Report(progress.Event{
				Phase: "signals", Step: 4, StepName: "Streaming Signals",
				TotalSteps: totalSteps, Processed: reader.RowsRead(),
				Message: fmt.Sprintf("chunk %d", chunk.Index+1),
			})
		}
	}

	stats := &transformer.stats

	counts.ZeroSignals = stats.zero
	counts.NonZeroSignals = stats.nonZero

	if stats.droppedVals > 0 || stats.droppedRefs > 0 {
		imp.logger.Warn("signal rows dropped",
			slog.Int64("unparseableValues", stats.droppedVals),
			slog.Int64("unparseableIntervalRefs", stats.droppedRefs))
	}

	return stats, nil
}

func (imp *Importer) finalize(
	ctx context.Context,
	tx *sql.Tx,
	req Request,
	setup *setupState,
	stats *signalStats,
	sink progress.Sink,
	counts *Counts,
) error {
	sink.Report(progress.Event{
		Phase: "finalize", Step: 5, StepName: "Finalizing", TotalSteps: totalSteps,
	})

	if req.Options.OmitZeroSignals && req.Signals != nil {
		pruned, err := PruneOrphans(ctx, tx, storage.TableInterval,
			setup.intervalBase, setup.intervalCursor.High())
		if err != nil {
			return err
		}

		counts.OrphanIntervals = pruned
		counts.Intervals -= pruned

		pruned, err = PruneOrphans(ctx, tx, storage.TableCell,
			setup.cellBase, setup.cellCursor.High())
		if err != nil {
			return err
		}

		counts.OrphanCells = pruned
		counts.Cells -= pruned
	}

	return imp.updateAssayCounters(ctx, tx, req.AssayID, setup.assemblyName, counts)
}

// updateAssayCounters increments the assay's denormalized totals and records
// the assembly in its comma-separated assemblies list. Increments accumulate
// across imports into the same assay; they are never reset here.
func (imp *Importer) updateAssayCounters(
	ctx context.Context,
	tx *sql.Tx,
	assayID int64,
	assemblyName string,
	counts *Counts,
) error {
	var current sql.NullString

	if err := tx.QueryRowContext(ctx,
		"SELECT assemblies FROM assay WHERE id = ?", assayID,
	).Scan(&current); err != nil {
		return fmt.Errorf("read assay %d assemblies: %w", assayID, err)
	}

	assemblies := config.ParseCommaSeparatedList(current.String)

	found := false

	for _, name := range assemblies {
		if name == assemblyName {
			found = true

			break
		}
	}

	if !found && assemblyName != "" {
		assemblies = append(assemblies, assemblyName)
	}

	_, err := tx.ExecContext(ctx, `UPDATE assay SET
		interval_count = COALESCE(interval_count, 0) + ?,
		signal_nonzero = COALESCE(signal_nonzero, 0) + ?,
		signal_zero    = COALESCE(signal_zero, 0) + ?,
		cell_total     = COALESCE(cell_total, 0) + ?,
		assemblies     = ?
		WHERE id = ?`,
		counts.Intervals,
		counts.NonZeroSignals,
		counts.ZeroSignals,
		counts.Cells,
		strings.Join(assemblies, ","),
		assayID,
	)
	if err != nil {
		return fmt.Errorf("update assay %d counters: %w", assayID, err)
	}

	return nil
}
