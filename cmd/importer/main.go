// Package main provides the bulk import CLI for the bminty store.
//
// It discovers interval, cell and signal CSVs in a data directory and
// streams them into the store in one transaction. Progress goes to the log
// and, when configured, to a Kafka topic keyed by job id.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bminty/bminty/internal/config"
	"github.com/bminty/bminty/internal/ingest"
	"github.com/bminty/bminty/internal/progress"
	"github.com/bminty/bminty/internal/storage"
	"github.com/bminty/bminty/migrations"
)

const name = "importer"

var version = "dev"

func main() {
	var (
		dbPath       = flag.String("db", "", "Path to the SQLite database file (default: BMINTY_DB_PATH)")
		dir          = flag.String("dir", "", "Directory holding interval*, cell* and signal* CSV files")
		intervals    = flag.String("intervals", "", "Interval CSV path (overrides --dir discovery)")
		cells        = flag.String("cells", "", "Cell CSV path (optional)")
		signals      = flag.String("signals", "", "Signal CSV path (overrides --dir discovery)")
		assemblyID   = flag.Int64("assembly", 0, "Target assembly id")
		assayID      = flag.Int64("assay", 0, "Target assay id")
		omitZero     = flag.Bool("omit-zero", false, "Drop zero-valued signals and prune unreferenced intervals/cells")
		dedup        = flag.Bool("dedup", false, "Deduplicate intervals against the assembly by external_id")
		validateRefs = flag.Bool("validate-refs", false, "Fail on signals referencing unknown intervals or cells")
		chunkSize    = flag.Int("chunk", 0, "Rows per chunk (default: BULK_IMPORT_CHUNK)")
		kafka        = flag.Bool("kafka", false, "Publish progress events to Kafka (KAFKA_BROKERS / KAFKA_PROGRESS_TOPIC)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if (*dir == "" && *intervals == "") || *assemblyID == 0 || *assayID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, options{
		dbPath:       *dbPath,
		dir:          *dir,
		intervals:    *intervals,
		cells:        *cells,
		signals:      *signals,
		assemblyID:   *assemblyID,
		assayID:      *assayID,
		omitZero:     *omitZero,
		dedup:        *dedup,
		validateRefs: *validateRefs,
		chunkSize:    *chunkSize,
		kafka:        *kafka,
	}); err != nil {
		logger.Error("import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type options struct {
	dbPath       string
	dir          string
	intervals    string
	cells        string
	signals      string
	assemblyID   int64
	assayID      int64
	omitZero     bool
	dedup        bool
	validateRefs bool
	chunkSize    int
	kafka        bool
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	var (
		inputs *Inputs
		err    error
	)

	if opts.intervals != "" {
		inputs, err = OpenInputs(opts.intervals, opts.cells, opts.signals)
	} else {
		inputs, err = DiscoverInputs(opts.dir)
	}

	if err != nil {
		return err
	}

	defer inputs.Close()

	logger.Info("import inputs discovered",
		slog.String("intervals", inputs.IntervalsPath),
		slog.String("cells", inputs.CellsPath),
		slog.String("signals", inputs.SignalsPath))

	cfg := storage.LoadConfig()
	cfg.BulkWrites = true

	if opts.dbPath != "" {
		cfg.Path = opts.dbPath
	}

	conn, err := storage.Open(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	if err := migrations.Apply(conn.DB()); err != nil {
		return fmt.Errorf("prepare schema: %w", err)
	}

	jobID := progress.NewJobID()

	sinks := progress.Multi{progress.NewThrottled(logSink(logger, jobID), 0)}

	if opts.kafka {
		kafkaSink := progress.NewKafkaSink(nil, "", jobID, logger)
		defer func() { _ = kafkaSink.Close() }()

		sinks = append(sinks, progress.NewThrottled(kafkaSink, 0))
	}

	importer, err := ingest.NewImporter(conn, logger)
	if err != nil {
		return err
	}

	logger.Info("import starting",
		slog.String("jobId", jobID),
		slog.Int64("assemblyId", opts.assemblyID),
		slog.Int64("assayId", opts.assayID),
		slog.Bool("omitZero", opts.omitZero),
		slog.Bool("dedup", opts.dedup))

	result := importer.Run(ctx, ingest.Request{
		Intervals:  inputs.Intervals,
		Cells:      inputs.Cells,
		Signals:    inputs.Signals,
		AssemblyID: opts.assemblyID,
		AssayID:    opts.assayID,
		Options: ingest.Options{
			OmitZeroSignals:      opts.omitZero,
			DeduplicateIntervals: opts.dedup,
			ValidateSignalRefs:   opts.validateRefs,
			ChunkSize:            opts.chunkSize,
		},
		Sink: sinks,
	})

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	fmt.Println(string(payload))

	if !result.Success {
		return fmt.Errorf("import failed: %s", result.Error)
	}

	return nil
}

// logSink turns progress events into structured log lines.
func logSink(logger *slog.Logger, jobID string) progress.Sink {
	return progress.Func(func(e progress.Event) {
		logger.Info("import progress",
			slog.String("jobId", jobID),
			slog.String("phase", e.Phase),
			slog.Int("step", e.Step),
			slog.Int64("processed", e.Processed),
			slog.String("message", e.Message))
	})
}
