// Package main provides the snapshot export CLI for the bminty store.
//
// It copies a filtered, referentially closed subset of the store into a
// standalone SQLite file. Filters are declarative YAML documents; see
// internal/export.ParseYAML for the format.
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
	"github.com/bminty/bminty/internal/export"
	"github.com/bminty/bminty/internal/storage"
)

const name = "exporter"

var version = "dev"

func main() {
	var (
		dbPath      = flag.String("db", "", "Path to the source SQLite database (default: BMINTY_DB_PATH)")
		filterPath  = flag.String("filter", "", "Path to a YAML filter document (optional)")
		outPath     = flag.String("out", "", "Path of the snapshot file to write")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if *outPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *dbPath, *filterPath, *outPath); err != nil {
		logger.Error("export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dbPath, filterPath, outPath string) error {
	filter := &export.Filter{}

	if filterPath != "" {
		data, err := os.ReadFile(filterPath)
		if err != nil {
			return fmt.Errorf("read filter document: %w", err)
		}

		filter, err = export.ParseYAML(data)
		if err != nil {
			return err
		}
	}

	cfg := storage.LoadConfig()
	if dbPath != "" {
		cfg.Path = dbPath
	}

	conn, err := storage.Open(cfg)
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	exporter, err := export.NewExporter(conn, logger)
	if err != nil {
		return err
	}

	snapshot, err := exporter.Export(ctx, filter, outPath)
	if err != nil {
		return err
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot summary: %w", err)
	}

	fmt.Println(string(payload))

	return nil
}
