// Package main provides the schema migration CLI for the bminty store.
//
// Migrations are embedded in the binary; pointing the tool at a database
// file is all the configuration it needs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bminty/bminty/internal/config"
	"github.com/bminty/bminty/migrations"
)

const name = "migrator"

var version = "dev"

func main() {
	var (
		dbPath      = flag.String("db", "", "Path to the SQLite database file (default: BMINTY_DB_PATH)")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return
	}

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	path := *dbPath
	if path == "" {
		path = config.GetEnvStr("BMINTY_DB_PATH", "")
	}

	runner, err := migrations.NewRunner(path, logger)
	if err != nil {
		logger.Error("failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() { _ = runner.Close() }()

	if err := run(flag.Arg(0), runner); err != nil {
		logger.Error("migration command failed",
			slog.String("command", flag.Arg(0)),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(command string, runner *migrations.Runner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version", "status":
		v, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		if v == 0 {
			fmt.Println("no migrations applied")

			return nil
		}

		fmt.Printf("version: %d dirty: %t\n", v, dirty)

		return nil
	case "drop":
		fmt.Print("WARNING: this drops every table in the database. Continue? (y/N): ")

		response, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(response) != "y" {
			fmt.Println("cancelled")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s - schema migration tool for the bminty store

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --db PATH  SQLite database file
    --version  Show version information

ENVIRONMENT VARIABLES:
    BMINTY_DB_PATH  Database file when --db is not given
    LOG_LEVEL       debug, info, warn or error (default: info)
`, name, name)
}
