package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNoIntervalFile is returned when the data directory has no interval CSV.
	ErrNoIntervalFile = errors.New("no interval file found")

	// ErrNoSignalFile is returned when the data directory has no signal CSV.
	ErrNoSignalFile = errors.New("no signal file found")
)

// Inputs holds the opened import files. Cells may be nil; interval and
// signal files are mandatory.
type Inputs struct {
	Intervals io.Reader
	Cells     io.Reader
	Signals   io.Reader

	IntervalsPath string
	CellsPath     string
	SignalsPath   string

	files []*os.File
}

// Close closes every opened file.
func (in *Inputs) Close() {
	for _, f := range in.files {
		_ = f.Close()
	}
}

// DiscoverInputs locates the import files in dir by name prefix: the
// lexically first interval*, cell* and signal* file with a .csv or .tsv
// extension. The cell file is optional.
func DiscoverInputs(dir string) (*Inputs, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".csv" || ext == ".tsv" {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	find := func(prefix string) string {
		for _, n := range names {
			if strings.HasPrefix(strings.ToLower(n), prefix) {
				return filepath.Join(dir, n)
			}
		}

		return ""
	}

	intervalsPath := find("interval")
	if intervalsPath == "" {
		return nil, fmt.Errorf("%w in %s", ErrNoIntervalFile, dir)
	}

	signalsPath := find("signal")
	if signalsPath == "" {
		return nil, fmt.Errorf("%w in %s", ErrNoSignalFile, dir)
	}

	return OpenInputs(intervalsPath, find("cell"), signalsPath)
}

// OpenInputs opens explicitly named import files. The cells path may be
// empty.
func OpenInputs(intervalsPath, cellsPath, signalsPath string) (*Inputs, error) {
	if intervalsPath == "" {
		return nil, ErrNoIntervalFile
	}

	if signalsPath == "" {
		return nil, ErrNoSignalFile
	}

	inputs := &Inputs{
		IntervalsPath: intervalsPath,
		CellsPath:     cellsPath,
		SignalsPath:   signalsPath,
	}

	open := func(path string) (*os.File, error) {
		f, err := os.Open(path)
		if err != nil {
			inputs.Close()

			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		inputs.files = append(inputs.files, f)

		return f, nil
	}

	f, err := open(inputs.IntervalsPath)
	if err != nil {
		return nil, err
	}

	inputs.Intervals = f

	if f, err = open(inputs.SignalsPath); err != nil {
		return nil, err
	}

	inputs.Signals = f

	if inputs.CellsPath != "" {
		f, err := open(inputs.CellsPath)
		if err != nil {
			return nil, err
		}

		inputs.Cells = f
	}

	return inputs, nil
}
