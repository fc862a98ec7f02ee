// Package ingest implements the streaming bulk-import pipeline: id
// allocation, interval deduplication, chunked CSV transforms, bulk loading
// and orphan pruning.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultChunkSize is the number of rows read per chunk. Reducing it trades
// throughput for peak memory; the pipeline never retains more than one chunk.
const DefaultChunkSize = 1_000_000

const sniffBytes = 4096

var (
	// ErrNoHeader is returned when the input has no header row.
	ErrNoHeader = errors.New("input has no header row")

	// ErrChunkSizeInvalid is returned for non-positive chunk sizes.
	ErrChunkSizeInvalid = errors.New("chunk size must be positive")
)

// Chunk is one bounded slice of a tabular input. Rows are padded or truncated
// to the header width, so every row has exactly len(Columns) fields.
type Chunk struct {
	Columns  []string
	Rows     [][]string
	Index    int   // 0-based chunk index within the stream
	StartRow int64 // 0-based offset of the first row within the stream
}

// Column returns the values of a named column, or false when the column does
// not exist. The returned slice is freshly allocated per call.
func (c *Chunk) Column(name string) ([]string, bool) {
	idx := -1

	for i, col := range c.Columns {
		if col == name {
			idx = i

			break
		}
	}

	if idx < 0 {
		return nil, false
	}

	out := make([]string, len(c.Rows))
	for i, row := range c.Rows {
		out[i] = row[idx]
	}

	return out, true
}

// HasColumn reports whether the chunk carries the named column.
func (c *Chunk) HasColumn(name string) bool {
	for _, col := range c.Columns {
		if col == name {
			return true
		}
	}

	return false
}

// ChunkReader reads a column-headered, comma- or tab-delimited input in
// bounded chunks. Header names are trimmed and lower-cased; columns whose
// name starts with "unnamed" (pandas index artifacts) are dropped.
type ChunkReader struct {
	csv       *csv.Reader
	columns   []string
	keep      []int // source field index per kept column
	chunkSize int
	chunkIdx  int
	rowsRead  int64
	done      bool
}

// NewChunkReader sniffs the delimiter, reads the header and prepares chunked
// iteration with the given chunk size.
func NewChunkReader(r io.Reader, chunkSize int) (*ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, ErrChunkSizeInvalid
	}

	buffered := bufio.NewReaderSize(r, 1<<20)

	delimiter, err := sniffDelimiter(buffered)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(buffered)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}

	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cr := &ChunkReader{csv: reader, chunkSize: chunkSize}

	for i, name := range header {
		normalized := strings.ToLower(strings.TrimSpace(name))
		if strings.HasPrefix(normalized, "unnamed") {
			continue
		}

		cr.columns = append(cr.columns, normalized)
		cr.keep = append(cr.keep, i)
	}

	if len(cr.columns) == 0 {
		return nil, ErrNoHeader
	}

	return cr, nil
}

// Columns returns the normalized header.
func (cr *ChunkReader) Columns() []string {
	return cr.columns
}

// RowsRead returns the total number of data rows consumed so far.
func (cr *ChunkReader) RowsRead() int64 {
	return cr.rowsRead
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
// Cancellation is checked once per chunk; a chunk is never split.
func (cr *ChunkReader) Next(ctx context.Context) (*Chunk, error) {
	if cr.done {
		return nil, io.EOF
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	chunk := &Chunk{
		Columns:  cr.columns,
		Index:    cr.chunkIdx,
		StartRow: cr.rowsRead,
		Rows:     make([][]string, 0, cr.chunkSize),
	}

	for len(chunk.Rows) < cr.chunkSize {
		record, err := cr.csv.Read()
		if errors.Is(err, io.EOF) {
			cr.done = true

			break
		}

		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", cr.rowsRead+1, err)
		}

		row := make([]string, len(cr.keep))

		for i, src := range cr.keep {
			if src < len(record) {
				row[i] = record[src]
			}
		}

		chunk.Rows = append(chunk.Rows, row)
		cr.rowsRead++
	}

	if len(chunk.Rows) == 0 {
		return nil, io.EOF
	}

	cr.chunkIdx++

	return chunk, nil
}

// sniffDelimiter picks tab when the first line contains tabs, comma
// otherwise. Peeking leaves the buffered reader position untouched.
func sniffDelimiter(r *bufio.Reader) (rune, error) {
	peeked, err := r.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return 0, fmt.Errorf("sniff delimiter: %w", err)
	}

	line := string(peeked)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}

	if strings.Contains(line, "\t") && !strings.Contains(line, ",") {
		return '\t', nil
	}

	return ',', nil
}
