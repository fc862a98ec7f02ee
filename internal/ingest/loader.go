package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/bminty/bminty/internal/storage"
)

// RecordBatch is one chunk of fully-transformed rows ready for insertion.
// Row values are positional and follow Spec.Columns exactly.
type RecordBatch struct {
	Spec *storage.TableSpec
	Rows [][]any
}

// Loader writes record batches with multi-row prepared INSERTs, sized to
// stay under the bound-parameter ceiling. All writes go through the caller's
// transaction; the loader never commits.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a bulk loader.
func NewLoader(logger *slog.Logger) *Loader {
	return &Loader{logger: logger}
}

// Load inserts the batch and returns the number of rows written.
func (l *Loader) Load(ctx context.Context, tx *sql.Tx, batch *RecordBatch) (int64, error) {
	if batch == nil || len(batch.Rows) == 0 {
		return 0, nil
	}

	spec := batch.Spec
	rowsPer := spec.RowsPerInsert()
	cols := len(spec.Columns)

	var written int64

	full := len(batch.Rows) / rowsPer
	if full > 0 {
		stmt, err := tx.PrepareContext(ctx, spec.InsertSQL(rowsPer))
		if err != nil {
			return written, fmt.Errorf("prepare %s insert: %w", spec.Name, err)
		}

		args := make([]any, 0, rowsPer*cols)

		for group := 0; group < full; group++ {
			args = args[:0]

			for _, row := range batch.Rows[group*rowsPer : (group+1)*rowsPer] {
				args = append(args, row...)
			}

			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				_ = stmt.Close()

				return written, fmt.Errorf("insert into %s: %w", spec.Name, err)
			}

			written += int64(rowsPer)
		}

		if err := stmt.Close(); err != nil {
			return written, fmt.Errorf("close %s insert statement: %w", spec.Name, err)
		}
	}

	remainder := batch.Rows[full*rowsPer:]
	if len(remainder) > 0 {
		args := make([]any, 0, len(remainder)*cols)
		for _, row := range remainder {
			args = append(args, row...)
		}

		if _, err := tx.ExecContext(ctx, spec.InsertSQL(len(remainder)), args...); err != nil {
			return written, fmt.Errorf("insert into %s: %w", spec.Name, err)
		}

		written += int64(len(remainder))
	}

	l.logger.Debug("batch loaded",
		slog.String("table", spec.Name),
		slog.Int64("rows", written))

	return written, nil
}
