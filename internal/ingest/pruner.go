package ingest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bminty/bminty/internal/storage"
)

// signal columns that may carry a reference to a prunable table.
var pruneRefColumns = map[string]string{
	storage.TableInterval: "interval_id",
	storage.TableCell:     "cell_id",
}

// PruneOrphans deletes rows of the given table inside the id range
// (rangeStart, rangeEnd] that no signal references. The range bound scopes
// the deletion to rows created by the current import; rows from earlier
// imports are never touched, even if nothing references them.
func PruneOrphans(ctx context.Context, tx *sql.Tx, table string, rangeStart, rangeEnd int64) (int64, error) {
	if _, err := storage.Spec(table); err != nil {
		return 0, err
	}

	refColumn, ok := pruneRefColumns[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s is not prunable", storage.ErrUnknownTable, table)
	}

	if rangeEnd <= rangeStart {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM %s
		WHERE id > ? AND id <= ?
		  AND id NOT IN (
			SELECT DISTINCT %s FROM signal
			WHERE %s IS NOT NULL AND %s > ? AND %s <= ?
		  )`,
		table, refColumn, refColumn, refColumn, refColumn)

	result, err := tx.ExecContext(ctx, query, rangeStart, rangeEnd, rangeStart, rangeEnd)
	if err != nil {
		return 0, fmt.Errorf("prune orphan %s rows: %w", table, err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned %s rows: %w", table, err)
	}

	return pruned, nil
}
