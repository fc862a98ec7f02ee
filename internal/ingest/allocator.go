package ingest

import (
	"context"
	"fmt"

	"github.com/bminty/bminty/internal/storage"
)

// Allocator hands out id ranges above the current maximum of a table.
//
// Allocation assumes the importing process holds exclusive write access for
// the duration of the import; concurrent writers would race MAX(id). That
// assumption holds for the single-writer bulk pipeline and is enforced
// operationally, not by the store.
type Allocator struct {
	conn *storage.Connection
}

// NewAllocator creates an allocator over the given connection.
func NewAllocator(conn *storage.Connection) (*Allocator, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Allocator{conn: conn}, nil
}

// Base returns the current maximum id of the table. New rows are numbered
// starting at Base()+1, so pre-existing rows are never overwritten.
func (a *Allocator) Base(ctx context.Context, table string) (int64, error) {
	maxID, err := a.conn.MaxID(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("allocate id base for %s: %w", table, err)
	}

	return maxID, nil
}

// NextRange reserves count consecutive ids and returns the first one.
// The range is [start, start+count).
func (a *Allocator) NextRange(ctx context.Context, table string, count int64) (int64, error) {
	if count < 0 {
		return 0, fmt.Errorf("allocate id range for %s: negative count %d", table, count)
	}

	base, err := a.Base(ctx, table)
	if err != nil {
		return 0, err
	}

	return base + 1, nil
}

// Cursor tracks id assignment for one table during an import. Sequential ids
// come from Next; file-declared ids go through Claim, which moves the
// sequence past them so a later Next never collides. It is not safe for
// concurrent use; each table gets its own cursor per import.
type Cursor struct {
	next int64
	high int64
}

// NewCursor creates a cursor whose first Next() returns base+1.
func NewCursor(base int64) *Cursor {
	return &Cursor{next: base + 1, high: base}
}

// Next returns the next id and advances the cursor.
func (c *Cursor) Next() int64 {
	id := c.next
	c.next++

	if id > c.high {
		c.high = id
	}

	return id
}

// Claim records an id assigned outside the sequence (a declared file id plus
// the allocation base) and returns it. The sequence skips past claimed ids.
func (c *Cursor) Claim(id int64) int64 {
	if id >= c.next {
		c.next = id + 1
	}

	if id > c.high {
		c.high = id
	}

	return id
}

// Peek returns the id the next call to Next would return.
func (c *Cursor) Peek() int64 {
	return c.next
}

// High returns the highest id assigned so far, or the base when none were.
// The ids this import touched all lie in (base, High].
func (c *Cursor) High() int64 {
	return c.high
}

// Issued returns how many ids have been handed out relative to the given base.
func (c *Cursor) Issued(base int64) int64 {
	return c.high - base
}
