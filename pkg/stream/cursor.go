package stream

import (
	"context"
	"io"
	"time"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/relation"
)

// Fetcher is the backend side of a Cursor
type Fetcher interface {
	// Fetch returns the next row or io.EOF when there is none
	Fetch(ctx context.Context) ([]any, error)
	Close() error
}

// Rewinder is implemented by fetchers that can restart from the first row
type Rewinder interface {
	Rewind(ctx context.Context) error
}

// TimedFetcher is implemented by blocking fetchers
type TimedFetcher interface {
	FetchTimeout(ctx context.Context, timeout time.Duration) ([]any, error)
}

type cursorState int

const (
	stateBeforeFirst cursorState = iota
	stateOnRow
	stateExhausted
	stateClosed
)

// Cursor is the SelectStream shared by every backend
type Cursor struct {
	name      string
	rel       *relation.RelationDef
	fetcher   Fetcher
	collector *metrics.Collector
	row       []any
	rowNumber int64
	state     cursorState
}

// NewCursor creates a cursor named after its resource. collector may be nil.
func NewCursor(name string, rel *relation.RelationDef, fetcher Fetcher, collector *metrics.Collector) *Cursor {
	return &Cursor{name: name, rel: rel, fetcher: fetcher, collector: collector}
}

// RelationDef returns the relation of the rows
func (c *Cursor) RelationDef() *relation.RelationDef {
	return c.rel
}

// Next advances to the next row
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	return c.advance(ctx, func() ([]any, error) { return c.fetcher.Fetch(ctx) })
}

// NextTimeout advances with a bound on the wait for blocking fetchers
func (c *Cursor) NextTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	timed, ok := c.fetcher.(TimedFetcher)
	if !ok {
		return c.Next(ctx)
	}
	return c.advance(ctx, func() ([]any, error) { return timed.FetchTimeout(ctx, timeout) })
}

func (c *Cursor) advance(ctx context.Context, fetch func() ([]any, error)) (bool, error) {
	switch c.state {
	case stateClosed:
		return false, errors.Newf(errors.ErrorTypeState, "select stream on %s is closed", c.name)
	case stateExhausted:
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeTimeout, "select on %s cancelled", c.name)
	}
	row, err := fetch()
	if err == io.EOF {
		c.state = stateExhausted
		c.row = nil
		return false, nil
	}
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeTimeout) {
			return false, err
		}
		return false, errors.Wrapf(err, errors.ErrorTypeData, "cannot read row %d of %s", c.rowNumber+1, c.name)
	}
	size := c.rel.Size()
	if len(row) > size {
		return false, errors.Newf(errors.ErrorTypeData, "row %d of %s has %d values for %d columns", c.rowNumber+1, c.name, len(row), size)
	}
	for len(row) < size {
		row = append(row, nil)
	}
	c.row = row
	c.rowNumber++
	c.state = stateOnRow
	if c.collector != nil {
		c.collector.RowsSelected(1)
	}
	return true, nil
}

func (c *Cursor) checkRow() error {
	switch c.state {
	case stateBeforeFirst:
		return errors.Newf(errors.ErrorTypeState, "no current row on %s: call Next first", c.name)
	case stateExhausted:
		return errors.Newf(errors.ErrorTypeState, "no current row on %s: stream exhausted", c.name)
	case stateClosed:
		return errors.Newf(errors.ErrorTypeState, "select stream on %s is closed", c.name)
	}
	return nil
}

// Value returns the value at a 1-based position
func (c *Cursor) Value(position int) (any, error) {
	if err := c.checkRow(); err != nil {
		return nil, err
	}
	if position < 1 || position > len(c.row) {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no column at position %d in %s", position, c.name)
	}
	return c.row[position-1], nil
}

// Values returns a copy of the current row
func (c *Cursor) Values() ([]any, error) {
	if err := c.checkRow(); err != nil {
		return nil, err
	}
	out := make([]any, len(c.row))
	copy(out, c.row)
	return out, nil
}

// RowNumber returns the 1-based number of the current row
func (c *Cursor) RowNumber() int64 {
	return c.rowNumber
}

// BeforeFirst rewinds the cursor
func (c *Cursor) BeforeFirst(ctx context.Context) error {
	if c.state == stateClosed {
		return errors.Newf(errors.ErrorTypeState, "select stream on %s is closed", c.name)
	}
	rw, ok := c.fetcher.(Rewinder)
	if !ok {
		return errors.Newf(errors.ErrorTypeCapability, "select stream on %s cannot be rewound", c.name)
	}
	if err := rw.Rewind(ctx); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData, "cannot rewind %s", c.name)
	}
	c.state = stateBeforeFirst
	c.row = nil
	c.rowNumber = 0
	return nil
}

// Close releases the fetcher
func (c *Cursor) Close() error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	c.row = nil
	return c.fetcher.Close()
}

// SliceFetcher serves rows from memory. It supports rewinding.
type SliceFetcher struct {
	rows [][]any
	next int
}

// NewSliceFetcher serves the given rows
func NewSliceFetcher(rows [][]any) *SliceFetcher {
	return &SliceFetcher{rows: rows}
}

// Fetch returns the next row
func (f *SliceFetcher) Fetch(ctx context.Context) ([]any, error) {
	if f.next >= len(f.rows) {
		return nil, io.EOF
	}
	row := f.rows[f.next]
	f.next++
	out := make([]any, len(row))
	copy(out, row)
	return out, nil
}

// Rewind restarts from the first row
func (f *SliceFetcher) Rewind(ctx context.Context) error {
	f.next = 0
	return nil
}

// Close is a no-op
func (f *SliceFetcher) Close() error {
	return nil
}
