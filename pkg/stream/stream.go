// Package stream defines the row-level cursors used to read from and write
// to a data resource.
//
// A SelectStream is a forward cursor: Next advances, accessors read the
// current row. An InsertStream buffers rows and flushes them in batches.
// Backends implement the small Fetcher and BatchWriter interfaces and reuse
// Cursor and BatchInserter for the shared state machine.
package stream

import (
	"context"
	"time"

	"github.com/tabulify/tabulify/pkg/relation"
)

// SelectStream reads the rows of one resource
type SelectStream interface {
	// RelationDef describes the columns of every row
	RelationDef() *relation.RelationDef
	// Next advances to the next row. It returns false with a nil error once
	// the stream is exhausted.
	Next(ctx context.Context) (bool, error)
	// NextTimeout is Next bounded by a timeout for blocking sources. A
	// timeout returns false with an ErrorTypeTimeout error; the stream stays
	// usable.
	NextTimeout(ctx context.Context, timeout time.Duration) (bool, error)
	// Value returns the value at a 1-based position of the current row
	Value(position int) (any, error)
	// Values returns a copy of the current row
	Values() ([]any, error)
	// RowNumber is the 1-based number of the current row, 0 before the first
	RowNumber() int64
	// BeforeFirst rewinds the stream when the backend supports it
	BeforeFirst(ctx context.Context) error
	// Close releases the backend resources. Closing twice is a no-op.
	Close() error
}

// InsertStream writes rows into one resource
type InsertStream interface {
	// RelationDef describes the columns every inserted row must follow
	RelationDef() *relation.RelationDef
	// Insert buffers a row, flushing when the batch is full
	Insert(ctx context.Context, row []any) error
	// Flush writes the buffered rows
	Flush(ctx context.Context) error
	// Close flushes the remaining rows and releases the backend. Closing
	// twice is a no-op.
	Close(ctx context.Context) error
	// Stats returns the rows written and the flush cycles performed
	Stats() InsertStats
}

// InsertStats counts what an insert stream wrote
type InsertStats struct {
	Rows    int64
	Batches int64
}

// Operation selects how rows are written
type Operation string

const (
	// OperationInsert appends rows
	OperationInsert Operation = "insert"
	// OperationUpsert inserts or updates rows matched on a key
	OperationUpsert Operation = "upsert"
)

// InsertOptions configures an insert stream
type InsertOptions struct {
	// BatchSize is the number of rows per flush cycle
	BatchSize int
	// FeedbackFrequency logs progress every N-th batch (0 disables)
	FeedbackFrequency int
	// Operation is insert (default) or upsert
	Operation Operation
	// MatchKey names the columns identifying a row for upserts
	MatchKey []string
}

// DefaultBatchSize applies when InsertOptions.BatchSize is not set
const DefaultBatchSize = 1000

func (o InsertOptions) withDefaults() InsertOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Operation == "" {
		o.Operation = OperationInsert
	}
	return o
}
