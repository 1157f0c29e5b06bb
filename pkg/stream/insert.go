package stream

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/pool"
	"github.com/tabulify/tabulify/pkg/relation"
)

// BatchWriter is the backend side of a BatchInserter
type BatchWriter interface {
	// WriteBatch persists rows; every row has one value per column
	WriteBatch(ctx context.Context, rows [][]any) error
	// Close releases the backend once the last batch is written
	Close(ctx context.Context) error
}

// batches recycles batch buffers between insert streams. Writers copy or
// consume the rows and never keep the slice itself.
var batches = pool.NewSlicePool[[]any](1000)

// BatchInserter is the InsertStream shared by every backend. Rows are
// buffered until BatchSize is reached, so N rows produce exactly ⌈N/B⌉
// flush cycles, the last one on Close.
type BatchInserter struct {
	name              string
	rel               *relation.RelationDef
	writer            BatchWriter
	batchSize         int
	feedbackFrequency int
	collector         *metrics.Collector
	logger            *zap.Logger

	buf    *[][]any
	batch  [][]any
	stats  InsertStats
	start  time.Time
	closed bool
	failed error
}

// NewBatchInserter creates an insert stream named after its resource. collector may be nil.
func NewBatchInserter(name string, rel *relation.RelationDef, writer BatchWriter, opts InsertOptions, collector *metrics.Collector) *BatchInserter {
	opts = opts.withDefaults()
	buf := batches.Get()
	if cap(*buf) < opts.BatchSize {
		*buf = make([][]any, 0, opts.BatchSize)
	}
	return &BatchInserter{
		name:              name,
		rel:               rel,
		writer:            writer,
		batchSize:         opts.BatchSize,
		feedbackFrequency: opts.FeedbackFrequency,
		collector:         collector,
		logger:            logger.With(zap.String("component", "insert_stream"), zap.String("resource", name)),
		buf:               buf,
		batch:             (*buf)[:0],
		start:             time.Now(),
	}
}

// RelationDef returns the relation rows must follow
func (b *BatchInserter) RelationDef() *relation.RelationDef {
	return b.rel
}

// Insert buffers a row and flushes when the batch is full
func (b *BatchInserter) Insert(ctx context.Context, row []any) error {
	if b.closed {
		return errors.Newf(errors.ErrorTypeState, "insert stream on %s is closed", b.name)
	}
	if b.failed != nil {
		return errors.Wrapf(b.failed, errors.ErrorTypeState, "insert stream on %s failed earlier", b.name)
	}
	if len(row) != b.rel.Size() {
		return errors.Newf(errors.ErrorTypeData, "row has %d values, %s has %d columns", len(row), b.name, b.rel.Size())
	}
	copied := make([]any, len(row))
	copy(copied, row)
	b.batch = append(b.batch, copied)
	if len(b.batch) >= b.batchSize {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered rows as one batch. An empty buffer is a no-op.
func (b *BatchInserter) Flush(ctx context.Context) error {
	if len(b.batch) == 0 || b.failed != nil {
		return nil
	}
	if err := b.writer.WriteBatch(ctx, b.batch); err != nil {
		// the batch is dropped: a failed stream only accepts Close
		b.failed = errors.Wrapf(err, errors.ErrorTypeData, "cannot write batch %d (%d rows) to %s", b.stats.Batches+1, len(b.batch), b.name)
		b.batch = b.batch[:0]
		return b.failed
	}
	n := len(b.batch)
	b.stats.Rows += int64(n)
	b.stats.Batches++
	b.batch = b.batch[:0]
	if b.collector != nil {
		b.collector.RowsInserted(n)
		b.collector.BatchFlushed()
	}

	if b.feedbackFrequency > 0 && b.stats.Batches%int64(b.feedbackFrequency) == 0 {
		elapsed := time.Since(b.start)
		rps := float64(b.stats.Rows) / elapsed.Seconds()
		b.logger.Info("insert progress",
			zap.Int64("batch", b.stats.Batches),
			zap.Int64("rows", b.stats.Rows),
			zap.Float64("rows_per_sec", rps),
			zap.Duration("elapsed", elapsed))
	}
	return nil
}

// Close flushes the remaining rows and closes the writer
func (b *BatchInserter) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.Flush(ctx)
	*b.buf = b.batch
	batches.Put(b.buf)
	b.buf, b.batch = nil, nil
	if cerr := b.writer.Close(ctx); cerr != nil {
		err = multierr.Append(err, errors.Wrapf(cerr, errors.ErrorTypeData, "cannot close writer of %s", b.name))
	}
	b.logger.Debug("insert stream closed",
		zap.Int64("rows", b.stats.Rows),
		zap.Int64("batches", b.stats.Batches),
		zap.Duration("elapsed", time.Since(b.start)))
	return err
}

// Stats returns the rows written and the flush cycles
func (b *BatchInserter) Stats() InsertStats {
	return b.stats
}
