package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/relation"
)

// Queue is a bounded row buffer between one writer and one reader running
// on different goroutines. A full queue blocks the writer and an empty one
// blocks the reader, both for at most the queue timeout.
type Queue struct {
	name    string
	ch      chan []any
	timeout time.Duration
	depth   prometheus.Gauge

	// mu excludes close(ch) while a writer sends; done is closed first so
	// that writers waiting for space give up their read lock
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue with the given capacity and timeout
func NewQueue(name string, capacity int, timeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		name:    name,
		ch:      make(chan []any, capacity),
		timeout: timeout,
		depth:   metrics.QueueDepth.WithLabelValues(name),
		done:    make(chan struct{}),
	}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Capacity returns the maximum number of buffered rows
func (q *Queue) Capacity() int { return cap(q.ch) }

// Len returns the number of buffered rows
func (q *Queue) Len() int { return len(q.ch) }

// Timeout returns the default wait bound
func (q *Queue) Timeout() time.Duration { return q.timeout }

// Offer appends a row, waiting for free space up to the queue timeout. A
// timeout is fatal for the writer.
func (q *Queue) Offer(ctx context.Context, row []any) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	select {
	case <-q.done:
		return q.closedError()
	default:
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- row:
		q.depth.Inc()
		return nil
	case <-timer.C:
		return errors.Newf(errors.ErrorTypeTimeout, "timeout reached: queue %s stayed full for %s", q.name, q.timeout).
			WithDetail("resource", q.name).
			WithDetail("capacity", cap(q.ch))
	case <-q.done:
		return q.closedError()
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), errors.ErrorTypeTimeout, "offer on queue %s cancelled", q.name)
	}
}

func (q *Queue) closedError() error {
	return errors.Newf(errors.ErrorTypeState, "queue %s is closed for writing", q.name)
}

// Poll takes the next row, waiting up to timeout. It returns io.EOF once the
// writer closed the queue and every row was read, and an ErrorTypeTimeout
// error when no row arrived in time.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) ([]any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case row, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		q.depth.Dec()
		return row, nil
	case <-timer.C:
		return nil, errors.Newf(errors.ErrorTypeTimeout, "no data yet on queue %s after %s", q.name, timeout).
			WithDetail("resource", q.name)
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), errors.ErrorTypeTimeout, "poll on queue %s cancelled", q.name)
	}
}

// Close marks the end of the stream. Buffered rows stay readable and a
// writer waiting for space fails at once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.ch)
	})
}

type queueFetcher struct {
	q *Queue
}

func (f *queueFetcher) Fetch(ctx context.Context) ([]any, error) {
	return f.q.Poll(ctx, f.q.timeout)
}

func (f *queueFetcher) FetchTimeout(ctx context.Context, timeout time.Duration) ([]any, error) {
	return f.q.Poll(ctx, timeout)
}

func (f *queueFetcher) Close() error {
	return nil
}

// NewQueueSelectStream reads a queue. Next waits up to the queue timeout.
func NewQueueSelectStream(q *Queue, rel *relation.RelationDef, collector *metrics.Collector) *Cursor {
	return NewCursor(q.name, rel, &queueFetcher{q: q}, collector)
}

type queueWriter struct {
	q *Queue
}

func (w *queueWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	for _, row := range rows {
		if err := w.q.Offer(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (w *queueWriter) Close(ctx context.Context) error {
	w.q.Close()
	return nil
}

// NewQueueInsertStream writes into a queue one row at a time. Closing the
// stream closes the queue.
func NewQueueInsertStream(q *Queue, rel *relation.RelationDef, opts InsertOptions, collector *metrics.Collector) *BatchInserter {
	opts.BatchSize = 1
	return NewBatchInserter(q.name, rel, &queueWriter{q: q}, opts, collector)
}
