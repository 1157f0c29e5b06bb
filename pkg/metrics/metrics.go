// Package metrics provides Prometheus collectors for Tabulify streams,
// transfers and pipeline steps.
//
// # Basic Usage
//
//	collector := metrics.NewCollector("sqlite")
//	collector.RowsInserted(500)
//	collector.BatchFlushed()
//
//	timer := metrics.NewTimer()
//	runStep()
//	metrics.StepDuration.WithLabelValues("transfer", "success").Observe(timer.Stop().Seconds())
//
// The collectors are registered on the default Prometheus registry and can
// be exposed with promhttp.Handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records stream metrics for one connection. Each connection
// owns its collector so the label values are computed once.
type Collector struct {
	connection string
	selected   prometheus.Counter
	inserted   prometheus.Counter
	batches    prometheus.Counter
}

// NewCollector creates a collector labelled with the connection name.
func NewCollector(connection string) *Collector {
	return &Collector{
		connection: connection,
		selected:   RowsSelected.WithLabelValues(connection),
		inserted:   RowsInserted.WithLabelValues(connection),
		batches:    BatchesFlushed.WithLabelValues(connection),
	}
}

// Connection returns the connection label
func (c *Collector) Connection() string {
	return c.connection
}

// RowsSelected adds n rows read from a select stream
func (c *Collector) RowsSelected(n int) {
	c.selected.Add(float64(n))
}

// RowsInserted adds n rows written by an insert stream
func (c *Collector) RowsInserted(n int) {
	c.inserted.Add(float64(n))
}

// BatchFlushed counts one insert batch flush cycle
func (c *Collector) BatchFlushed() {
	c.batches.Inc()
}

var (
	// RowsSelected tracks rows read from select streams
	RowsSelected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulify_rows_selected_total",
			Help: "Total number of rows read from select streams",
		},
		[]string{"connection"},
	)

	// RowsInserted tracks rows written through insert streams
	RowsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulify_rows_inserted_total",
			Help: "Total number of rows written by insert streams",
		},
		[]string{"connection"},
	)

	// BatchesFlushed tracks insert flush cycles
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulify_batches_flushed_total",
			Help: "Total number of insert batch flush cycles",
		},
		[]string{"connection"},
	)

	// Transfers tracks completed transfers by status
	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabulify_transfers_total",
			Help: "Total number of transfers by status",
		},
		[]string{"operation", "status"},
	)

	// StepDuration tracks pipeline step execution time
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabulify_step_duration_seconds",
			Help:    "Pipeline step execution time",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"operation", "status"},
	)

	// QueueDepth tracks the number of rows waiting in memory queues
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabulify_queue_depth",
			Help: "Rows buffered in a memory queue",
		},
		[]string{"queue"},
	)
)

// Status returns the status label for an error
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer measures an elapsed duration
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
