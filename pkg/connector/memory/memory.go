// Package memory is the in-process connector: lists of rows, bounded
// blocking queues for producer/consumer pipelines, and the transient
// resources holding step results.
//
// Connection URI: memory:// (any suffix is ignored).
//
// Attributes:
//
//	queueCapacity   rows buffered by a queue (default 1000)
//	queueTimeout    wait bound of queue readers and writers (default 10s)
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

const (
	// Scheme is the URI scheme of the connector
	Scheme = "memory"

	DefaultQueueCapacity = 1000
	DefaultQueueTimeout  = 10 * time.Second
)

// NewProvider returns the memory provider
func NewProvider() connection.Provider {
	return &connection.SchemeProvider{
		ProviderName: "memory",
		Schemes:      []string{Scheme, "mem"},
		OpenFunc: func(ctx context.Context, def *connection.Definition) (connection.DataSystem, error) {
			return Open(def)
		},
	}
}

// resource is one stored list, queue or virtual resource
type resource struct {
	rel   *relation.RelationDef
	rows  [][]any
	queue *stream.Queue
	open  func(ctx context.Context) (stream.SelectStream, error)
}

// System is the memory DataSystem
type System struct {
	queueCapacity int
	queueTimeout  time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	resources map[string]*resource
}

// Open creates a memory system from a connection definition
func Open(def *connection.Definition) (*System, error) {
	capacity, err := def.Attributes.Int("queueCapacity", DefaultQueueCapacity)
	if err != nil {
		return nil, err
	}
	timeout, err := def.Attributes.Duration("queueTimeout", DefaultQueueTimeout)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connection %s: queueCapacity must be positive, got %d", def.Name, capacity)
	}
	return &System{
		queueCapacity: capacity,
		queueTimeout:  timeout,
		logger:        logger.With(zap.String("component", "memory"), zap.String("connection", def.Name)),
		resources:     make(map[string]*resource),
	}, nil
}

// Types implements connection.DataSystem
func (s *System) Types() *types.System { return types.Generic }

// CurrentPath implements connection.DataSystem; the root is the empty path
func (s *System) CurrentPath() string { return "" }

// Resolve implements connection.DataSystem
func (s *System) Resolve(dp *connection.DataPath) error {
	if dp.Path() == "" {
		dp.SetKind(connection.KindContainer)
		dp.SetMediaType(connection.MediaTypeDirectory)
		return nil
	}
	if strings.Contains(dp.Path(), "/") {
		return errors.Newf(errors.ErrorTypeValidation, "memory resource names are flat, got %q", dp.Path())
	}
	if dp.MediaType() == connection.MediaTypeUnknown {
		s.mu.Lock()
		r, ok := s.resources[dp.Path()]
		s.mu.Unlock()
		if ok && r.queue != nil {
			dp.SetMediaType(connection.MediaTypeQueue)
		} else {
			dp.SetMediaType(connection.MediaTypeRelation)
		}
	}
	dp.SetKind(connection.KindDocument)
	return nil
}

func (s *System) get(dp *connection.DataPath) (*resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[dp.Path()]
	return r, ok
}

// getOrCreate returns the resource, creating it from rel when absent
func (s *System) getOrCreate(dp *connection.DataPath, rel *relation.RelationDef) *resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[dp.Path()]; ok {
		return r
	}
	r := &resource{rel: rel.Copy()}
	if dp.MediaType() == connection.MediaTypeQueue {
		capacity, err := dp.Attributes().Int("queueCapacity", s.queueCapacity)
		if err != nil || capacity <= 0 {
			capacity = s.queueCapacity
		}
		timeout, err := dp.Attributes().Duration("queueTimeout", s.queueTimeout)
		if err != nil {
			timeout = s.queueTimeout
		}
		r.queue = stream.NewQueue(dp.ID(), capacity, timeout)
		s.logger.Debug("queue created",
			zap.String("resource", dp.Path()),
			zap.Int("capacity", capacity),
			zap.Duration("timeout", timeout))
	}
	s.resources[dp.Path()] = r
	return r
}

// Exists implements connection.DataSystem
func (s *System) Exists(ctx context.Context, dp *connection.DataPath) (bool, error) {
	if dp.Path() == "" {
		return true, nil
	}
	_, ok := s.get(dp)
	return ok, nil
}

// Ping implements connection.DataSystem
func (s *System) Ping(ctx context.Context) error { return nil }

// Close drops every resource and closes the queues
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.resources {
		if r.queue != nil {
			r.queue.Close()
		}
	}
	s.resources = make(map[string]*resource)
	return nil
}

// Children implements connection.Enumerable
func (s *System) Children(ctx context.Context, dp *connection.DataPath, pattern string) ([]string, error) {
	if dp.Path() != "" {
		return nil, nil
	}
	var matcher *glob.Pattern
	if pattern != "" {
		var err error
		if matcher, err = glob.Compile(pattern); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.resources))
	for name := range s.resources {
		if matcher == nil || matcher.Match(name) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

// Create implements connection.Creatable
func (s *System) Create(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef) error {
	if _, ok := s.get(dp); ok {
		return errors.Newf(errors.ErrorTypeConflict, "%s already exists", dp.ID())
	}
	s.getOrCreate(dp, rel)
	return nil
}

// Drop implements connection.Droppable
func (s *System) Drop(ctx context.Context, dp *connection.DataPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[dp.Path()]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	if r.queue != nil {
		r.queue.Close()
	}
	delete(s.resources, dp.Path())
	return nil
}

// Truncate implements connection.Droppable
func (s *System) Truncate(ctx context.Context, dp *connection.DataPath) error {
	r, ok := s.get(dp)
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	if r.queue != nil || r.open != nil {
		return errors.Newf(errors.ErrorTypeCapability, "%s cannot be truncated", dp.ID())
	}
	s.mu.Lock()
	r.rows = nil
	s.mu.Unlock()
	return nil
}

// Describe implements connection.Readable
func (s *System) Describe(ctx context.Context, dp *connection.DataPath) (*relation.RelationDef, error) {
	r, ok := s.get(dp)
	if !ok {
		return relation.New(), nil
	}
	return r.rel.Copy(), nil
}

// Select implements connection.Readable. A list cursor iterates over a
// snapshot of the rows and can be rewound.
func (s *System) Select(ctx context.Context, dp *connection.DataPath) (stream.SelectStream, error) {
	r, ok := s.get(dp)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "%s does not exist", dp.ID())
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	collector := dp.Connection().Collector()
	if r.open != nil {
		return r.open(ctx)
	}
	if r.queue != nil {
		return stream.NewQueueSelectStream(r.queue, rel, collector), nil
	}
	s.mu.Lock()
	snapshot := make([][]any, len(r.rows))
	copy(snapshot, r.rows)
	s.mu.Unlock()
	return stream.NewCursor(dp.ID(), rel, stream.NewSliceFetcher(snapshot), collector), nil
}

// Insert implements connection.Writable. The resource is created from the
// DataPath relation when absent.
func (s *System) Insert(ctx context.Context, dp *connection.DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	r := s.getOrCreate(dp, rel)
	if r.open != nil {
		return nil, errors.Newf(errors.ErrorTypeCapability, "virtual resource %s is read only", dp.ID())
	}
	collector := dp.Connection().Collector()
	if r.queue != nil {
		return stream.NewQueueInsertStream(r.queue, rel, opts, collector), nil
	}
	w := &listWriter{system: s, resource: r}
	if opts.Operation == stream.OperationUpsert {
		key := opts.MatchKey
		if len(key) == 0 {
			var ok bool
			if key, ok = rel.MatchKey(); !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "upsert on %s needs a primary or unique key", dp.ID())
			}
		}
		for _, name := range key {
			col, ok := rel.Column(name)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeNotFound, "match key column %s not found in %s", name, dp.ID())
			}
			w.key = append(w.key, col.Position-1)
		}
	}
	return stream.NewBatchInserter(dp.ID(), rel, w, opts, collector), nil
}

// listWriter appends rows, or replaces the row with the same key on upsert
type listWriter struct {
	system   *System
	resource *resource
	key      []int
}

func (w *listWriter) WriteBatch(ctx context.Context, rows [][]any) error {
	w.system.mu.Lock()
	defer w.system.mu.Unlock()
	for _, row := range rows {
		copied := make([]any, len(row))
		copy(copied, row)
		if w.key != nil {
			if i := w.find(copied); i >= 0 {
				w.resource.rows[i] = copied
				continue
			}
		}
		w.resource.rows = append(w.resource.rows, copied)
	}
	return nil
}

func (w *listWriter) find(row []any) int {
	for i, existing := range w.resource.rows {
		match := true
		for _, pos := range w.key {
			if keyValue(existing[pos]) != keyValue(row[pos]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func keyValue(v any) string {
	if v == nil {
		return "\x00null"
	}
	s, err := types.Cast(v, types.Varchar)
	if err != nil {
		return ""
	}
	return s.(string)
}

func (w *listWriter) Close(ctx context.Context) error {
	return nil
}

// Rows returns a copy of the rows of a list, for tests and the print step
func (s *System) Rows(path string) ([][]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[path]
	if !ok || r.queue != nil || r.open != nil {
		return nil, false
	}
	rows := make([][]any, len(r.rows))
	copy(rows, r.rows)
	return rows, true
}

// Attach registers a virtual resource whose rows are produced by open at
// every Select. The resource is read only.
func (s *System) Attach(dp *connection.DataPath, rel *relation.RelationDef, open func(ctx context.Context) (stream.SelectStream, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[dp.Path()]; ok {
		return errors.Newf(errors.ErrorTypeConflict, "%s already exists", dp.ID())
	}
	s.resources[dp.Path()] = &resource{rel: rel.Copy(), open: open}
	dp.SetRelationDef(rel)
	return nil
}
