// Package connection is the addressable-resource model: a Connection is a
// named gateway to one backend, built from a URI by the provider that
// accepts its scheme, and the factory of the DataPaths of that backend.
//
// The backend itself is a DataSystem. Its optional abilities (listing,
// creating, reading, writing, ...) are small capability interfaces that the
// Connection checks before delegating, so a missing ability surfaces as an
// ErrorTypeCapability error naming the connection.
package connection

import (
	"context"
	"io"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
)

// Definition is the persisted description of a connection
type Definition struct {
	Name       string
	URI        string
	Attributes *Attributes
}

// NewDefinition creates a definition with an empty attribute set
func NewDefinition(name, uri string) *Definition {
	return &Definition{Name: name, URI: uri, Attributes: NewAttributes()}
}

// Validate checks the name and the mandatory URI
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "connection name is empty")
	}
	if strings.IndexFunc(d.Name, unicode.IsSpace) >= 0 || strings.Contains(d.Name, "@") {
		return errors.Newf(errors.ErrorTypeConfig, "connection name %q must not contain whitespace or '@'", d.Name)
	}
	if strings.TrimSpace(d.URI) == "" {
		return errors.Newf(errors.ErrorTypeConfig, "connection %s: the uri property is mandatory", d.Name)
	}
	return nil
}

// Connection is a live gateway to one backend
type Connection struct {
	def       *Definition
	system    DataSystem
	writers   *semaphore.Weighted
	collector *metrics.Collector
	logger    *zap.Logger

	mu     sync.Mutex
	paths  map[string]*DataPath
	closed bool
}

// NewConnection binds a definition to its DataSystem
func NewConnection(def *Definition, system DataSystem) *Connection {
	if def.Attributes == nil {
		def.Attributes = NewAttributes()
	}
	c := &Connection{
		def:       def,
		system:    system,
		collector: metrics.NewCollector(def.Name),
		logger:    logger.With(zap.String("component", "connection"), zap.String("connection", def.Name)),
		paths:     make(map[string]*DataPath),
	}
	if limited, ok := system.(WriterLimited); ok && limited.MaxWriters() > 0 {
		c.writers = semaphore.NewWeighted(int64(limited.MaxWriters()))
	}
	return c
}

// Name returns the connection name
func (c *Connection) Name() string { return c.def.Name }

// URI returns the connection URI
func (c *Connection) URI() string { return c.def.URI }

// Attributes returns the connection attributes
func (c *Connection) Attributes() *Attributes { return c.def.Attributes }

// Definition returns the connection definition
func (c *Connection) Definition() *Definition { return c.def }

// System returns the backend
func (c *Connection) System() DataSystem { return c.system }

// Collector returns the metrics collector of the connection
func (c *Connection) Collector() *metrics.Collector { return c.collector }

// MaxWriters is the writer ceiling of the backend, 0 when unlimited
func (c *Connection) MaxWriters() int {
	if limited, ok := c.system.(WriterLimited); ok {
		return limited.MaxWriters()
	}
	return 0
}

// DataPath returns the handle of a resource. The same path always returns
// the same DataPath, with its cached relation. An empty media type lets the
// DataSystem decide.
func (c *Connection) DataPath(p string, mediaType MediaType) (*DataPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Newf(errors.ErrorTypeState, "connection %s is closed", c.def.Name)
	}
	if dp, ok := c.paths[p]; ok {
		if mediaType != MediaTypeUnknown && dp.mediaType != mediaType {
			dp.mediaType = mediaType
		}
		return dp, nil
	}
	dp := &DataPath{
		conn:        c,
		path:        p,
		logicalName: logicalName(p),
		mediaType:   mediaType,
		attributes:  NewAttributes(),
	}
	if err := c.system.Resolve(dp); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid path %q on connection %s", p, c.def.Name)
	}
	c.paths[p] = dp
	return dp, nil
}

// CurrentDataPath returns the working resource of the connection
func (c *Connection) CurrentDataPath() (*DataPath, error) {
	return c.DataPath(c.system.CurrentPath(), MediaTypeUnknown)
}

// Forget removes a path from the registry so its cached relation is lost
func (c *Connection) Forget(dp *DataPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, dp.path)
}

func (c *Connection) capabilityError(what string, dp *DataPath) error {
	return errors.Newf(errors.ErrorTypeCapability, "connection %s does not support %s (%s)", c.def.Name, what, dp.path).
		WithDetail("connection", c.def.Name).
		WithDetail("resource", dp.path)
}

func (c *Connection) describe(ctx context.Context, dp *DataPath) (*relation.RelationDef, error) {
	readable, ok := c.system.(Readable)
	if !ok || (!dp.mediaType.Tabular() && dp.mediaType != MediaTypeUnknown) {
		return relation.New(), nil
	}
	exists, err := c.Exists(ctx, dp)
	if err != nil {
		return nil, err
	}
	if !exists {
		return relation.New(), nil
	}
	rel, err := readable.Describe(ctx, dp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot describe %s", dp.ID())
	}
	return rel, nil
}

// Exists checks that the resource is physically present
func (c *Connection) Exists(ctx context.Context, dp *DataPath) (bool, error) {
	ok, err := c.system.Exists(ctx, dp)
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeConnection, "cannot check existence of %s", dp.ID())
	}
	return ok, nil
}

// Create creates the resource from its RelationDef
func (c *Connection) Create(ctx context.Context, dp *DataPath) error {
	creatable, ok := c.system.(Creatable)
	if !ok {
		return c.capabilityError("create", dp)
	}
	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return err
	}
	if err := creatable.Create(ctx, dp, rel); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData, "cannot create %s", dp.ID())
	}
	c.logger.Debug("resource created", zap.String("resource", dp.path))
	return nil
}

// Drop deletes the resource and forgets its cached relation
func (c *Connection) Drop(ctx context.Context, dp *DataPath) error {
	droppable, ok := c.system.(Droppable)
	if !ok {
		return c.capabilityError("drop", dp)
	}
	if err := droppable.Drop(ctx, dp); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData, "cannot drop %s", dp.ID())
	}
	dp.ResetRelationDef()
	c.logger.Debug("resource dropped", zap.String("resource", dp.path))
	return nil
}

// Truncate removes every row of the resource
func (c *Connection) Truncate(ctx context.Context, dp *DataPath) error {
	droppable, ok := c.system.(Droppable)
	if !ok {
		return c.capabilityError("truncate", dp)
	}
	if err := droppable.Truncate(ctx, dp); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData, "cannot truncate %s", dp.ID())
	}
	c.logger.Debug("resource truncated", zap.String("resource", dp.path))
	return nil
}

// Children lists the resources of a container matching a glob pattern
// (empty matches everything)
func (c *Connection) Children(ctx context.Context, dp *DataPath, pattern string) ([]*DataPath, error) {
	enumerable, ok := c.system.(Enumerable)
	if !ok {
		return nil, c.capabilityError("enumeration", dp)
	}
	paths, err := enumerable.Children(ctx, dp, pattern)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot list %s", dp.ID())
	}
	children := make([]*DataPath, 0, len(paths))
	for _, p := range paths {
		child, err := c.DataPath(p, MediaTypeUnknown)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// Select opens a cursor on the resource
func (c *Connection) Select(ctx context.Context, dp *DataPath) (stream.SelectStream, error) {
	readable, ok := c.system.(Readable)
	if !ok {
		return nil, c.capabilityError("select", dp)
	}
	if dp.kind == KindContainer {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s is a container and has no rows", dp.ID())
	}
	s, err := readable.Select(ctx, dp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot select %s", dp.ID())
	}
	return s, nil
}

// Insert opens an insert stream on the resource. On a writer limited
// backend it waits for a writer slot, released when the stream closes.
func (c *Connection) Insert(ctx context.Context, dp *DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	writable, ok := c.system.(Writable)
	if !ok {
		return nil, c.capabilityError("insert", dp)
	}
	if dp.kind == KindContainer {
		return nil, errors.Newf(errors.ErrorTypeValidation, "%s is a container and cannot receive rows", dp.ID())
	}
	release, err := c.AcquireWriter(ctx)
	if err != nil {
		return nil, err
	}
	s, err := writable.Insert(ctx, dp, opts)
	if err != nil {
		release()
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot open insert stream on %s", dp.ID())
	}
	return &releasingInsertStream{InsertStream: s, release: release}, nil
}

// AcquireWriter takes a writer slot. The returned func releases it and is
// safe to call more than once.
func (c *Connection) AcquireWriter(ctx context.Context) (func(), error) {
	if c.writers == nil {
		return func() {}, nil
	}
	if err := c.writers.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeTimeout, "no writer slot available on connection %s", c.def.Name)
	}
	var once sync.Once
	return func() { once.Do(func() { c.writers.Release(1) }) }, nil
}

// OpenBlob opens the raw bytes of a document
func (c *Connection) OpenBlob(ctx context.Context, dp *DataPath) (io.ReadCloser, error) {
	reader, ok := c.system.(BlobReader)
	if !ok {
		return nil, c.capabilityError("blob read", dp)
	}
	r, err := reader.OpenBlob(ctx, dp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "cannot open %s", dp.ID())
	}
	return r, nil
}

// CreateBlob creates or replaces the raw bytes of a document
func (c *Connection) CreateBlob(ctx context.Context, dp *DataPath) (io.WriteCloser, error) {
	writer, ok := c.system.(BlobWriter)
	if !ok {
		return nil, c.capabilityError("blob write", dp)
	}
	w, err := writer.CreateBlob(ctx, dp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "cannot create %s", dp.ID())
	}
	dp.ResetRelationDef()
	return w, nil
}

// Ping probes the backend. It never returns an error.
func (c *Connection) Ping(ctx context.Context) bool {
	if err := c.system.Ping(ctx); err != nil {
		c.logger.Debug("ping failed", zap.Error(err))
		return false
	}
	return true
}

// Close releases the backend. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.paths = make(map[string]*DataPath)
	if err := c.system.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "cannot close connection %s", c.def.Name)
	}
	c.logger.Debug("connection closed")
	return nil
}

type releasingInsertStream struct {
	stream.InsertStream
	release func()
}

func (s *releasingInsertStream) Close(ctx context.Context) error {
	defer s.release()
	return s.InsertStream.Close(ctx)
}
