package connection

import (
	"context"
	"io"
	"path"
	"sync"

	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
)

// Kind is the structural role of a resource
type Kind int

const (
	// KindDocument is a leaf resource holding rows or bytes
	KindDocument Kind = iota
	// KindContainer is a namespace holding other resources
	KindContainer
)

func (k Kind) String() string {
	if k == KindContainer {
		return "container"
	}
	return "document"
}

// DataPath is a handle on one resource of a Connection. It may or may not
// exist physically. Two DataPaths are equal when they share the connection
// name and the path.
type DataPath struct {
	conn        *Connection
	path        string
	logicalName string
	mediaType   MediaType
	kind        Kind
	payload     any
	attributes  *Attributes

	mu  sync.Mutex
	rel *relation.RelationDef
}

// Connection returns the owning connection
func (dp *DataPath) Connection() *Connection { return dp.conn }

// Path returns the backend path
func (dp *DataPath) Path() string { return dp.path }

// LogicalName is the friendly name, the last path segment without extension by default
func (dp *DataPath) LogicalName() string { return dp.logicalName }

// MediaType returns the media type
func (dp *DataPath) MediaType() MediaType { return dp.mediaType }

// Kind returns the structural role
func (dp *DataPath) Kind() Kind { return dp.kind }

// Payload returns the backend specific value attached by the DataSystem
func (dp *DataPath) Payload() any { return dp.payload }

// Attributes are resource level settings (queue capacity, csv delimiter)
func (dp *DataPath) Attributes() *Attributes { return dp.attributes }

// SetKind is used by a DataSystem while resolving the path
func (dp *DataPath) SetKind(k Kind) { dp.kind = k }

// SetMediaType is used by a DataSystem while resolving the path
func (dp *DataPath) SetMediaType(m MediaType) { dp.mediaType = m }

// SetPayload is used by a DataSystem while resolving the path
func (dp *DataPath) SetPayload(p any) { dp.payload = p }

// SetLogicalName overrides the logical name
func (dp *DataPath) SetLogicalName(name string) { dp.logicalName = name }

// ID is path@connection
func (dp *DataPath) ID() string {
	return DataURI{Pattern: dp.path, Connection: dp.conn.Name()}.String()
}

func (dp *DataPath) String() string { return dp.ID() }

// Equal compares connection name and path
func (dp *DataPath) Equal(other *DataPath) bool {
	if dp == nil || other == nil {
		return dp == other
	}
	return dp.conn.Name() == other.conn.Name() && dp.path == other.path
}

// RelationDef returns the cached relation, deriving it on first call. An
// existing readable resource is described by its backend; otherwise an
// empty relation is returned for the caller to fill.
func (dp *DataPath) RelationDef(ctx context.Context) (*relation.RelationDef, error) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if dp.rel != nil {
		return dp.rel, nil
	}
	rel, err := dp.conn.describe(ctx, dp)
	if err != nil {
		return nil, err
	}
	dp.rel = rel
	return rel, nil
}

// SetRelationDef replaces the cached relation
func (dp *DataPath) SetRelationDef(rel *relation.RelationDef) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.rel = rel
}

// ResetRelationDef drops the cached relation so the next call derives it again
func (dp *DataPath) ResetRelationDef() {
	dp.SetRelationDef(nil)
}

// Exists delegates to the connection
func (dp *DataPath) Exists(ctx context.Context) (bool, error) {
	return dp.conn.Exists(ctx, dp)
}

// Create delegates to the connection
func (dp *DataPath) Create(ctx context.Context) error {
	return dp.conn.Create(ctx, dp)
}

// Drop delegates to the connection
func (dp *DataPath) Drop(ctx context.Context) error {
	return dp.conn.Drop(ctx, dp)
}

// Truncate delegates to the connection
func (dp *DataPath) Truncate(ctx context.Context) error {
	return dp.conn.Truncate(ctx, dp)
}

// Children delegates to the connection
func (dp *DataPath) Children(ctx context.Context, pattern string) ([]*DataPath, error) {
	return dp.conn.Children(ctx, dp, pattern)
}

// Select delegates to the connection
func (dp *DataPath) Select(ctx context.Context) (stream.SelectStream, error) {
	return dp.conn.Select(ctx, dp)
}

// Insert delegates to the connection
func (dp *DataPath) Insert(ctx context.Context, opts stream.InsertOptions) (stream.InsertStream, error) {
	return dp.conn.Insert(ctx, dp, opts)
}

// OpenBlob delegates to the connection
func (dp *DataPath) OpenBlob(ctx context.Context) (io.ReadCloser, error) {
	return dp.conn.OpenBlob(ctx, dp)
}

// CreateBlob delegates to the connection
func (dp *DataPath) CreateBlob(ctx context.Context) (io.WriteCloser, error) {
	return dp.conn.CreateBlob(ctx, dp)
}

func logicalName(p string) string {
	base := path.Base(p)
	if base == "." || base == "/" {
		return p
	}
	for {
		ext := path.Ext(base)
		if ext == "" || ext == base {
			return base
		}
		base = base[:len(base)-len(ext)]
	}
}
