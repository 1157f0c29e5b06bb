package connection

import (
	"context"
	"io"

	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// DataSystem is what a backend implements. Only the base methods are
// mandatory; everything else is declared through the capability interfaces
// below and checked at call time.
type DataSystem interface {
	// Types is the native type system of the backend
	Types() *types.System
	// CurrentPath is the path of the working resource (root directory,
	// default schema)
	CurrentPath() string
	// Resolve fills the kind, media type and payload of a new DataPath
	Resolve(dp *DataPath) error
	// Exists checks whether the resource is physically present
	Exists(ctx context.Context, dp *DataPath) (bool, error)
	// Ping probes the backend
	Ping(ctx context.Context) error
	// Close releases the backend
	Close() error
}

// Enumerable backends list the children of a container
type Enumerable interface {
	// Children returns the paths of the resources under a container
	Children(ctx context.Context, dp *DataPath, pattern string) ([]string, error)
}

// Creatable backends create resources from a RelationDef
type Creatable interface {
	Create(ctx context.Context, dp *DataPath, rel *relation.RelationDef) error
}

// Droppable backends delete and empty resources
type Droppable interface {
	Drop(ctx context.Context, dp *DataPath) error
	Truncate(ctx context.Context, dp *DataPath) error
}

// Readable backends produce rows
type Readable interface {
	// Describe derives the relation of an existing resource
	Describe(ctx context.Context, dp *DataPath) (*relation.RelationDef, error)
	// Select opens a cursor over the rows of the resource
	Select(ctx context.Context, dp *DataPath) (stream.SelectStream, error)
}

// Writable backends accept rows
type Writable interface {
	Insert(ctx context.Context, dp *DataPath, opts stream.InsertOptions) (stream.InsertStream, error)
}

// BlobReader backends expose the raw bytes of a document
type BlobReader interface {
	OpenBlob(ctx context.Context, dp *DataPath) (io.ReadCloser, error)
}

// BlobWriter backends accept raw bytes for a document
type BlobWriter interface {
	CreateBlob(ctx context.Context, dp *DataPath) (io.WriteCloser, error)
}

// WriterLimited backends accept a bounded number of concurrent writers
type WriterLimited interface {
	// MaxWriters is the writer ceiling; 0 means unlimited
	MaxWriters() int
}
