package connection

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// fakeSystem keeps relations in a map and writes nowhere
type fakeSystem struct {
	tables     map[string]*relation.RelationDef
	maxWriters int
	pingErr    error
	closed     int
	describes  int
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{tables: make(map[string]*relation.RelationDef)}
}

func (f *fakeSystem) Types() *types.System { return types.Generic }
func (f *fakeSystem) CurrentPath() string  { return "" }

func (f *fakeSystem) Resolve(dp *DataPath) error {
	if dp.Path() == "" {
		dp.SetKind(KindContainer)
		return nil
	}
	if dp.MediaType() == MediaTypeUnknown {
		dp.SetMediaType(MediaTypeRelation)
	}
	return nil
}

func (f *fakeSystem) Exists(ctx context.Context, dp *DataPath) (bool, error) {
	_, ok := f.tables[dp.Path()]
	return ok, nil
}

func (f *fakeSystem) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeSystem) Close() error                   { f.closed++; return nil }
func (f *fakeSystem) MaxWriters() int                { return f.maxWriters }

func (f *fakeSystem) Describe(ctx context.Context, dp *DataPath) (*relation.RelationDef, error) {
	f.describes++
	return f.tables[dp.Path()].Copy(), nil
}

func (f *fakeSystem) Select(ctx context.Context, dp *DataPath) (stream.SelectStream, error) {
	return stream.NewCursor(dp.ID(), f.tables[dp.Path()], stream.NewSliceFetcher(nil), nil), nil
}

func (f *fakeSystem) Insert(ctx context.Context, dp *DataPath, opts stream.InsertOptions) (stream.InsertStream, error) {
	return stream.NewBatchInserter(dp.ID(), f.tables[dp.Path()], discard{}, opts, nil), nil
}

func (f *fakeSystem) Children(ctx context.Context, dp *DataPath, pattern string) ([]string, error) {
	var names []string
	for name := range f.tables {
		if pattern == "" || glob.MustCompile(pattern).Match(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

type discard struct{}

func (discard) WriteBatch(ctx context.Context, rows [][]any) error { return nil }
func (discard) Close(ctx context.Context) error                    { return nil }

func newTestConnection(t *testing.T, system *fakeSystem) *Connection {
	t.Helper()
	users := relation.New()
	_, err := users.AddColumn("id", types.Integer)
	require.NoError(t, err)
	system.tables["users"] = users
	system.tables["orders"] = relation.New()
	return NewConnection(NewDefinition("fake", "fake://"), system)
}

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		in         string
		pattern    string
		connection string
		wantErr    bool
	}{
		{"users@sqlite", "users", "sqlite", false},
		{"*.csv@cd", "*.csv", "cd", false},
		{"me@mail.com@tmp", "me@mail.com", "tmp", false},
		{"users", "users", "", false},
		{"users@", "", "", true},
		{"", "", "", true},
		{"users@my conn", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			uri, err := ParseDataURI(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.pattern, uri.Pattern)
			assert.Equal(t, tt.connection, uri.Connection)
			assert.Equal(t, tt.in, uri.String())
		})
	}
}

func TestScheme(t *testing.T) {
	assert.Equal(t, "sqlite", Scheme("SQLite:///tmp/db"))
	assert.Equal(t, "file", Scheme("file:///home"))
	assert.Equal(t, "postgres", Scheme("postgres://user@host/db"))
	assert.Equal(t, "", Scheme("/tmp/no-scheme"))
	assert.Equal(t, "", Scheme("C\\x:y"))
}

func TestMediaTypeFromPath(t *testing.T) {
	assert.Equal(t, MediaTypeCSV, MediaTypeFromPath("users.csv"))
	assert.Equal(t, MediaTypeCSV, MediaTypeFromPath("users.csv.gz"))
	assert.Equal(t, MediaTypeJSONL, MediaTypeFromPath("events.ndjson"))
	assert.Equal(t, MediaTypeZip, MediaTypeFromPath("archive.zip"))
	assert.Equal(t, MediaTypeBinary, MediaTypeFromPath("picture.png"))
	assert.Equal(t, MediaTypeUnknown, MediaTypeFromPath("Makefile"))
	assert.Equal(t, MediaTypeCSV, ParseMediaType("CSV"))
}

func TestAttributes(t *testing.T) {
	attrs := NewAttributes()
	attrs.Set("queue-capacity", "10", OriginManifest)
	attrs.Set("QueueCapacity", "1", OriginDefault)

	n, err := attrs.Int("queue_capacity", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n, "a default never overrides a manifest value")

	attrs.Set("queueCapacity", "20", OriginRuntime)
	n, err = attrs.Int("QUEUE_CAPACITY", 0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	attrs.Set("timeout", "250", OriginManifest)
	d, err := attrs.Duration("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	attrs.Set("flag", "maybe", OriginManifest)
	_, err = attrs.Bool("flag", false)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Equal(t, "fallback", attrs.String("missing", "fallback"))
	assert.Equal(t, 3, attrs.Len())
}

func TestConnection_DataPathCache(t *testing.T) {
	ctx := context.Background()
	system := newFakeSystem()
	conn := newTestConnection(t, system)

	a, err := conn.DataPath("users", MediaTypeUnknown)
	require.NoError(t, err)
	b, err := conn.DataPath("users", MediaTypeUnknown)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.True(t, a.Equal(b))
	assert.Equal(t, "users@fake", a.ID())

	rel, err := a.RelationDef(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, rel.Names())
	_, err = b.RelationDef(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, system.describes, "relation is derived once")

	missing, err := conn.DataPath("missing", MediaTypeUnknown)
	require.NoError(t, err)
	rel, err = missing.RelationDef(ctx)
	require.NoError(t, err)
	assert.True(t, rel.Empty())
}

func TestConnection_Capabilities(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection(t, newFakeSystem())
	users, err := conn.DataPath("users", MediaTypeUnknown)
	require.NoError(t, err)

	err = users.Drop(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	_, err = users.OpenBlob(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	root, err := conn.CurrentDataPath()
	require.NoError(t, err)
	assert.Equal(t, KindContainer, root.Kind())
	_, err = root.Select(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	children, err := root.Children(ctx, "u*")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Same(t, users, children[0])
}

func TestConnection_WriterCeiling(t *testing.T) {
	ctx := context.Background()
	system := newFakeSystem()
	system.maxWriters = 1
	conn := newTestConnection(t, system)
	users, err := conn.DataPath("users", MediaTypeUnknown)
	require.NoError(t, err)

	first, err := users.Insert(ctx, stream.InsertOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = users.Insert(waitCtx, stream.InsertOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))

	require.NoError(t, first.Close(ctx))
	second, err := users.Insert(ctx, stream.InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, second.Close(ctx))
	require.NoError(t, second.Close(ctx))
}

func TestConnection_PingAndClose(t *testing.T) {
	system := newFakeSystem()
	conn := newTestConnection(t, system)
	assert.True(t, conn.Ping(context.Background()))
	system.pingErr = errors.New(errors.ErrorTypeConnection, "down")
	assert.False(t, conn.Ping(context.Background()))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, system.closed)
	_, err := conn.DataPath("users", MediaTypeUnknown)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&SchemeProvider{
		ProviderName: "fake",
		Schemes:      []string{"fake"},
		OpenFunc: func(ctx context.Context, def *Definition) (DataSystem, error) {
			return newFakeSystem(), nil
		},
	}))
	err := reg.Register(&SchemeProvider{ProviderName: "fake"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	conn, err := reg.Resolve(context.Background(), NewDefinition("f", "FAKE://somewhere"))
	require.NoError(t, err)
	assert.Equal(t, "f", conn.Name())

	_, err = reg.Resolve(context.Background(), NewDefinition("o", "oracle://db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider for scheme")

	_, err = reg.Resolve(context.Background(), NewDefinition("nouri", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uri property is mandatory")
}
