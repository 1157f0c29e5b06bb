package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

func openDir(t *testing.T, dir string) *connection.Connection {
	t.Helper()
	reg := connection.NewRegistry()
	require.NoError(t, reg.Register(NewProvider()))
	conn, err := reg.Resolve(context.Background(), connection.NewDefinition("tmp", URI(dir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func TestOpen_Root(t *testing.T) {
	dir := t.TempDir()
	conn := openDir(t, dir)
	system := conn.System().(*System)
	assert.Equal(t, dir, system.Root())
	assert.True(t, conn.Ping(context.Background()))

	root, err := conn.CurrentDataPath()
	require.NoError(t, err)
	assert.Equal(t, connection.KindContainer, root.Kind())
	assert.Equal(t, connection.MediaTypeDirectory, root.MediaType())
}

func TestSelect_CSV(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "users.csv"), "id,name\n1,alice\n2,\n")
	conn := openDir(t, dir)

	dp, err := conn.DataPath("users.csv", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, connection.MediaTypeCSV, dp.MediaType())
	assert.Equal(t, "users", dp.LogicalName())

	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rel.Names())

	sel, err := dp.Select(ctx)
	require.NoError(t, err)
	rows, err := stream.Collect(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"1", "alice"}, {"2", nil}}, rows)
}

func TestSelect_CastsToDeclaredTypes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "scores.csv"), "score,id\n10,1\n20,2\n")
	conn := openDir(t, dir)

	dp, err := conn.DataPath("scores.csv", connection.MediaTypeUnknown)
	require.NoError(t, err)
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	score, ok := rel.Column("score")
	require.True(t, ok)
	score.Type = types.BigInt

	sel, err := dp.Select(ctx)
	require.NoError(t, err)
	rows, err := stream.Collect(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(10), "1"}, {int64(20), "2"}}, rows)
}

func TestSelect_Compressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn := openDir(t, dir)

	dp, err := conn.DataPath("events.jsonl.gz", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, connection.MediaTypeJSONL, dp.MediaType())
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	_, err = rel.AddColumn("event", types.Varchar)
	require.NoError(t, err)

	ins, err := dp.Insert(ctx, stream.InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, ins.Insert(ctx, []any{"login"}))
	require.NoError(t, ins.Insert(ctx, []any{"logout"}))
	require.NoError(t, ins.Close(ctx))

	sel, err := dp.Select(ctx)
	require.NoError(t, err)
	rows, err := stream.Collect(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"login"}, {"logout"}}, rows)
}

func TestInsert_AppendsCSV(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn := openDir(t, dir)

	dp, err := conn.DataPath("out/users.csv", connection.MediaTypeUnknown)
	require.NoError(t, err)
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	_, err = rel.AddColumn("id", types.Varchar)
	require.NoError(t, err)
	_, err = rel.AddColumn("name", types.Varchar)
	require.NoError(t, err)

	for _, row := range [][]any{{"1", "a"}, {"2", "b"}} {
		ins, err := dp.Insert(ctx, stream.InsertOptions{})
		require.NoError(t, err)
		require.NoError(t, ins.Insert(ctx, row))
		require.NoError(t, ins.Close(ctx))
	}

	content, err := os.ReadFile(filepath.Join(dir, "out", "users.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,a\n2,b\n", string(content))

	require.NoError(t, dp.Truncate(ctx))
	content, err = os.ReadFile(filepath.Join(dir, "out", "users.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,name\n", string(content))
}

func TestInsert_RewritesJSONArray(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "users.json"), `[{"id":1,"name":"a"}]`)
	conn := openDir(t, dir)

	dp, err := conn.DataPath("users.json", connection.MediaTypeUnknown)
	require.NoError(t, err)
	ins, err := dp.Insert(ctx, stream.InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, ins.Insert(ctx, []any{int64(2), "b"}))
	require.NoError(t, ins.Close(ctx))

	sel, err := dp.Select(ctx)
	require.NoError(t, err)
	rows, err := stream.Collect(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, rows)
}

func TestInsert_Upsert(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "users.csv"), "id\n1\n")
	conn := openDir(t, dir)
	dp, err := conn.DataPath("users.csv", connection.MediaTypeUnknown)
	require.NoError(t, err)
	_, err = dp.Insert(ctx, stream.InsertOptions{Operation: stream.OperationUpsert})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestCreateAndDrop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn := openDir(t, dir)

	dp, err := conn.DataPath("new.csv", connection.MediaTypeUnknown)
	require.NoError(t, err)
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	_, err = rel.AddColumn("a", types.Varchar)
	require.NoError(t, err)
	_, err = rel.AddColumn("b", types.Varchar)
	require.NoError(t, err)

	require.NoError(t, dp.Create(ctx))
	content, err := os.ReadFile(filepath.Join(dir, "new.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(content))

	err = dp.Create(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	require.NoError(t, dp.Drop(ctx))
	exists, err := dp.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.True(t, errors.IsType(dp.Drop(ctx), errors.ErrorTypeNotFound))

	folder, err := conn.DataPath("folder", connection.MediaTypeDirectory)
	require.NoError(t, err)
	assert.Equal(t, connection.KindContainer, folder.Kind())
	require.NoError(t, folder.Create(ctx))
	info, err := os.Stat(filepath.Join(dir, "folder"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestChildren(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.json", "sub/c.csv", "sub/deep/d.csv"} {
		writeFile(t, filepath.Join(dir, filepath.FromSlash(name)), "x\n")
	}
	conn := openDir(t, dir)
	root, err := conn.CurrentDataPath()
	require.NoError(t, err)

	paths := func(pattern string) []string {
		children, err := root.Children(ctx, pattern)
		require.NoError(t, err)
		var out []string
		for _, c := range children {
			out = append(out, c.Path())
		}
		return out
	}

	assert.Equal(t, []string{"a.csv"}, paths("*.csv"))
	assert.Equal(t, []string{"sub/c.csv"}, paths("*/*.csv"))
	assert.Equal(t, []string{"a.csv", "sub/c.csv", "sub/deep/d.csv"}, paths("**/*.csv"))
	assert.Equal(t, []string{"a.csv", "b.json", "sub"}, paths(""))

	sub, err := conn.DataPath("sub", connection.MediaTypeUnknown)
	require.NoError(t, err)
	children, err := sub.Children(ctx, "*.csv")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "sub/c.csv", children[0].Path())
}

func TestBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	conn := openDir(t, dir)

	dp, err := conn.DataPath("bin/data.bin", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, connection.MediaTypeBinary, dp.MediaType())

	w, err := dp.CreateBlob(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte{0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := dp.OpenBlob(ctx)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	_, err = dp.Select(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}
