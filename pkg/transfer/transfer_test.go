package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/connector/sqldb"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

func registry(t *testing.T) *connection.Registry {
	t.Helper()
	reg := connection.NewRegistry()
	require.NoError(t, reg.Register(memory.NewProvider()))
	require.NoError(t, reg.Register(sqldb.NewProvider(sqldb.SQLite{})))
	return reg
}

func open(t *testing.T, name, uri string) *connection.Connection {
	t.Helper()
	conn, err := registry(t).Resolve(context.Background(), connection.NewDefinition(name, uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func openSQLite(t *testing.T) *connection.Connection {
	return open(t, "sqlite", "sqlite://"+filepath.ToSlash(filepath.Join(t.TempDir(), "transfer.db")))
}

type column struct {
	name string
	typ  types.Type
	opts []relation.ColumnOption
}

func col(name string, typ types.Type, opts ...relation.ColumnOption) column {
	return column{name: name, typ: typ, opts: opts}
}

// resource declares the columns of a DataPath and fills it with rows
func resource(t *testing.T, conn *connection.Connection, name string, cols []column, rows ...[]any) *connection.DataPath {
	t.Helper()
	ctx := context.Background()
	dp, err := conn.DataPath(name, connection.MediaTypeUnknown)
	require.NoError(t, err)
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	for _, c := range cols {
		_, err := rel.AddColumn(c.name, c.typ, c.opts...)
		require.NoError(t, err)
	}
	require.NoError(t, dp.Create(ctx))
	if len(rows) > 0 {
		ins, err := dp.Insert(ctx, stream.InsertOptions{})
		require.NoError(t, err)
		for _, row := range rows {
			require.NoError(t, ins.Insert(ctx, row))
		}
		require.NoError(t, ins.Close(ctx))
	}
	return dp
}

func selectAll(t *testing.T, dp *connection.DataPath) [][]any {
	t.Helper()
	sel, err := dp.Select(context.Background())
	require.NoError(t, err)
	rows, err := stream.Collect(context.Background(), sel)
	require.NoError(t, err)
	return rows
}

var users = []column{col("id", types.Integer), col("name", types.Text)}

func TestTransfer_SimpleScenario(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	db := openSQLite(t)

	source := resource(t, mem, "users", users, []any{int64(1), "a"}, []any{int64(2), "b"})
	target := resource(t, db, "users", users)

	res, err := Transfer(ctx, SourceTarget{Source: source, Target: target})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsRead)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, int64(1), res.Batches)
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, selectAll(t, target))
}

func TestTransfer_CreatesTarget(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	db := openSQLite(t)

	source := resource(t, mem, "users", users, []any{int64(1), "a"}, []any{int64(2), "b"}, []any{int64(3), "c"})
	srcRel, err := source.RelationDef(ctx)
	require.NoError(t, err)
	require.NoError(t, srcRel.SetPrimaryKey("id"))

	target, err := db.DataPath("people", connection.MediaTypeUnknown)
	require.NoError(t, err)

	res, err := Transfer(ctx, SourceTarget{
		Source:     source,
		Target:     target,
		Properties: Properties{BatchSize: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowsWritten)
	assert.Equal(t, int64(2), res.Batches)

	// described again from the catalog
	target.ResetRelationDef()
	rel, err := target.RelationDef(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rel.Names())
	assert.Equal(t, []string{"id"}, rel.PrimaryKey())
	assert.Len(t, selectAll(t, target), 3)
}

func TestTransfer_NoCreate(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	source := resource(t, mem, "users", users, []any{int64(1), "a"})
	target, err := mem.DataPath("missing", connection.MediaTypeUnknown)
	require.NoError(t, err)

	_, err = Transfer(ctx, SourceTarget{Source: source, Target: target, Properties: Properties{NoCreate: true}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestTransfer_Mapping(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")

	t.Run("explicit", func(t *testing.T) {
		source := resource(t, mem, "src1", users, []any{int64(1), "a"})
		target := resource(t, mem, "tgt1", []column{col("label", types.Varchar), col("key", types.BigInt)})
		_, err := Transfer(ctx, SourceTarget{
			Source:  source,
			Target:  target,
			Mapping: map[string]string{"id": "key", "name": "label"},
		})
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"a", int64(1)}}, selectAll(t, target))
	})

	t.Run("by normalized name", func(t *testing.T) {
		source := resource(t, mem, "src2", users, []any{int64(1), "a"})
		target := resource(t, mem, "tgt2", []column{col("NAME", types.Varchar), col("Id", types.BigInt)})
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: target})
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"a", int64(1)}}, selectAll(t, target))
	})

	t.Run("by position", func(t *testing.T) {
		source := resource(t, mem, "src3", users, []any{int64(1), "a"})
		target := resource(t, mem, "tgt3", []column{col("k", types.Varchar), col("v", types.Varchar)})
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: target})
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"1", "a"}}, selectAll(t, target))
	})

	t.Run("partial mapping matches the other columns by name", func(t *testing.T) {
		strict := []column{
			col("id", types.Integer, relation.WithNullable(false)),
			col("name", types.Text, relation.WithNullable(false)),
		}
		source := resource(t, mem, "src5", strict, []any{int64(1), "a"})
		target, err := mem.DataPath("tgt5", connection.MediaTypeUnknown)
		require.NoError(t, err)

		_, err = Transfer(ctx, SourceTarget{Source: source, Target: target, Mapping: map[string]string{"id": "ident"}})
		require.NoError(t, err)
		rel, err := target.RelationDef(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ident", "name"}, rel.Names())
		assert.Equal(t, [][]any{{int64(1), "a"}}, selectAll(t, target))
	})

	t.Run("renamed column is not matched again by name", func(t *testing.T) {
		source := resource(t, mem, "src6", users, []any{int64(1), "a"})
		target := resource(t, mem, "tgt6", []column{col("id", types.Text), col("label", types.Text)})
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: target, Mapping: map[string]string{"name": "id"}})
		require.NoError(t, err)
		assert.Equal(t, [][]any{{"a", nil}}, selectAll(t, target))
	})

	t.Run("unknown mapped column", func(t *testing.T) {
		source := resource(t, mem, "src4", users, []any{int64(1), "a"})
		target := resource(t, mem, "tgt4", users)
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: target, Mapping: map[string]string{"nope": "id"}})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	})
}

func TestTransfer_FailedChecksCreateNothing(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	source := resource(t, mem, "users", users, []any{int64(1), "a"})

	tests := []struct {
		name    string
		st      func(target *connection.DataPath) SourceTarget
		errType errors.ErrorType
	}{
		{
			name: "unknown mapped source column",
			st: func(target *connection.DataPath) SourceTarget {
				return SourceTarget{Source: source, Target: target, Mapping: map[string]string{"nope": "id"}}
			},
			errType: errors.ErrorTypeNotFound,
		},
		{
			name: "upsert without key",
			st: func(target *connection.DataPath) SourceTarget {
				return SourceTarget{Source: source, Target: target, Properties: Properties{Operation: OperationUpsert}}
			},
			errType: errors.ErrorTypeConfig,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := mem.DataPath(fmt.Sprintf("fresh%d", i), connection.MediaTypeUnknown)
			require.NoError(t, err)

			_, err = Transfer(ctx, tt.st(target))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), err.Error())

			exists, err := target.Exists(ctx)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestTransfer_NonNullableCoverage(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	source := resource(t, mem, "src", users, []any{int64(1), "a"})
	target := resource(t, mem, "tgt", []column{
		col("id", types.Integer),
		col("created", types.Timestamp, relation.WithNullable(false)),
	})

	_, err := Transfer(ctx, SourceTarget{Source: source, Target: target})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "created")
	assert.Empty(t, selectAll(t, target), "no row moves when the pre-checks fail")
}

func TestTransfer_Generator(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	source := resource(t, mem, "src", users, []any{int64(1), "a"}, []any{int64(2), "b"})
	spec, err := relation.ParseGeneratorSpec(map[string]any{"type": "template", "format": "${name}-${id}"})
	require.NoError(t, err)
	target := resource(t, mem, "tgt", []column{
		col("id", types.Integer),
		col("label", types.Varchar, relation.WithNullable(false), relation.WithGenerator(spec)),
	})

	_, err = Transfer(ctx, SourceTarget{Source: source, Target: target})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), "a-1"}, {int64(2), "b-2"}}, selectAll(t, target))
}

func TestTransfer_CastErrorNamesRowAndColumn(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	source := resource(t, mem, "src", []column{col("id", types.Varchar)}, []any{"1"}, []any{"two"})
	target := resource(t, mem, "tgt", []column{col("id", types.Integer)})

	_, err := Transfer(ctx, SourceTarget{Source: source, Target: target})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCast))
	assert.Contains(t, err.Error(), "row 2")
	assert.Contains(t, err.Error(), "column id")
}

func TestTransfer_UpsertAndReplace(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	db := openSQLite(t)

	target := resource(t, db, "users", []column{col("id", types.Integer), col("name", types.Text)},
		[]any{int64(1), "old"}, []any{int64(9), "kept"})
	rel, err := target.RelationDef(ctx)
	require.NoError(t, err)
	require.NoError(t, rel.SetPrimaryKey("id"))

	source := resource(t, mem, "users", users, []any{int64(1), "new"}, []any{int64(2), "b"})

	t.Run("upsert without key", func(t *testing.T) {
		keyless := resource(t, mem, "keyless", users)
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: keyless, Properties: Properties{Operation: OperationUpsert}})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("upsert", func(t *testing.T) {
		// the table was created without primary key, the match key is explicit
		_, err := db.System().(*sqldb.System).DB().ExecContext(ctx, `CREATE UNIQUE INDEX users_id ON "users" ("id")`)
		require.NoError(t, err)
		_, err = Transfer(ctx, SourceTarget{Source: source, Target: target, Properties: Properties{Operation: OperationUpsert}})
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]any{{int64(1), "new"}, {int64(9), "kept"}, {int64(2), "b"}}, selectAll(t, target))
	})

	t.Run("replace", func(t *testing.T) {
		_, err := Transfer(ctx, SourceTarget{Source: source, Target: target, Properties: Properties{Operation: OperationReplace}})
		require.NoError(t, err)
		assert.ElementsMatch(t, [][]any{{int64(1), "new"}, {int64(2), "b"}}, selectAll(t, target))
	})
}

func TestTransfer_SameResource(t *testing.T) {
	mem := open(t, "memory", "memory://")
	dp := resource(t, mem, "users", users)
	_, err := Transfer(context.Background(), SourceTarget{Source: dp, Target: dp})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestParseOperation(t *testing.T) {
	for in, want := range map[string]Operation{"": OperationInsert, "copy": OperationReplace, "upsert": OperationUpsert, "merge": OperationUpsert} {
		got, err := ParseOperation(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOperation("move")
	assert.Error(t, err)
}

func TestManager_Run(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	a := resource(t, mem, "a", users, []any{int64(1), "a"})
	b := resource(t, mem, "b", users, []any{int64(2), "b"})
	all, err := mem.DataPath("all", connection.MediaTypeUnknown)
	require.NoError(t, err)

	results, err := NewManager().Run(ctx, []SourceTarget{{Source: a, Target: all}, {Source: b, Target: all}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, selectAll(t, all))
}

func insertRows(t *testing.T, dp *connection.DataPath, rows ...[]any) {
	t.Helper()
	ctx := context.Background()
	ins, err := dp.Insert(ctx, stream.InsertOptions{})
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, ins.Insert(ctx, row))
	}
	require.NoError(t, ins.Close(ctx))
}
