package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

func table(t *testing.T, conn *connection.Connection, name string, parent string) *connection.DataPath {
	t.Helper()
	ctx := context.Background()
	dp, err := conn.DataPath(name, connection.MediaTypeUnknown)
	require.NoError(t, err)
	rel, err := dp.RelationDef(ctx)
	require.NoError(t, err)
	_, err = rel.AddColumn("id", types.Integer)
	require.NoError(t, err)
	require.NoError(t, rel.SetPrimaryKey("id"))
	if parent != "" {
		_, err = rel.AddColumn("parent_id", types.Integer)
		require.NoError(t, err)
		require.NoError(t, rel.AddForeignKey(relation.ForeignKeyDef{
			Columns:         []string{"parent_id"},
			ForeignResource: parent,
			ForeignColumns:  []string{"id"},
		}))
	}
	return dp
}

func ids(paths []*connection.DataPath) []string {
	out := make([]string, len(paths))
	for i, dp := range paths {
		out[i] = dp.Path()
	}
	return out
}

func TestDependencyOrder(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	customer := table(t, db, "customer", "")
	orders := table(t, db, "orders", "customer")
	lines := table(t, db, "order_line", "orders")
	for _, dp := range []*connection.DataPath{customer, orders, lines} {
		require.NoError(t, dp.Create(ctx))
	}

	ordered, err := DependencyOrder(ctx, []*connection.DataPath{customer, orders, lines})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_line", "orders", "customer"}, ids(ordered))

	// a parent outside the set does not constrain the order
	ordered, err = DependencyOrder(ctx, []*connection.DataPath{orders, lines})
	require.NoError(t, err)
	assert.Equal(t, []string{"order_line", "orders"}, ids(ordered))
}

func TestDropAndTruncateAll_ForeignKeys(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	customer := table(t, db, "customer", "")
	orders := table(t, db, "orders", "customer")
	for _, dp := range []*connection.DataPath{customer, orders} {
		require.NoError(t, dp.Create(ctx))
	}
	insertRows(t, customer, []any{int64(1)})
	insertRows(t, orders, []any{int64(10), int64(1)})

	m := NewManager()
	require.NoError(t, m.TruncateAll(ctx, []*connection.DataPath{customer, orders}))
	assert.Empty(t, selectAll(t, customer))

	require.NoError(t, m.DropAll(ctx, []*connection.DataPath{customer, orders}))
	for _, dp := range []*connection.DataPath{customer, orders} {
		exists, err := dp.Exists(ctx)
		require.NoError(t, err)
		assert.False(t, exists, dp.Path())
	}
}

func TestDropAll_CycleTouchesNothing(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	a := table(t, mem, "a", "b")
	b := table(t, mem, "b", "a")
	c := table(t, mem, "c", "")
	for _, dp := range []*connection.DataPath{a, b, c} {
		require.NoError(t, dp.Create(ctx))
	}

	err := NewManager().DropAll(ctx, []*connection.DataPath{c, a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a@memory")
	assert.Contains(t, err.Error(), "b@memory")
	assert.NotContains(t, err.Error(), "c@memory")

	for _, dp := range []*connection.DataPath{a, b, c} {
		exists, err := dp.Exists(ctx)
		require.NoError(t, err)
		assert.True(t, exists, dp.Path())
	}
}

func TestDependencyOrder_CycleNamesOnlyItsMembers(t *testing.T) {
	ctx := context.Background()
	mem := open(t, "memory", "memory://")
	a := table(t, mem, "a", "b")
	b := table(t, mem, "b", "a")
	c := table(t, mem, "c", "")
	d := table(t, mem, "d", "c")

	// b also references c, which is no member of the cycle
	rel, err := b.RelationDef(ctx)
	require.NoError(t, err)
	_, err = rel.AddColumn("c_id", types.Integer)
	require.NoError(t, err)
	require.NoError(t, rel.AddForeignKey(relation.ForeignKeyDef{
		Columns:         []string{"c_id"},
		ForeignResource: "c",
		ForeignColumns:  []string{"id"},
	}))
	for _, dp := range []*connection.DataPath{a, b, c, d} {
		require.NoError(t, dp.Create(ctx))
	}

	_, err = DependencyOrder(ctx, []*connection.DataPath{d, c, a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "foreign key cycle between a@memory, b@memory")
	assert.NotContains(t, err.Error(), "c@memory")
	assert.NotContains(t, err.Error(), "d@memory")
}
