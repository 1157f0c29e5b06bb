package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

func TestRelationDef_AddColumn(t *testing.T) {
	rel := New()
	id, err := rel.AddColumn("id", types.Integer, WithNullable(false))
	require.NoError(t, err)
	name, err := rel.AddColumn("First_Name", types.Varchar, WithPrecision(50, 0))
	require.NoError(t, err)

	assert.Equal(t, 1, id.Position)
	assert.Equal(t, 2, name.Position)
	assert.False(t, id.Nullable)
	assert.True(t, name.Nullable)

	_, err = rel.AddColumn("first-name", types.Text)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	col, ok := rel.Column("FIRSTNAME")
	require.True(t, ok)
	assert.Equal(t, "First_Name", col.Name)

	col, ok = rel.ColumnAt(1)
	require.True(t, ok)
	assert.Equal(t, "id", col.Name)
	_, ok = rel.ColumnAt(3)
	assert.False(t, ok)

	assert.Equal(t, []string{"id", "First_Name"}, rel.Names())
	assert.Equal(t, "First_Name varchar(50)", name.String())
}

func TestRelationDef_Keys(t *testing.T) {
	rel := New()
	_, _ = rel.AddColumn("id", types.Integer)
	_, _ = rel.AddColumn("email", types.Varchar)
	_, _ = rel.AddColumn("customer_id", types.Integer)

	require.NoError(t, rel.SetPrimaryKey("ID"))
	col, _ := rel.Column("id")
	assert.False(t, col.Nullable)

	require.NoError(t, rel.AddUniqueKey("email"))
	require.NoError(t, rel.AddUniqueKey("Email"))
	assert.Len(t, rel.UniqueKeys(), 1)

	require.NoError(t, rel.AddForeignKey(ForeignKeyDef{Columns: []string{"customer_id"}, ForeignResource: "customers"}))
	assert.Len(t, rel.ForeignKeys(), 1)

	assert.Error(t, rel.SetPrimaryKey("missing"))

	key, ok := rel.MatchKey()
	assert.True(t, ok)
	assert.Equal(t, []string{"id"}, key)

	clone := rel.Copy()
	assert.Equal(t, rel.Names(), clone.Names())
	assert.Equal(t, rel.PrimaryKey(), clone.PrimaryKey())
	c, _ := clone.Column("email")
	assert.True(t, c.Declared())
}

func decode(t *testing.T, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &m))
	return m
}

func TestMergeDataDefinitionFromYamlMap(t *testing.T) {
	rel := New()
	// derived from a csv header
	_, _ = rel.AddColumn("id", types.Varchar)
	_, _ = rel.AddColumn("amount", types.Varchar)

	err := rel.MergeDataDefinitionFromYamlMap(decode(t, `
columns:
  - name: id
    type: integer
    nullable: false
  - name: amount
    type: decimal(10,2)
  - name: loaded_at
    type: timestamp
    comment: load time
primaryColumns: [id]
`))
	require.NoError(t, err)

	id, _ := rel.Column("id")
	assert.Equal(t, types.Integer, id.Type)
	assert.False(t, id.Nullable)
	assert.True(t, id.Declared())

	amount, _ := rel.Column("amount")
	assert.Equal(t, types.Decimal, amount.Type)
	assert.Equal(t, 10, amount.Precision)
	assert.Equal(t, 2, amount.Scale)

	loaded, _ := rel.Column("loaded_at")
	assert.Equal(t, 3, loaded.Position)
	assert.Equal(t, "load time", loaded.Comment)
	assert.Equal(t, []string{"id"}, rel.PrimaryKey())
}

func TestMergeDataDefinitionFromYamlMap_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "colums: []", "valid attributes are: columns, primaryColumns, uniqueKeys, foreignKeys"},
		{"unknown column key", "columns:\n  - name: a\n    typ: integer", "valid attributes are: name, type"},
		{"unknown type", "columns:\n  - name: a\n    type: geometry", "unknown type"},
		{"conflicting types", "columns:\n  - name: a\n    type: integer\n  - name: a\n    type: varchar", "conflicting types"},
		{"bad primary key", "columns:\n  - name: a\nprimaryColumns: [b]", "key column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().MergeDataDefinitionFromYamlMap(decode(t, tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMergeDataDefinitionFromYamlMap_RejectedLeavesRelation(t *testing.T) {
	rel := New()
	_, _ = rel.AddColumn("id", types.Varchar)

	err := rel.MergeDataDefinitionFromYamlMap(decode(t, `
columns:
  - name: id
    type: integer
  - name: added
    type: date
  - name: id
    type: varchar
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting types")

	assert.Equal(t, []string{"id"}, rel.Names())
	id, _ := rel.Column("id")
	assert.Equal(t, types.Varchar, id.Type)
	assert.False(t, id.Declared())

	// the relation is still usable
	require.NoError(t, rel.MergeDataDefinitionFromYamlMap(decode(t, `columns:
  - name: id
    type: integer`)))
	id, _ = rel.Column("id")
	assert.Equal(t, types.Integer, id.Type)
}

type rowContext map[string]any

func (r rowContext) Value(column string) (any, bool) {
	v, ok := r[column]
	return v, ok
}

func (r rowContext) Attribute(name string) (any, bool) {
	if name == "logicalName" {
		return "users", true
	}
	return nil, false
}

func TestPlan_DependencyOrder(t *testing.T) {
	rel := New()
	err := rel.MergeDataDefinitionFromYamlMap(decode(t, `
columns:
  - name: label
    type: varchar
    generator:
      type: template
      format: "${source}-${seq}"
  - name: seq
    type: integer
    generator:
      type: sequence
      start: 10
      step: 5
  - name: source
    type: varchar
    generator:
      type: attribute
      name: logicalName
  - name: fingerprint
    type: varchar
    generator:
      type: hash
      columns: [label, name]
`))
	require.NoError(t, err)

	plan, err := NewPlan(rel, "name")
	require.NoError(t, err)

	var order []string
	for _, c := range plan.Columns() {
		order = append(order, c.Name)
	}
	assert.Equal(t, []string{"seq", "source", "label", "fingerprint"}, order)

	row, err := plan.Evaluate(rowContext{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), row["seq"])
	assert.Equal(t, "users-10", row["label"])
	assert.Len(t, row["fingerprint"], 16)

	row, err = plan.Evaluate(rowContext{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "users-15", row["label"])
}

func TestPlan_MissingDependency(t *testing.T) {
	rel := New()
	_, _ = rel.AddColumn("h", types.Varchar, WithGenerator(&GeneratorSpec{Kind: GeneratorHash, Args: map[string]any{"columns": []any{"ghost"}}}))

	_, err := NewPlan(rel)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "ghost")
}

func TestPlan_Cycle(t *testing.T) {
	rel := New()
	_, _ = rel.AddColumn("a", types.Varchar, WithGenerator(&GeneratorSpec{Kind: GeneratorTemplate, Args: map[string]any{"format": "${b}"}}))
	_, _ = rel.AddColumn("b", types.Varchar, WithGenerator(&GeneratorSpec{Kind: GeneratorTemplate, Args: map[string]any{"format": "${a}"}}))

	_, err := NewPlan(rel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle between columns a, b")
}

func TestParseGeneratorSpec(t *testing.T) {
	_, err := ParseGeneratorSpec(map[string]any{"type": "sequence", "begin": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "valid attributes are: start, step")

	_, err = ParseGeneratorSpec(map[string]any{"type": "lorem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generator type")

	spec, err := ParseGeneratorSpec(map[string]any{"type": "Random", "values": []any{"a", "b"}, "seed": 7})
	require.NoError(t, err)
	g, err := NewGenerator(spec, types.Varchar)
	require.NoError(t, err)
	v, err := g.Generate(rowContext{})
	require.NoError(t, err)
	assert.Contains(t, []any{"a", "b"}, v)
}
