package format

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

func readAll(t *testing.T, r Reader) [][]any {
	t.Helper()
	var rows [][]any
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestFromExtension(t *testing.T) {
	tests := map[string]Codec{
		"users.csv":   CSV,
		"a/b/c.JSONL": JSONL,
		"events.json": JSON,
		"conf.yml":    YAML,
		"notes.txt":   Text,
		"script.sql":  Text,
	}
	for name, want := range tests {
		got, ok := FromExtension(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := FromExtension("archive.zip")
	assert.False(t, ok)
}

func TestCSVReader(t *testing.T) {
	r, err := NewReader(CSV, strings.NewReader("id,name\n1,ada\n2,\n"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, r.Relation().Names())
	assert.Equal(t, [][]any{{"1", "ada"}, {"2", nil}}, readAll(t, r))
}

func TestCSVReader_NoHeader(t *testing.T) {
	r, err := NewReader(CSV, strings.NewReader("1;ada\n2;grace\n"), Options{Delimiter: ';', NoHeader: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"col1", "col2"}, r.Relation().Names())
	assert.Len(t, readAll(t, r), 2)
}

func TestJSONReader_KeyOrder(t *testing.T) {
	doc := `{"zeta": 1, "alpha": "a", "nested": {"k": [1,2]}, "ratio": 0.5}
{"alpha": "b", "zeta": 2, "extra": true}
`
	r, err := NewReader(JSONL, strings.NewReader(doc), Options{})
	require.NoError(t, err)
	rel := r.Relation()
	assert.Equal(t, []string{"zeta", "alpha", "nested", "ratio"}, rel.Names())
	col, _ := rel.Column("zeta")
	assert.Equal(t, types.BigInt, col.Type)
	col, _ = rel.Column("ratio")
	assert.Equal(t, types.Double, col.Type)

	rows := readAll(t, r)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "a", rows[0][1])
	assert.JSONEq(t, `{"k": [1,2]}`, rows[0][2].(string))
	assert.Equal(t, 0.5, rows[0][3])
	assert.Equal(t, []any{int64(2), "b", nil, nil}, rows[1])
}

func TestJSONArrayReader(t *testing.T) {
	r, err := NewReader(JSON, strings.NewReader(`[{"id": 1}, {"id": 2}]`), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, readAll(t, r))

	r, err = NewReader(JSON, strings.NewReader(`[]`), Options{})
	require.NoError(t, err)
	assert.True(t, r.Relation().Empty())
	assert.Empty(t, readAll(t, r))
}

func TestYAMLReader(t *testing.T) {
	doc := `
- name: ada
  born: 1815
- name: grace
  born: 1906
`
	r, err := NewReader(YAML, strings.NewReader(doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "born"}, r.Relation().Names())
	assert.Equal(t, [][]any{{"ada", int64(1815)}, {"grace", int64(1906)}}, readAll(t, r))
}

func TestYAMLReader_DocumentStream(t *testing.T) {
	doc := "id: 1\n---\nid: 2\n"
	r, err := NewReader(YAML, strings.NewReader(doc), Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}, {int64(2)}}, readAll(t, r))
}

func usersRelation(t *testing.T) *relation.RelationDef {
	t.Helper()
	rel := relation.New()
	_, err := rel.AddColumn("id", types.BigInt)
	require.NoError(t, err)
	_, err = rel.AddColumn("name", types.Varchar)
	require.NoError(t, err)
	return rel
}

func TestWriterReaderRoundTrip(t *testing.T) {
	rows := [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(3), nil}}
	for _, codec := range []Codec{CSV, JSONL, JSON, YAML} {
		t.Run(string(codec), func(t *testing.T) {
			rel := usersRelation(t)
			var buf bytes.Buffer
			w, err := NewWriter(codec, &buf, rel, Options{}, true)
			require.NoError(t, err)
			for _, row := range rows {
				require.NoError(t, w.Write(row))
			}
			require.NoError(t, w.Close())

			r, err := NewReader(codec, &buf, Options{})
			require.NoError(t, err)
			assert.Equal(t, []string{"id", "name"}, r.Relation().Names())

			got := readAll(t, r)
			require.Len(t, got, len(rows))
			for i, row := range got {
				for j, col := range rel.Columns() {
					want, err := types.Cast(rows[i][j], col.Type)
					require.NoError(t, err)
					v, err := types.Cast(row[j], col.Type)
					require.NoError(t, err)
					assert.Equal(t, want, v, "row %d column %s", i+1, col.Name)
				}
			}
		})
	}
}

func TestEmptyWriters(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(JSON, &buf, usersRelation(t), Options{}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "[]\n", buf.String())

	buf.Reset()
	w, err = NewWriter(CSV, &buf, usersRelation(t), Options{}, true)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "id,name\n", buf.String())
}

func TestTextLines(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(Text, &buf, TextRelation(), Options{}, false)
	require.NoError(t, err)
	require.NoError(t, w.Write([]any{"first"}))
	require.NoError(t, w.Write([]any{int64(2)}))
	require.NoError(t, w.Close())
	assert.Equal(t, "first\n2\n", buf.String())

	r, err := NewReader(Text, &buf, Options{})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"first"}, {"2"}}, readAll(t, r))
}
