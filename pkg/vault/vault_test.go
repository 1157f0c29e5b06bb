package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
)

func newDef(t *testing.T, name, uri string, attrs ...string) *connection.Definition {
	t.Helper()
	def := connection.NewDefinition(name, uri)
	for i := 0; i+1 < len(attrs); i += 2 {
		def.Attributes.Set(attrs[i], attrs[i+1], connection.OriginManifest)
	}
	return def
}

func names(defs []*connection.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestLoad_MissingFile(t *testing.T) {
	v, err := Load(filepath.Join(t.TempDir(), "vault.ini"))
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())
}

func TestFlushAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "vault.ini")
	v := New(path)
	require.NoError(t, v.Add(newDef(t, "sales", "postgres://localhost:5432/sales?sslmode=disable#x", "user", "reporting", "password", "p;w#d")))
	require.NoError(t, v.Add(newDef(t, "lake", "s3://lake/raw", "region", "eu-west-1")))
	require.NoError(t, v.Add(newDef(t, "local", "file:///tmp")))
	require.NoError(t, v.Flush())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, v.Len(), loaded.Len())
	for _, want := range v.sorted() {
		got, ok := loaded.Connection(want.Name)
		require.True(t, ok, want.Name)
		assert.Equal(t, want.URI, got.URI)
		assert.ElementsMatch(t, want.Attributes.All(), got.Attributes.All())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file is left behind")
}

func TestFlush_DeterministicOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.ini")
	v := New(path)
	require.NoError(t, v.Add(newDef(t, "zeta", "memory://", "b", "2", "a", "1")))
	require.NoError(t, v.Add(newDef(t, "alpha", "memory://")))
	require.NoError(t, v.Flush())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(content)
	order := []string{"[alpha]", "[zeta]", "uri", "a ", "b "}
	last := -1
	for _, token := range order {
		i := strings.Index(text[last+1:], token)
		require.GreaterOrEqual(t, i, 0, "%s missing or out of order in\n%s", token, text)
		last += i + 1
	}
}

func TestLoad_PartialFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.ini")
	content := `[good]
uri = sqlite:///tmp/db.sqlite

[nouri]
user = me

[dup]
uri = memory://
queue-capacity = 1
queueCapacity = 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := Load(path)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "nouri")
	assert.Contains(t, errs[0].Error(), "uri")
	assert.Contains(t, errs[1].Error(), "dup")
	assert.Contains(t, errs[1].Error(), "queueCapacity")

	assert.Equal(t, 1, v.Len())
	_, ok := v.Connection("good")
	assert.True(t, ok)
}

func TestConnections_Globs(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "vault.ini"))
	for _, name := range []string{"sales_eu", "sales_us", "Sales_old", "lake"} {
		require.NoError(t, v.Add(newDef(t, name, "memory://")))
	}

	all, err := v.Connections()
	require.NoError(t, err)
	assert.Equal(t, []string{"Sales_old", "lake", "sales_eu", "sales_us"}, names(all))

	sales, err := v.Connections("sales_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_eu", "sales_us"}, names(sales))

	either, err := v.Connections("lake", "*_eu")
	require.NoError(t, err)
	assert.Equal(t, []string{"lake", "sales_eu"}, names(either))
}

func TestAdd_Rejects(t *testing.T) {
	v := New(filepath.Join(t.TempDir(), "vault.ini"))
	require.NoError(t, v.Add(newDef(t, "a", "memory://")))

	err := v.Add(newDef(t, "a", "file:///tmp"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	err = v.Add(newDef(t, "b", ""))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRemoveAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.ini")
	v := New(path)
	for _, name := range []string{"tmp1", "tmp2", "keep"} {
		require.NoError(t, v.Add(newDef(t, name, "memory://")))
	}

	removed, err := v.Remove("tmp*")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp1", "tmp2"}, names(removed))
	assert.Equal(t, 1, v.Len())

	err = v.Delete("tmp1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	require.NoError(t, v.Delete("keep"))
	assert.Equal(t, 0, v.Len())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "mutations are not persisted without flush")
}
