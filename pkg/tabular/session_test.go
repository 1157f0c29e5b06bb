package tabular

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/testutil"
	"github.com/tabulify/tabulify/pkg/vault"
)

func TestNew_Builtins(t *testing.T) {
	cfg := testutil.Config(t)
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, CwdConnection, s.DefaultConnection())
	assert.Zero(t, s.Vault().Len(), "a missing vault file is an empty vault")

	var names []string
	for _, def := range s.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"cd", "memory", "tmp"}, names)

	tmp, ok := s.Definition(TmpConnection)
	require.True(t, ok)
	assert.Contains(t, tmp.URI, filepath.ToSlash(filepath.Join(cfg.Home, "tmp")))
	builtin, ok := tmp.Attributes.Get("builtin")
	require.True(t, ok)
	assert.Equal(t, connection.OriginInternal, builtin.Origin)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testutil.Config(t)
	cfg.Performance.BatchSize = 0
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestVaultOverridesBuiltin(t *testing.T) {
	cfg := testutil.Config(t)
	scratch := t.TempDir()
	v := vault.New(cfg.Vault.Path)
	require.NoError(t, v.Add(connection.NewDefinition("tmp", "file://"+filepath.ToSlash(scratch))))
	require.NoError(t, v.Add(connection.NewDefinition("lake", "s3://lake/raw")))

	s, err := New(cfg, WithVault(v))
	require.NoError(t, err)
	defer s.Close()

	def, ok := s.Definition("tmp")
	require.True(t, ok)
	assert.Equal(t, "file://"+filepath.ToSlash(scratch), def.URI)

	var names []string
	for _, def := range s.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"cd", "lake", "memory", "tmp"}, names)
}

func TestConnection_OpenedOnce(t *testing.T) {
	s, err := New(testutil.Config(t))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := s.Connection(ctx, MemoryConnection)
	require.NoError(t, err)
	second, err := s.Connection(ctx, MemoryConnection)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, s.Memory())

	_, err = s.Connection(ctx, "unknown")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Connection(ctx, MemoryConnection)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
}

func TestLoadPipelineAndRun(t *testing.T) {
	cfg := testutil.Config(t)
	var out bytes.Buffer
	s, err := New(cfg, WithOutput(&out), WithDefaultConnection(MemoryConnection))
	require.NoError(t, err)
	defer s.Close()

	file := filepath.Join(cfg.Home, "pipeline.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
kind: pipeline
spec:
  name: smoke
  steps:
    - name: define
      operation: define
      args:
        dataUri: numbers
        columns:
          - {name: n, type: integer}
        rows: [[1], [2], [3]]
    - name: keep
      operation: filter
      args:
        include: "num*"
    - name: show
      operation: print
      args:
        format: json
`), 0o644))

	p, err := s.LoadPipeline(file)
	require.NoError(t, err)
	assert.Equal(t, "smoke", p.Name())

	result, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "numbers@memory", result[0].ID())
	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n", out.String())

	selected, err := s.Select(context.Background(), "num*")
	require.NoError(t, err)
	require.Len(t, selected, 1)
	dp, err := s.DataPath(context.Background(), "numbers@memory")
	require.NoError(t, err)
	assert.True(t, dp.Equal(selected[0]))
}

func TestLoadPipeline_InvalidStep(t *testing.T) {
	cfg := testutil.Config(t)
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	file := filepath.Join(cfg.Home, "pipeline.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
kind: pipeline
spec:
  name: broken
  steps:
    - operation: select
      args:
        dataSelectr: "*.csv"
`), 0o644))
	_, err = s.LoadPipeline(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataSelectr")
	assert.Contains(t, err.Error(), file)
}
