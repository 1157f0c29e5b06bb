package all

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
)

func TestRegister(t *testing.T) {
	reg := connection.NewRegistry()
	require.NoError(t, Register(reg))

	names := make([]string, 0)
	for _, p := range reg.Providers() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"memory", "filesystem", "sqlite", "postgres", "mysql", "sqlserver", "s3"}, names)

	// a second registration reports every duplicate
	assert.Error(t, Register(reg))
}

func TestNewRegistry_Schemes(t *testing.T) {
	reg := NewRegistry()
	tests := map[string]string{
		"memory://":                 "memory",
		"file:///tmp":               "filesystem",
		"sqlite:///tmp/db.sqlite":   "sqlite",
		"postgres://localhost/db":   "postgres",
		"postgresql://localhost/db": "postgres",
		"mariadb://localhost/db":    "mysql",
		"mssql://localhost":         "sqlserver",
		"s3://bucket":               "s3",
	}
	for uri, want := range tests {
		p, err := reg.Provider(uri)
		require.NoError(t, err, uri)
		assert.Equal(t, want, p.Name(), uri)
	}
	_, err := reg.Provider("ftp://host")
	assert.Error(t, err)
}
