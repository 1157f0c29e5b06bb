package s3

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri    string
		want   Location
		hasErr bool
	}{
		{uri: "s3://bucket", want: Location{Bucket: "bucket"}},
		{uri: "s3://bucket/", want: Location{Bucket: "bucket"}},
		{uri: "s3://bucket/raw/2024", want: Location{Bucket: "bucket", Prefix: "raw/2024/"}},
		{uri: "s3://bucket//raw/", want: Location{Bucket: "bucket", Prefix: "raw/"}},
		{uri: "s3://", hasErr: true},
		{uri: "file:///tmp", hasErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := ParseURI(tt.uri)
			if tt.hasErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocation_KeyAndPath(t *testing.T) {
	loc := Location{Bucket: "b", Prefix: "raw/"}
	assert.Equal(t, "raw/users.csv", loc.Key("users.csv"))
	assert.Equal(t, "raw/users.csv", loc.Key("/users.csv"))
	assert.Equal(t, "raw/", loc.Key("."))
	assert.Equal(t, "users.csv", loc.Path("raw/users.csv"))
}

func TestMatchKeys(t *testing.T) {
	keys := []string{
		"raw/a.csv",
		"raw/b.json",
		"raw/sub/c.csv",
		"raw/sub/deep/d.csv",
		"raw/other/e.txt",
	}
	tests := []struct {
		pattern string
		want    []string
	}{
		{"*.csv", []string{"raw/a.csv"}},
		{"", []string{"raw/a.csv", "raw/b.json", "raw/sub/", "raw/other/"}},
		{"*/*.csv", []string{"raw/sub/c.csv"}},
		{"**/*.csv", []string{"raw/a.csv", "raw/sub/c.csv", "raw/sub/deep/d.csv"}},
		{"s*", []string{"raw/sub/"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := MatchKeys(keys, "raw/", tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	def := connection.NewDefinition("lake", "s3://lake/raw")
	def.Attributes.Set("region", "eu-west-1", connection.OriginManifest)
	def.Attributes.Set("endpoint", "http://localhost:9000", connection.OriginManifest)
	def.Attributes.Set("pathStyle", "true", connection.OriginManifest)
	def.Attributes.Set("accessKeyId", "key", connection.OriginManifest)
	def.Attributes.Set("secretAccessKey", "secret", connection.OriginManifest)

	reg := connection.NewRegistry()
	require.NoError(t, reg.Register(NewProvider()))
	conn, err := reg.Resolve(context.Background(), def)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	system := conn.System().(*System)
	assert.Equal(t, Location{Bucket: "lake", Prefix: "raw/"}, system.Location())

	root, err := conn.CurrentDataPath()
	require.NoError(t, err)
	assert.Equal(t, connection.KindContainer, root.Kind())
	assert.Equal(t, "raw/", root.Payload())

	doc, err := conn.DataPath("2024/events.jsonl.gz", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, connection.KindDocument, doc.Kind())
	assert.Equal(t, connection.MediaTypeJSONL, doc.MediaType())
	assert.Equal(t, "raw/2024/events.jsonl.gz", doc.Payload())

	dir, err := conn.DataPath("2024/", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, connection.KindContainer, dir.Kind())
}

func TestOpen_InvalidAttribute(t *testing.T) {
	def := connection.NewDefinition("lake", "s3://lake")
	def.Attributes.Set("region", "eu-west-1", connection.OriginManifest)
	def.Attributes.Set("partSize", "big", connection.OriginManifest)
	_, err := Open(context.Background(), def)
	require.Error(t, err)
}
