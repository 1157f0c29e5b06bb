package connection

import (
	"path"
	"strings"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/format"
)

// MediaType discriminates how the bytes or rows of a resource are read
type MediaType string

const (
	MediaTypeUnknown   MediaType = ""
	MediaTypeCSV       MediaType = "text/csv"
	MediaTypeJSON      MediaType = "application/json"
	MediaTypeJSONL     MediaType = "application/x-ndjson"
	MediaTypeYAML      MediaType = "application/yaml"
	MediaTypeText      MediaType = "text/plain"
	MediaTypeZip       MediaType = "application/zip"
	MediaTypeBinary    MediaType = "application/octet-stream"
	MediaTypeDirectory MediaType = "inode/directory"
	// MediaTypeRelation is a table-like resource of a database or memory
	MediaTypeRelation MediaType = "relation"
	// MediaTypeQueue is a bounded blocking queue
	MediaTypeQueue MediaType = "queue"
)

var codecs = map[MediaType]format.Codec{
	MediaTypeCSV:   format.CSV,
	MediaTypeJSON:  format.JSON,
	MediaTypeJSONL: format.JSONL,
	MediaTypeYAML:  format.YAML,
	MediaTypeText:  format.Text,
}

var aliases = map[string]MediaType{
	"csv":       MediaTypeCSV,
	"json":      MediaTypeJSON,
	"jsonl":     MediaTypeJSONL,
	"ndjson":    MediaTypeJSONL,
	"yaml":      MediaTypeYAML,
	"yml":       MediaTypeYAML,
	"text":      MediaTypeText,
	"txt":       MediaTypeText,
	"zip":       MediaTypeZip,
	"binary":    MediaTypeBinary,
	"directory": MediaTypeDirectory,
	"dir":       MediaTypeDirectory,
	"relation":  MediaTypeRelation,
	"table":     MediaTypeRelation,
	"queue":     MediaTypeQueue,
}

// ParseMediaType accepts a full media type or a short alias (csv, json, ...)
func ParseMediaType(s string) MediaType {
	s = strings.ToLower(strings.TrimSpace(s))
	if mt, ok := aliases[s]; ok {
		return mt
	}
	return MediaType(s)
}

// MediaTypeFromPath guesses the media type of a file from its extension,
// ignoring a compression suffix
func MediaTypeFromPath(p string) MediaType {
	_, stripped := compression.FromPath(p)
	if codec, ok := format.FromExtension(stripped); ok {
		for mt, c := range codecs {
			if c == codec {
				return mt
			}
		}
	}
	switch strings.ToLower(path.Ext(stripped)) {
	case ".zip", ".jar":
		return MediaTypeZip
	case "":
		return MediaTypeUnknown
	}
	return MediaTypeBinary
}

// Codec returns the row codec of a text media type
func (m MediaType) Codec() (format.Codec, bool) {
	c, ok := codecs[m]
	return c, ok
}

// Tabular reports whether the resource holds rows
func (m MediaType) Tabular() bool {
	_, text := codecs[m]
	return text || m == MediaTypeRelation || m == MediaTypeQueue
}

func (m MediaType) String() string {
	return string(m)
}
