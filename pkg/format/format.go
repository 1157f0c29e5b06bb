// Package format encodes and decodes rows of text resources: csv, json
// lines, json arrays, yaml sequences and plain text lines.
//
// A Reader derives the relation of a resource from its first record (csv
// header, first json object keys in order, first yaml mapping) and then
// returns rows in that column order. A Writer encodes rows following a
// relation. Neither closes the underlying stream.
package format

import (
	"io"
	"path"
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// Codec names a row encoding
type Codec string

const (
	CSV   Codec = "csv"
	JSONL Codec = "jsonl"
	JSON  Codec = "json"
	YAML  Codec = "yaml"
	Text  Codec = "text"
)

var extensions = map[string]Codec{
	".csv":    CSV,
	".tsv":    CSV,
	".jsonl":  JSONL,
	".ndjson": JSONL,
	".json":   JSON,
	".yaml":   YAML,
	".yml":    YAML,
	".txt":    Text,
	".log":    Text,
	".sql":    Text,
	".md":     Text,
}

// FromExtension returns the codec of a file name. The name must already be
// stripped of any compression suffix.
func FromExtension(name string) (Codec, bool) {
	c, ok := extensions[strings.ToLower(path.Ext(name))]
	return c, ok
}

// Appendable reports whether rows can be appended to an existing encoded
// stream without rewriting it
func (c Codec) Appendable() bool {
	return c == CSV || c == JSONL || c == Text
}

// Options tunes a codec
type Options struct {
	// Delimiter is the csv field separator (default ',')
	Delimiter rune
	// NoHeader disables the csv header row
	NoHeader bool
}

// Reader decodes rows
type Reader interface {
	// Relation is the column set derived from the first record
	Relation() *relation.RelationDef
	// Read returns the next row or io.EOF
	Read() ([]any, error)
}

// Writer encodes rows
type Writer interface {
	Write(row []any) error
	// Close flushes buffered output; it does not close the underlying writer
	Close() error
}

// Types is the type system of text formats
var Types = types.Generic

// NewReader decodes r with the codec
func NewReader(c Codec, r io.Reader, opts Options) (Reader, error) {
	switch c {
	case CSV:
		return newCSVReader(r, opts)
	case JSONL:
		return newJSONReader(r, false)
	case JSON:
		return newJSONReader(r, true)
	case YAML:
		return newYAMLReader(r)
	case Text:
		return newTextReader(r), nil
	}
	return nil, errors.Newf(errors.ErrorTypeCapability, "unsupported format %q", c)
}

// NewWriter encodes rows of rel into w. header controls whether a csv
// header row is emitted.
func NewWriter(c Codec, w io.Writer, rel *relation.RelationDef, opts Options, header bool) (Writer, error) {
	switch c {
	case CSV:
		return newCSVWriter(w, rel, opts, header), nil
	case JSONL:
		return newJSONWriter(w, rel, false), nil
	case JSON:
		return newJSONWriter(w, rel, true), nil
	case YAML:
		return newYAMLWriter(w, rel), nil
	case Text:
		return newTextWriter(w), nil
	}
	return nil, errors.Newf(errors.ErrorTypeCapability, "unsupported format %q", c)
}

// Describe derives the relation of an encoded stream
func Describe(c Codec, r io.Reader, opts Options) (*relation.RelationDef, error) {
	reader, err := NewReader(c, r, opts)
	if err != nil {
		return nil, err
	}
	return reader.Relation(), nil
}

// TextRelation is the single-column relation of text lines
func TextRelation() *relation.RelationDef {
	rel := relation.New()
	_, _ = rel.AddColumn(TextColumn, types.Text)
	return rel
}

// TextColumn is the column name of text lines
const TextColumn = "line"

func text(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, err := types.Cast(v, types.Varchar)
	if err != nil {
		return "", err
	}
	return s.(string), nil
}
