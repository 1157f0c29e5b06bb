// Package json encodes records as JSON objects whose keys keep the column
// order of the relation.
package json

import (
	"bytes"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/pool"
)

// ValueFunc appends the encoding of one value to buf
type ValueFunc func(buf *bytes.Buffer, v any) error

// ObjectEncoder writes rows as JSON objects
type ObjectEncoder struct {
	names []string
	keys  [][]byte
	value ValueFunc
}

// NewObjectEncoder creates an encoder for the given keys. A nil value
// function encodes values with Marshal.
func NewObjectEncoder(names []string, value ValueFunc) *ObjectEncoder {
	keys := make([][]byte, 0, len(names))
	for _, name := range names {
		// a string always encodes
		key, _ := gojson.Marshal(name)
		keys = append(keys, key)
	}
	if value == nil {
		value = AppendValue
	}
	return &ObjectEncoder{names: names, keys: keys, value: value}
}

// Write encodes the row as one object followed by suffix. Values missing
// from a short row are null; extra values are ignored.
func (e *ObjectEncoder) Write(w io.Writer, row []any, suffix string) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	buf.WriteByte('{')
	for i, key := range e.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		var v any
		if i < len(row) {
			v = row[i]
		}
		if err := e.value(buf, v); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeData, "cannot encode column %s", e.names[i])
		}
	}
	buf.WriteByte('}')
	buf.WriteString(suffix)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "cannot write json record")
	}
	return nil
}

// AppendValue appends the JSON encoding of v
func AppendValue(buf *bytes.Buffer, v any) error {
	b, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

// Marshal encodes v
func Marshal(v any) ([]byte, error) {
	return gojson.Marshal(v)
}

// Valid reports whether data is a JSON document
func Valid(data []byte) bool {
	return gojson.Valid(data)
}
