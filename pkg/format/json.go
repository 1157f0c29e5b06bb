package format

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	gojson "github.com/goccy/go-json"

	"github.com/tabulify/tabulify/pkg/errors"
	tabjson "github.com/tabulify/tabulify/pkg/json"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// field is one key/value pair of a decoded object, in document order
type field struct {
	key   string
	value any
}

type jsonReader struct {
	dec    *gojson.Decoder
	array  bool
	rel    *relation.RelationDef
	first  []field
	record int
}

func newJSONReader(r io.Reader, array bool) (*jsonReader, error) {
	dec := gojson.NewDecoder(bufio.NewReader(r))
	dec.UseNumber()
	reader := &jsonReader{dec: dec, array: array, rel: relation.New()}

	if array {
		token, err := dec.Token()
		if err == io.EOF {
			return reader, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot read json array start")
		}
		if delim, ok := token.(gojson.Delim); !ok || delim != '[' {
			return nil, errors.Newf(errors.ErrorTypeData, "expected json array, got %v", token)
		}
	}

	first, err := reader.object()
	if err == io.EOF {
		return reader, nil
	}
	if err != nil {
		return nil, err
	}
	for _, f := range first {
		t := types.Of(f.value)
		if t == types.Unknown {
			t = types.Varchar
		}
		if _, err := reader.rel.AddColumn(f.key, t); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid json object key")
		}
	}
	reader.first = first
	return reader, nil
}

// object decodes the next object keeping its key order
func (j *jsonReader) object() ([]field, error) {
	if j.array && !j.dec.More() {
		return nil, io.EOF
	}
	var raw gojson.RawMessage
	if err := j.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot read json record %d", j.record+1)
	}
	j.record++

	var values map[string]gojson.RawMessage
	if err := gojson.Unmarshal(raw, &values); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "json record %d is not an object", j.record)
	}
	order := objectKeys(raw)
	fields := make([]field, 0, len(order))
	for _, key := range order {
		value, err := decodeValue(values[key])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "invalid value of %q in json record %d", key, j.record)
		}
		fields = append(fields, field{key: key, value: value})
	}
	return fields, nil
}

// objectKeys returns the top level keys of a json object in document order
func objectKeys(raw []byte) []string {
	var (
		order  []string
		seen   = make(map[string]bool)
		depth  int
		inStr  bool
		escape bool
		start  int
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inStr {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inStr = false
				if depth == 1 && isKey(raw[i+1:]) {
					var key string
					if err := gojson.Unmarshal(raw[start:i+1], &key); err == nil && !seen[key] {
						seen[key] = true
						order = append(order, key)
					}
				}
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
			start = i
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return order
}

// isKey reports whether the bytes following a string start with a colon
func isKey(rest []byte) bool {
	rest = bytes.TrimLeft(rest, " \t\r\n")
	return len(rest) > 0 && rest[0] == ':'
}

// decodeValue returns scalars as canonical Go values and nested documents
// as their JSON text
func decodeValue(raw gojson.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return string(trimmed), nil
	}
	dec := gojson.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if n, ok := v.(gojson.Number); ok {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return i, nil
		}
		return strconv.ParseFloat(n.String(), 64)
	}
	return v, nil
}

func (j *jsonReader) Relation() *relation.RelationDef {
	return j.rel
}

func (j *jsonReader) Read() ([]any, error) {
	fields := j.first
	if fields != nil {
		j.first = nil
	} else {
		var err error
		fields, err = j.object()
		if err != nil {
			return nil, err
		}
	}
	row := make([]any, j.rel.Size())
	for _, f := range fields {
		col, ok := j.rel.Column(f.key)
		if !ok {
			// keys absent from the first object are not part of the relation
			continue
		}
		row[col.Position-1] = f.value
	}
	return row, nil
}

type jsonWriter struct {
	w     *bufio.Writer
	enc   *tabjson.ObjectEncoder
	array bool
	rows  int
}

func newJSONWriter(w io.Writer, rel *relation.RelationDef, array bool) *jsonWriter {
	return &jsonWriter{
		w:     bufio.NewWriter(w),
		enc:   tabjson.NewObjectEncoder(rel.Names(), writeJSONValue),
		array: array,
	}
}

func (j *jsonWriter) Write(row []any) error {
	if j.array {
		if j.rows == 0 {
			j.w.WriteString("[\n")
		} else {
			j.w.WriteString(",\n")
		}
	}
	j.rows++
	suffix := "\n"
	if j.array {
		suffix = ""
	}
	return j.enc.Write(j.w, row, suffix)
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case string:
		// a JSON column already holds a valid document
		if len(x) > 0 && (x[0] == '{' || x[0] == '[') && gojson.Valid([]byte(x)) {
			buf.WriteString(x)
			return nil
		}
	}
	encoded, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func (j *jsonWriter) Close() error {
	if j.array {
		if j.rows == 0 {
			j.w.WriteString("[]\n")
		} else {
			j.w.WriteString("\n]\n")
		}
	}
	return j.w.Flush()
}
