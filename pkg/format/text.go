package format

import (
	"bufio"
	"io"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
)

type textReader struct {
	scanner *bufio.Scanner
	rel     *relation.RelationDef
	line    int
}

func newTextReader(r io.Reader) *textReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &textReader{scanner: scanner, rel: TextRelation()}
}

func (t *textReader) Relation() *relation.RelationDef {
	return t.rel
}

func (t *textReader) Read() ([]any, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot read line %d", t.line+1)
		}
		return nil, io.EOF
	}
	t.line++
	return []any{t.scanner.Text()}, nil
}

type textWriter struct {
	w *bufio.Writer
}

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: bufio.NewWriter(w)}
}

// Write writes the first value of the row as one line
func (t *textWriter) Write(row []any) error {
	var line string
	if len(row) > 0 {
		s, err := text(row[0])
		if err != nil {
			return err
		}
		line = s
	}
	if _, err := t.w.WriteString(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "cannot write line")
	}
	return t.w.WriteByte('\n')
}

func (t *textWriter) Close() error {
	return t.w.Flush()
}
