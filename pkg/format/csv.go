package format

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

type csvReader struct {
	r     *csv.Reader
	rel   *relation.RelationDef
	first []string
	line  int
}

func newCSVReader(r io.Reader, opts Options) (*csvReader, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	reader := &csvReader{r: cr, rel: relation.New()}
	record, err := cr.Read()
	if err == io.EOF {
		return reader, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot read csv header")
	}
	reader.line = 1
	if opts.NoHeader {
		for i := range record {
			if _, err := reader.rel.AddColumn(columnName(i+1), types.Varchar); err != nil {
				return nil, err
			}
		}
		reader.first = record
		return reader, nil
	}
	for i, name := range record {
		if name == "" {
			name = columnName(i + 1)
		}
		if _, err := reader.rel.AddColumn(name, types.Varchar); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "invalid csv header column %d", i+1)
		}
	}
	return reader, nil
}

func columnName(position int) string {
	return "col" + strconv.Itoa(position)
}

func (c *csvReader) Relation() *relation.RelationDef {
	return c.rel
}

func (c *csvReader) Read() ([]any, error) {
	var record []string
	if c.first != nil {
		record, c.first = c.first, nil
	} else {
		var err error
		record, err = c.r.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot read csv record after line %d", c.line)
		}
		c.line++
	}
	row := make([]any, len(record))
	for i, field := range record {
		// an empty field is a null
		if field != "" {
			row[i] = field
		}
	}
	return row, nil
}

type csvWriter struct {
	w      *csv.Writer
	rel    *relation.RelationDef
	header bool
	record []string
}

func newCSVWriter(w io.Writer, rel *relation.RelationDef, opts Options, header bool) *csvWriter {
	cw := csv.NewWriter(w)
	if opts.Delimiter != 0 {
		cw.Comma = opts.Delimiter
	}
	return &csvWriter{w: cw, rel: rel, header: header && !opts.NoHeader}
}

func (c *csvWriter) writeHeader() error {
	c.header = false
	if c.rel.Size() == 0 {
		return nil
	}
	return c.w.Write(c.rel.Names())
}

func (c *csvWriter) Write(row []any) error {
	if c.header {
		if err := c.writeHeader(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "cannot write csv header")
		}
	}
	if cap(c.record) < len(row) {
		c.record = make([]string, len(row))
	}
	c.record = c.record[:len(row)]
	for i, v := range row {
		s, err := text(v)
		if err != nil {
			return err
		}
		c.record[i] = s
	}
	return c.w.Write(c.record)
}

func (c *csvWriter) Close() error {
	if c.header {
		if err := c.writeHeader(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "cannot write csv header")
		}
	}
	c.w.Flush()
	return c.w.Error()
}
