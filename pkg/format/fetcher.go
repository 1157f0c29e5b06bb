package format

import (
	"context"
	"io"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// Fetcher decodes the rows of an encoded document and maps them onto a
// relation by column name, casting values to the column types. Columns of
// the document absent from the relation are dropped, columns of the
// relation absent from the document are null. Rewind reopens the document.
type Fetcher struct {
	open  func() (io.ReadCloser, error)
	codec Codec
	opts  Options
	rel   *relation.RelationDef

	file    io.ReadCloser
	reader  Reader
	mapping []int
}

// NewFetcher opens the document and reads its header. An empty rel is
// replaced by the relation of the document.
func NewFetcher(ctx context.Context, open func() (io.ReadCloser, error), c Codec, opts Options, rel *relation.RelationDef) (*Fetcher, error) {
	f := &Fetcher{open: open, codec: c, opts: opts, rel: rel}
	if err := f.Rewind(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Relation returns the relation rows are mapped onto
func (f *Fetcher) Relation() *relation.RelationDef { return f.rel }

// Rewind restarts from the first row
func (f *Fetcher) Rewind(ctx context.Context) error {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
	file, err := f.open()
	if err != nil {
		return err
	}
	reader, err := NewReader(f.codec, file, f.opts)
	if err != nil {
		file.Close()
		return err
	}
	f.file = file
	f.reader = reader
	if f.rel == nil || f.rel.Empty() {
		f.rel = reader.Relation()
	}
	f.mapping = f.mapping[:0]
	for _, col := range reader.Relation().Columns() {
		target := -1
		if c, ok := f.rel.Column(col.Name); ok {
			target = c.Position - 1
		}
		f.mapping = append(f.mapping, target)
	}
	return nil
}

// Fetch returns the next row or io.EOF
func (f *Fetcher) Fetch(ctx context.Context) ([]any, error) {
	if f.reader == nil {
		return nil, io.EOF
	}
	raw, err := f.reader.Read()
	if err != nil {
		return nil, err
	}
	row := make([]any, f.rel.Size())
	for i, v := range raw {
		if i >= len(f.mapping) || f.mapping[i] < 0 || v == nil {
			continue
		}
		col, _ := f.rel.ColumnAt(f.mapping[i] + 1)
		cast, err := types.Cast(v, col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeCast, "column %s", col.Name)
		}
		row[f.mapping[i]] = cast
	}
	return row, nil
}

// Close releases the document
func (f *Fetcher) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.reader = nil
	return err
}
