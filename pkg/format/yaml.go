package format

import (
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// yamlReader reads either one document holding a sequence of mappings or a
// stream of documents each holding one mapping
type yamlReader struct {
	dec     *yaml.Decoder
	rel     *relation.RelationDef
	pending []*yaml.Node
	record  int
}

func newYAMLReader(r io.Reader) (*yamlReader, error) {
	reader := &yamlReader{dec: yaml.NewDecoder(r), rel: relation.New()}
	first, err := reader.mapping()
	if err == io.EOF {
		return reader, nil
	}
	if err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(first.Content); i += 2 {
		var value any
		if err := first.Content[i+1].Decode(&value); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid yaml value")
		}
		t := types.Of(normalizeYAML(value))
		if t == types.Unknown {
			t = types.Varchar
		}
		if _, err := reader.rel.AddColumn(first.Content[i].Value, t); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid yaml key")
		}
	}
	reader.pending = append([]*yaml.Node{first}, reader.pending...)
	return reader, nil
}

// mapping returns the next mapping node
func (y *yamlReader) mapping() (*yaml.Node, error) {
	for len(y.pending) == 0 {
		var doc yaml.Node
		if err := y.dec.Decode(&doc); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, errors.ErrorTypeData, "cannot read yaml document")
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		switch root.Kind {
		case yaml.SequenceNode:
			y.pending = append(y.pending, root.Content...)
		case yaml.MappingNode:
			y.pending = append(y.pending, root)
		default:
			return nil, errors.Newf(errors.ErrorTypeData, "yaml document at line %d is neither a mapping nor a sequence", root.Line)
		}
	}
	node := y.pending[0]
	y.pending = y.pending[1:]
	y.record++
	if node.Kind != yaml.MappingNode {
		return nil, errors.Newf(errors.ErrorTypeData, "yaml record %d at line %d is not a mapping", y.record, node.Line)
	}
	return node, nil
}

func (y *yamlReader) Relation() *relation.RelationDef {
	return y.rel
}

func (y *yamlReader) Read() ([]any, error) {
	node, err := y.mapping()
	if err != nil {
		return nil, err
	}
	row := make([]any, y.rel.Size())
	for i := 0; i+1 < len(node.Content); i += 2 {
		col, ok := y.rel.Column(node.Content[i].Value)
		if !ok {
			continue
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "invalid value of %q in yaml record %d", col.Name, y.record)
		}
		row[col.Position-1] = normalizeYAML(value)
	}
	return row, nil
}

// normalizeYAML maps decoded yaml scalars onto canonical values; nested
// collections become JSON text
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case map[string]any, []any:
		s, err := types.Cast(x, types.JSON)
		if err != nil {
			return v
		}
		return s
	}
	return v
}

type yamlWriter struct {
	enc  *yaml.Encoder
	rel  *relation.RelationDef
	seq  *yaml.Node
	rows int
}

func newYAMLWriter(w io.Writer, rel *relation.RelationDef) *yamlWriter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &yamlWriter{
		enc: enc,
		rel: rel,
		seq: &yaml.Node{Kind: yaml.SequenceNode},
	}
}

func (y *yamlWriter) Write(row []any) error {
	m := &yaml.Node{Kind: yaml.MappingNode}
	for i, col := range y.rel.Columns() {
		var v any
		if i < len(row) {
			v = row[i]
		}
		value := &yaml.Node{}
		if err := value.Encode(yamlValue(v)); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeData, "cannot encode column %s", col.Name)
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: col.Name}, value)
	}
	y.seq.Content = append(y.seq.Content, m)
	y.rows++
	return nil
}

// yamlValue renders values yaml.v3 has no native encoding for
func yamlValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int64, float64:
		return v
	}
	if s, err := types.Cast(v, types.Varchar); err == nil {
		return s
	}
	return v
}

func (y *yamlWriter) Close() error {
	if err := y.enc.Encode(y.seq); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "cannot write yaml document")
	}
	return y.enc.Close()
}
