// Package relation holds the structural description of a tabular resource:
// its ordered columns, keys and column generators.
//
// Column names are unique after key normalization and positions are
// 1-based and dense. A RelationDef is mutated only while it is derived from
// a backend (AddColumn) or merged with a manifest.
package relation

import (
	"fmt"
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/types"
)

// ColumnDef describes one column
type ColumnDef struct {
	Name      string
	Position  int
	Type      types.Type
	Precision int
	Scale     int
	Nullable  bool
	Comment   string
	Generator *GeneratorSpec

	// declared is set when the column comes from a manifest rather than from the backend
	declared bool
}

// Declared reports whether the column was explicitly declared
func (c *ColumnDef) Declared() bool {
	return c.declared
}

// String renders the column as "name type(p,s)"
func (c *ColumnDef) String() string {
	switch {
	case c.Precision > 0 && c.Scale > 0:
		return fmt.Sprintf("%s %s(%d,%d)", c.Name, c.Type, c.Precision, c.Scale)
	case c.Precision > 0:
		return fmt.Sprintf("%s %s(%d)", c.Name, c.Type, c.Precision)
	}
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// ColumnOption configures a column added with AddColumn
type ColumnOption func(*ColumnDef)

// WithPrecision sets precision and scale
func WithPrecision(precision, scale int) ColumnOption {
	return func(c *ColumnDef) {
		c.Precision = precision
		c.Scale = scale
	}
}

// WithNullable sets nullability (columns are nullable by default)
func WithNullable(nullable bool) ColumnOption {
	return func(c *ColumnDef) { c.Nullable = nullable }
}

// WithComment sets the column comment
func WithComment(comment string) ColumnOption {
	return func(c *ColumnDef) { c.Comment = comment }
}

// WithGenerator attaches a generator
func WithGenerator(spec *GeneratorSpec) ColumnOption {
	return func(c *ColumnDef) { c.Generator = spec }
}

// AsDeclared marks the column as explicitly declared
func AsDeclared() ColumnOption {
	return func(c *ColumnDef) { c.declared = true }
}

// ForeignKeyDef references columns of another resource of the same connection
type ForeignKeyDef struct {
	Name            string
	Columns         []string
	ForeignResource string
	ForeignColumns  []string
}

// RelationDef is the ordered column set of a resource plus its keys
type RelationDef struct {
	columns     []*ColumnDef
	index       map[string]int
	primaryKey  []string
	uniqueKeys  [][]string
	foreignKeys []ForeignKeyDef
}

// New creates an empty RelationDef
func New() *RelationDef {
	return &RelationDef{index: make(map[string]int)}
}

// AddColumn appends a column. A name equal to an existing one after
// normalization is rejected.
func (r *RelationDef) AddColumn(name string, t types.Type, opts ...ColumnOption) (*ColumnDef, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "column name is empty")
	}
	key := keys.Normalize(name)
	if _, exists := r.index[key]; exists {
		return nil, errors.Newf(errors.ErrorTypeConflict, "column %q already exists", name)
	}
	col := &ColumnDef{
		Name:     name,
		Position: len(r.columns) + 1,
		Type:     t,
		Nullable: true,
	}
	for _, opt := range opts {
		opt(col)
	}
	r.index[key] = len(r.columns)
	r.columns = append(r.columns, col)
	return col, nil
}

// Column returns the column named name (normalized lookup)
func (r *RelationDef) Column(name string) (*ColumnDef, bool) {
	i, ok := r.index[keys.Normalize(name)]
	if !ok {
		return nil, false
	}
	return r.columns[i], true
}

// ColumnAt returns the column at a 1-based position
func (r *RelationDef) ColumnAt(position int) (*ColumnDef, bool) {
	if position < 1 || position > len(r.columns) {
		return nil, false
	}
	return r.columns[position-1], true
}

// Columns returns the columns in position order
func (r *RelationDef) Columns() []*ColumnDef {
	out := make([]*ColumnDef, len(r.columns))
	copy(out, r.columns)
	return out
}

// Names returns the column names in position order
func (r *RelationDef) Names() []string {
	out := make([]string, len(r.columns))
	for i, c := range r.columns {
		out[i] = c.Name
	}
	return out
}

// Size returns the number of columns
func (r *RelationDef) Size() int {
	return len(r.columns)
}

// Empty reports whether the relation has no column
func (r *RelationDef) Empty() bool {
	return len(r.columns) == 0
}

func (r *RelationDef) resolve(cols []string) ([]string, error) {
	out := make([]string, len(cols))
	for i, name := range cols {
		col, ok := r.Column(name)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "key column %q is not a column of the relation", name)
		}
		out[i] = col.Name
	}
	return out, nil
}

// SetPrimaryKey sets the primary key columns, which become non-nullable
func (r *RelationDef) SetPrimaryKey(cols ...string) error {
	resolved, err := r.resolve(cols)
	if err != nil {
		return err
	}
	r.primaryKey = resolved
	for _, name := range resolved {
		col, _ := r.Column(name)
		col.Nullable = false
	}
	return nil
}

// PrimaryKey returns the primary key column names
func (r *RelationDef) PrimaryKey() []string {
	return append([]string(nil), r.primaryKey...)
}

// AddUniqueKey declares a unique key
func (r *RelationDef) AddUniqueKey(cols ...string) error {
	resolved, err := r.resolve(cols)
	if err != nil {
		return err
	}
	for _, existing := range r.uniqueKeys {
		if sameKey(existing, resolved) {
			return nil
		}
	}
	r.uniqueKeys = append(r.uniqueKeys, resolved)
	return nil
}

// UniqueKeys returns the unique keys
func (r *RelationDef) UniqueKeys() [][]string {
	out := make([][]string, len(r.uniqueKeys))
	for i, k := range r.uniqueKeys {
		out[i] = append([]string(nil), k...)
	}
	return out
}

// MatchKey returns the key used to identify a row for upserts: the primary
// key, else the first unique key.
func (r *RelationDef) MatchKey() ([]string, bool) {
	if len(r.primaryKey) > 0 {
		return r.PrimaryKey(), true
	}
	if len(r.uniqueKeys) > 0 {
		return append([]string(nil), r.uniqueKeys[0]...), true
	}
	return nil, false
}

// AddForeignKey declares a foreign key
func (r *RelationDef) AddForeignKey(fk ForeignKeyDef) error {
	resolved, err := r.resolve(fk.Columns)
	if err != nil {
		return err
	}
	if fk.ForeignResource == "" {
		return errors.New(errors.ErrorTypeValidation, "foreign key without foreign resource")
	}
	fk.Columns = resolved
	for _, existing := range r.foreignKeys {
		if existing.ForeignResource == fk.ForeignResource && sameKey(existing.Columns, fk.Columns) {
			return nil
		}
	}
	r.foreignKeys = append(r.foreignKeys, fk)
	return nil
}

// ForeignKeys returns the foreign keys
func (r *RelationDef) ForeignKeys() []ForeignKeyDef {
	return append([]ForeignKeyDef(nil), r.foreignKeys...)
}

// Copy returns a deep copy with every column marked as declared
func (r *RelationDef) Copy() *RelationDef {
	out := r.clone()
	for _, c := range out.columns {
		c.declared = true
	}
	return out
}

func (r *RelationDef) clone() *RelationDef {
	out := New()
	for _, c := range r.columns {
		col := *c
		out.index[keys.Normalize(c.Name)] = len(out.columns)
		out.columns = append(out.columns, &col)
	}
	out.primaryKey = r.PrimaryKey()
	out.uniqueKeys = r.UniqueKeys()
	out.foreignKeys = r.ForeignKeys()
	return out
}

// CopyColumns appends the columns of other not yet present. Keys are not copied.
func (r *RelationDef) CopyColumns(other *RelationDef) error {
	for _, c := range other.columns {
		if _, ok := r.Column(c.Name); ok {
			continue
		}
		if _, err := r.AddColumn(c.Name, c.Type,
			WithPrecision(c.Precision, c.Scale),
			WithNullable(c.Nullable),
			WithComment(c.Comment),
			WithGenerator(c.Generator),
		); err != nil {
			return err
		}
	}
	return nil
}

func sameKey(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !keys.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
