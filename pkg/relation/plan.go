package relation

import (
	"sort"
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/types"
)

// Plan evaluates the generated columns of a relation in dependency order
type Plan struct {
	order      []*ColumnDef
	generators map[string]Generator
}

// NewPlan builds the generators of every column carrying a GeneratorSpec.
// Dependencies must name a column of the relation or one of the provided
// columns; a missing dependency or a cycle fails the construction.
func NewPlan(rel *RelationDef, provided ...string) (*Plan, error) {
	known := make(map[string]bool)
	for _, name := range provided {
		known[keys.Normalize(name)] = true
	}
	generated := make(map[string]*ColumnDef)
	for _, col := range rel.columns {
		if col.Generator != nil {
			generated[keys.Normalize(col.Name)] = col
		} else {
			known[keys.Normalize(col.Name)] = true
		}
	}

	p := &Plan{generators: make(map[string]Generator, len(generated))}
	deps := make(map[string][]string, len(generated))
	for key, col := range generated {
		g, err := NewGenerator(col.Generator, col.Type)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "column %q", col.Name)
		}
		p.generators[key] = g
		for _, dep := range g.Dependencies() {
			depKey := keys.Normalize(dep)
			if known[depKey] {
				continue
			}
			if _, ok := generated[depKey]; !ok {
				return nil, errors.Newf(errors.ErrorTypeConfig, "column %q depends on unknown column %q", col.Name, dep)
			}
			deps[key] = append(deps[key], depKey)
		}
	}

	// Kahn's algorithm, ties broken by column position
	remaining := make(map[string]int, len(generated))
	dependents := make(map[string][]string)
	for key := range generated {
		remaining[key] = len(deps[key])
		for _, d := range deps[key] {
			dependents[d] = append(dependents[d], key)
		}
	}
	var ready []*ColumnDef
	for key, n := range remaining {
		if n == 0 {
			ready = append(ready, generated[key])
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Position < ready[j].Position })
		col := ready[0]
		ready = ready[1:]
		p.order = append(p.order, col)
		for _, dependent := range dependents[keys.Normalize(col.Name)] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, generated[dependent])
			}
		}
	}
	if len(p.order) != len(generated) {
		var cycle []string
		for key, n := range remaining {
			if n > 0 {
				cycle = append(cycle, generated[key].Name)
			}
		}
		sort.Strings(cycle)
		return nil, errors.Newf(errors.ErrorTypeConfig, "generator dependency cycle between columns %s", strings.Join(cycle, ", "))
	}
	return p, nil
}

// Columns returns the generated columns in evaluation order
func (p *Plan) Columns() []*ColumnDef {
	return append([]*ColumnDef(nil), p.order...)
}

// Empty reports whether the plan has no generated column
func (p *Plan) Empty() bool {
	return len(p.order) == 0
}

// Evaluate generates one row. base provides the non-generated values and
// attributes; the result maps each generated column name to its value,
// cast to the column type.
func (p *Plan) Evaluate(base Context) (map[string]any, error) {
	values := make(map[string]any, len(p.order))
	ctx := &planContext{base: base, values: values}
	for _, col := range p.order {
		v, err := p.generators[keys.Normalize(col.Name)].Generate(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "cannot generate column %q", col.Name)
		}
		cast, err := types.CastColumn(v, col.Type, col.Precision, col.Scale)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeCast, "generated column %q", col.Name)
		}
		values[keys.Normalize(col.Name)] = cast
	}
	return values, nil
}

type planContext struct {
	base   Context
	values map[string]any
}

func (c *planContext) Value(column string) (any, bool) {
	if v, ok := c.values[keys.Normalize(column)]; ok {
		return v, true
	}
	if c.base == nil {
		return nil, false
	}
	return c.base.Value(column)
}

func (c *planContext) Attribute(name string) (any, bool) {
	if c.base == nil {
		return nil, false
	}
	return c.base.Attribute(name)
}
