package steps

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
)

// Enrich wraps each resource in a virtual one carrying extra generated
// columns. Generated values are computed per row when read; the wrapped
// resource is read as is.
//
//	columns:
//	  - name: loaded_at
//	    type: varchar
//	    generator: {type: attribute, name: connection}
//	  - name: row_id
//	    type: bigint
//	    generator: {type: sequence}
func Enrich() flow.StepProvider {
	return &provider{
		operations: []string{"enrich"},
		arguments: []flow.Argument{
			{Name: "columns", Kind: flow.KindList, Required: true, Description: "generated column definitions"},
		},
		validate: func(op string, args flow.Arguments) error {
			_, err := enrichColumns(relation.New(), args.List("columns"))
			return err
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			return &enrichRunnable{columns: args.List("columns")}, nil
		},
	}
}

// enrichColumns appends the generated columns to a copy of base
func enrichColumns(base *relation.RelationDef, columns []any) (*relation.RelationDef, error) {
	rel := base.Copy()
	if err := rel.MergeDataDefinitionFromYamlMap(map[string]any{"columns": columns}); err != nil {
		return nil, err
	}
	for _, col := range rel.Columns()[base.Size():] {
		if col.Generator == nil {
			return nil, errors.Newf(errors.ErrorTypeValidation, "enriched column %s has no generator", col.Name)
		}
	}
	if rel.Size() != base.Size()+len(columns) {
		return nil, errors.New(errors.ErrorTypeValidation, "an enriched column has the name of an existing column")
	}
	return rel, nil
}

type enrichRunnable struct {
	inputs
	columns []any
}

func (r *enrichRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	system, ok := s.Memory().System().(*memory.System)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "the session memory connection is not a memory connector")
	}
	var out []*connection.DataPath
	for _, src := range r.paths {
		base, err := src.RelationDef(ctx)
		if err != nil {
			return nil, err
		}
		rel, err := enrichColumns(base, r.columns)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "enrich %s", src.ID())
		}
		if _, err := relation.NewPlan(rel); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "enrich %s", src.ID())
		}

		name := strings.NewReplacer("/", "_", ".", "_").Replace(src.LogicalName()) + "_enriched_" + uuid.NewString()[:8]
		view, err := s.Memory().DataPath(name, connection.MediaTypeRelation)
		if err != nil {
			return nil, err
		}
		view.SetLogicalName(src.LogicalName())
		source := src
		err = system.Attach(view, rel, func(ctx context.Context) (stream.SelectStream, error) {
			// a fresh plan restarts sequences at every read
			plan, err := relation.NewPlan(rel)
			if err != nil {
				return nil, err
			}
			sel, err := source.Select(ctx)
			if err != nil {
				return nil, err
			}
			return &enrichedStream{base: sel, baseSize: base.Size(), rel: rel, plan: plan, source: source}, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// enrichedStream reads the wrapped columns from base and generates the
// others once per row, on first access
type enrichedStream struct {
	base      stream.SelectStream
	baseSize  int
	rel       *relation.RelationDef
	plan      *relation.Plan
	source    *connection.DataPath
	generated map[string]any
}

func (e *enrichedStream) RelationDef() *relation.RelationDef { return e.rel }

func (e *enrichedStream) Next(ctx context.Context) (bool, error) {
	e.generated = nil
	return e.base.Next(ctx)
}

func (e *enrichedStream) NextTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	e.generated = nil
	return e.base.NextTimeout(ctx, timeout)
}

func (e *enrichedStream) Value(position int) (any, error) {
	if position <= e.baseSize {
		return e.base.Value(position)
	}
	col, ok := e.rel.ColumnAt(position)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no column at position %d", position)
	}
	if e.generated == nil {
		// fails on a stream without current row
		if _, err := e.base.Values(); err != nil {
			return nil, err
		}
		generated, err := e.plan.Evaluate(&rowContext{row: e.base, source: e.source})
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "row %d", e.base.RowNumber())
		}
		e.generated = generated
	}
	return e.generated[keys.Normalize(col.Name)], nil
}

func (e *enrichedStream) Values() ([]any, error) {
	row := make([]any, e.rel.Size())
	for i := range row {
		v, err := e.Value(i + 1)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (e *enrichedStream) RowNumber() int64 { return e.base.RowNumber() }

func (e *enrichedStream) BeforeFirst(ctx context.Context) error {
	e.generated = nil
	return e.base.BeforeFirst(ctx)
}

func (e *enrichedStream) Close() error { return e.base.Close() }

// rowContext gives generators the wrapped row and the attributes of the
// source resource: path, logicalName, connection, then its own attributes
type rowContext struct {
	row    stream.SelectStream
	source *connection.DataPath
}

func (c *rowContext) Value(column string) (any, bool) {
	v, err := stream.ValueByName(c.row, column)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *rowContext) Attribute(name string) (any, bool) {
	switch {
	case keys.Equal(name, "path"):
		return c.source.Path(), true
	case keys.Equal(name, "logicalName"):
		return c.source.LogicalName(), true
	case keys.Equal(name, "connection"):
		return c.source.Connection().Name(), true
	}
	v, ok := c.source.Attributes().Value(name)
	return v, ok
}
