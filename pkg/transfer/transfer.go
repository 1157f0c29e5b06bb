// Package transfer copies the rows of a source resource into a target
// resource, possibly on another connection.
//
// A transfer runs in three phases. The pre-checks resolve the column mapping
// and verify that every target column is covered before a row moves; the
// target is created from the source relation when it does not exist. The
// row loop casts every mapped value to the target column type. Closing
// flushes the writer, then the reader. Rows already flushed when an error
// occurs stay in the target.
package transfer

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// Operation is the write semantic of a transfer
type Operation string

const (
	// OperationInsert appends the source rows
	OperationInsert Operation = "insert"
	// OperationUpsert inserts or updates on the target match key
	OperationUpsert Operation = "upsert"
	// OperationReplace truncates the target before inserting
	OperationReplace Operation = "replace"
)

// ParseOperation accepts an operation name or one of its aliases (copy is
// replace)
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "", "insert":
		return OperationInsert, nil
	case "upsert", "merge":
		return OperationUpsert, nil
	case "replace", "copy":
		return OperationReplace, nil
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unknown transfer operation %q (insert, upsert, replace)", s)
}

// Granularity is the unit of a write commit
type Granularity string

const (
	// GranularityResource commits in batches over the whole resource
	GranularityResource Granularity = "resource"
	// GranularityRecord commits every row
	GranularityRecord Granularity = "record"
)

// Properties tune a transfer. The zero value inserts in batches of
// stream.DefaultBatchSize and creates a missing target.
type Properties struct {
	Operation         Operation
	BatchSize         int
	FeedbackFrequency int
	Granularity       Granularity
	// NoCreate fails the transfer when the target does not exist
	NoCreate bool
}

// SourceTarget is one unit of transfer
type SourceTarget struct {
	Source *connection.DataPath
	Target *connection.DataPath
	// Mapping maps source column names to target column names. When empty,
	// columns are matched by name, else by position.
	Mapping    map[string]string
	Properties Properties
}

// Result reports what a transfer moved
type Result struct {
	Source      string
	Target      string
	RowsRead    int64
	RowsWritten int64
	Batches     int64
	Duration    time.Duration
}

// Transfer runs one source/target transfer
func Transfer(ctx context.Context, st SourceTarget) (*Result, error) {
	if st.Source == nil || st.Target == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "a transfer needs a source and a target")
	}
	op := st.Properties.Operation
	if op == "" {
		op = OperationInsert
	}
	timer := metrics.NewTimer()
	res, err := run(ctx, st, op)
	metrics.Transfers.WithLabelValues(string(op), metrics.Status(err)).Inc()
	if res != nil {
		res.Duration = timer.Stop()
	}
	log := logger.WithContext(ctx).With(zap.String("component", "transfer"))
	if err != nil {
		log.Error("transfer failed",
			zap.String("source", st.Source.ID()),
			zap.String("target", st.Target.ID()),
			zap.Error(err))
		return res, err
	}
	log.Info("transfer completed",
		zap.String("source", res.Source),
		zap.String("target", res.Target),
		zap.String("operation", string(op)),
		zap.Int64("rows_read", res.RowsRead),
		zap.Int64("rows_written", res.RowsWritten),
		zap.Int64("batches", res.Batches),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func run(ctx context.Context, st SourceTarget, op Operation) (*Result, error) {
	plan, err := prepare(ctx, st, op)
	if err != nil {
		return nil, err
	}
	res := &Result{Source: st.Source.ID(), Target: st.Target.ID()}

	if op == OperationReplace && plan.targetExisted {
		if err := st.Target.Truncate(ctx); err != nil {
			return res, err
		}
	}

	sel, err := st.Source.Select(ctx)
	if err != nil {
		return res, err
	}
	ins, err := st.Target.Insert(ctx, plan.insertOptions(st.Properties, op))
	if err != nil {
		return res, multierr.Append(err, sel.Close())
	}

	loopErr := plan.copyRows(ctx, sel, ins)
	closeErr := multierr.Combine(ins.Close(ctx), sel.Close())

	stats := ins.Stats()
	res.RowsRead = sel.RowNumber()
	res.RowsWritten = stats.Rows
	res.Batches = stats.Batches
	if loopErr != nil {
		return res, multierr.Append(loopErr, closeErr)
	}
	if closeErr != nil {
		return res, errors.Wrapf(closeErr, errors.ErrorTypeData, "transfer %s -> %s", res.Source, res.Target)
	}
	return res, nil
}

// plan is the outcome of the pre-checks
type plan struct {
	source        *relation.RelationDef
	target        *relation.RelationDef
	sources       []int // source index of each target column, -1 when unmapped
	generated     *relation.Plan
	matchKey      []string
	targetExisted bool
	attributes    *connection.Attributes
}

func prepare(ctx context.Context, st SourceTarget, op Operation) (*plan, error) {
	if st.Source.Equal(st.Target) {
		return nil, errors.Newf(errors.ErrorTypeValidation, "the source and the target are the same resource %s", st.Source.ID())
	}
	if st.Source.Kind() != connection.KindDocument {
		return nil, errors.Newf(errors.ErrorTypeValidation, "the source %s is a container and has no rows", st.Source.ID())
	}
	if st.Target.Kind() != connection.KindDocument {
		return nil, errors.Newf(errors.ErrorTypeValidation, "the target %s is a container and cannot receive rows", st.Target.ID())
	}
	if _, ok := st.Source.Connection().System().(connection.Readable); !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "the source %s is not readable", st.Source.ID())
	}
	if _, ok := st.Target.Connection().System().(connection.Writable); !ok {
		return nil, errors.Newf(errors.ErrorTypeCapability, "the target %s is not writable", st.Target.ID())
	}
	exists, err := st.Source.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "the source %s does not exist", st.Source.ID())
	}
	srcRel, err := st.Source.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	if srcRel.Empty() {
		return nil, errors.Newf(errors.ErrorTypeValidation, "the source %s has no columns", st.Source.ID())
	}

	p := &plan{source: srcRel, attributes: st.Target.Attributes()}
	if p.targetExisted, err = st.Target.Exists(ctx); err != nil {
		return nil, err
	}
	if !p.targetExisted && st.Properties.NoCreate {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "the target %s does not exist", st.Target.ID())
	}
	tgtRel, err := st.Target.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	derived := tgtRel.Empty()
	if derived {
		if tgtRel, err = targetRelation(ctx, srcRel, st); err != nil {
			return nil, err
		}
	}
	p.target = tgtRel

	if p.sources, err = mapColumns(srcRel, tgtRel, st.Mapping); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "transfer %s -> %s", st.Source.ID(), st.Target.ID())
	}
	var mapped []string
	for i, col := range tgtRel.Columns() {
		if p.sources[i] >= 0 {
			mapped = append(mapped, col.Name)
			continue
		}
		if col.Generator == nil && !col.Nullable {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"the target column %s of %s is not nullable and is mapped to no source column", col.Name, st.Target.ID())
		}
	}
	// generators read the mapped target columns and the source row
	if p.generated, err = relation.NewPlan(tgtRel, append(mapped, srcRel.Names()...)...); err != nil {
		return nil, err
	}

	if op == OperationUpsert {
		key, ok := tgtRel.MatchKey()
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "upsert on %s requires a primary or unique key", st.Target.ID())
		}
		p.matchKey = key
	}

	// the target is touched only once every check passed
	if derived {
		st.Target.SetRelationDef(tgtRel)
	}
	if !p.targetExisted {
		if err := st.Target.Create(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// targetRelation derives the relation of a target from the source. Foreign
// keys are kept when the referenced resource exists on the target
// connection.
func targetRelation(ctx context.Context, src *relation.RelationDef, st SourceTarget) (*relation.RelationDef, error) {
	rename := func(name string) string {
		for from, to := range st.Mapping {
			if from == name {
				return to
			}
		}
		return name
	}
	out := relation.New()
	for _, col := range src.Columns() {
		if _, err := out.AddColumn(rename(col.Name), col.Type,
			relation.WithPrecision(col.Precision, col.Scale),
			relation.WithNullable(col.Nullable),
			relation.WithComment(col.Comment),
		); err != nil {
			return nil, err
		}
	}
	renameAll := func(cols []string) []string {
		out := make([]string, len(cols))
		for i, c := range cols {
			out[i] = rename(c)
		}
		return out
	}
	if pk := src.PrimaryKey(); len(pk) > 0 {
		if err := out.SetPrimaryKey(renameAll(pk)...); err != nil {
			return nil, err
		}
	}
	for _, uk := range src.UniqueKeys() {
		if err := out.AddUniqueKey(renameAll(uk)...); err != nil {
			return nil, err
		}
	}
	conn := st.Target.Connection()
	for _, fk := range src.ForeignKeys() {
		parent, err := conn.DataPath(fk.ForeignResource, connection.MediaTypeUnknown)
		if err != nil {
			continue
		}
		if ok, err := parent.Exists(ctx); err != nil || !ok {
			continue
		}
		fk.Columns = renameAll(fk.Columns)
		if err := out.AddForeignKey(fk); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mapColumns returns the source index of every target column. Explicit
// entries come first, the other target columns match a source column of the
// same normalized name that no entry consumed. Columns are matched by
// position only when neither found a pair.
func mapColumns(src, tgt *relation.RelationDef, explicit map[string]string) ([]int, error) {
	sources := make([]int, tgt.Size())
	for i := range sources {
		sources[i] = -1
	}

	consumed := make(map[int]bool, len(explicit))
	for from, to := range explicit {
		s, ok := src.Column(from)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "the mapped source column %q does not exist", from)
		}
		t, ok := tgt.Column(to)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "the mapped target column %q does not exist", to)
		}
		sources[t.Position-1] = s.Position - 1
		consumed[s.Position-1] = true
	}

	matched := len(explicit)
	for i, col := range tgt.Columns() {
		if sources[i] >= 0 {
			continue
		}
		if s, ok := src.Column(col.Name); ok && !consumed[s.Position-1] {
			sources[i] = s.Position - 1
			matched++
		}
	}
	if matched > 0 {
		return sources, nil
	}
	if src.Size() != tgt.Size() {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"no column name in common and the column counts differ (source %d, target %d)", src.Size(), tgt.Size())
	}
	for i := range sources {
		sources[i] = i
	}
	return sources, nil
}

func (p *plan) insertOptions(props Properties, op Operation) stream.InsertOptions {
	opts := stream.InsertOptions{
		BatchSize:         props.BatchSize,
		FeedbackFrequency: props.FeedbackFrequency,
		Operation:         stream.OperationInsert,
	}
	if props.Granularity == GranularityRecord {
		opts.BatchSize = 1
	}
	if op == OperationUpsert {
		opts.Operation = stream.OperationUpsert
		opts.MatchKey = p.matchKey
	}
	return opts
}

func (p *plan) copyRows(ctx context.Context, sel stream.SelectStream, ins stream.InsertStream) error {
	columns := p.target.Columns()
	for {
		ok, err := sel.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		values, err := sel.Values()
		if err != nil {
			return err
		}
		var generated map[string]any
		if !p.generated.Empty() {
			if generated, err = p.generated.Evaluate(&rowContext{rel: p.source, row: values, attributes: p.attributes}); err != nil {
				return errors.Wrapf(err, errors.ErrorTypeData, "row %d", sel.RowNumber())
			}
		}
		row := make([]any, len(columns))
		for i, col := range columns {
			src := p.sources[i]
			if src < 0 {
				if col.Generator != nil {
					row[i] = generated[keys.Normalize(col.Name)]
				}
				continue
			}
			if src >= len(values) {
				continue
			}
			v, err := types.CastColumn(values[src], col.Type, col.Precision, col.Scale)
			if err != nil {
				return errors.Wrapf(err, errors.ErrorTypeCast, "row %d, column %s", sel.RowNumber(), col.Name)
			}
			row[i] = v
		}
		if err := ins.Insert(ctx, row); err != nil {
			return err
		}
	}
}

// rowContext exposes the current source row to the column generators
type rowContext struct {
	rel        *relation.RelationDef
	row        []any
	attributes *connection.Attributes
}

func (c *rowContext) Value(column string) (any, bool) {
	col, ok := c.rel.Column(column)
	if !ok || col.Position > len(c.row) {
		return nil, false
	}
	return c.row[col.Position-1], true
}

func (c *rowContext) Attribute(name string) (any, bool) {
	v, ok := c.attributes.Value(name)
	return v, ok
}
