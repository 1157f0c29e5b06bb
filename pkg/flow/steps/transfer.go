package steps

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/transfer"
	"github.com/tabulify/tabulify/pkg/types"
)

// DefaultTransferTarget keeps the logical name on the default connection
const DefaultTransferTarget = "${logicalName}"

// Transfer copies each resource to the target addressed by targetDataUri,
// expanded with the ${path}, ${name}, ${logicalName} and ${connection} of
// the source. A target resolving to a container receives a resource named
// after the source. The operation defaults to the step operation: insert
// for transfer and insert, upsert for upsert, replace for copy.
//
//	targetDataUri: "${logicalName}@sqlite"
//	operation: upsert
//	batchSize: 500
//	mapping: {id: user_id}
func Transfer() flow.StepProvider {
	return &provider{
		operations: []string{"transfer", "copy", "insert", "upsert"},
		arguments: []flow.Argument{
			{Name: "targetDataUri", Kind: flow.KindString, Description: "target template"},
			{Name: "targetMediaType", Kind: flow.KindString},
			{Name: "operation", Kind: flow.KindString, Description: "insert, upsert or replace"},
			{Name: "batchSize", Kind: flow.KindInt},
			{Name: "feedbackFrequency", Kind: flow.KindInt},
			{Name: "granularity", Kind: flow.KindString, Description: "resource or record"},
			{Name: "createTarget", Kind: flow.KindBool, Description: "create a missing target (default true)"},
			{Name: "mapping", Kind: flow.KindMap, Description: "source column to target column"},
		},
		outputs: []flow.OutputMode{flow.OutputTargets, flow.OutputResults, flow.OutputInputs},
		validate: func(op string, args flow.Arguments) error {
			_, err := transferProperties(op, args)
			return err
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			props, err := transferProperties(op, args)
			if err != nil {
				return nil, err
			}
			mapping := make(map[string]string)
			for k, v := range args.Map("mapping") {
				mapping[k] = fmt.Sprint(v)
			}
			return &transferRunnable{
				props:     props,
				target:    args.String("targetDataUri", DefaultTransferTarget),
				mediaType: connection.ParseMediaType(args.String("targetMediaType", "")),
				mapping:   mapping,
				output:    args.Output(),
				sizeUnset: !has(args, "batchSize"),
				feedUnset: !has(args, "feedbackFrequency"),
			}, nil
		},
	}
}

func has(args flow.Arguments, name string) bool {
	_, ok := args.Get(name)
	return ok
}

func transferProperties(op string, args flow.Arguments) (transfer.Properties, error) {
	var props transfer.Properties
	defaultOp := map[string]transfer.Operation{
		"transfer": transfer.OperationInsert,
		"insert":   transfer.OperationInsert,
		"upsert":   transfer.OperationUpsert,
		"copy":     transfer.OperationReplace,
	}[keys.Normalize(op)]

	var err error
	if props.Operation, err = transfer.ParseOperation(args.String("operation", string(defaultOp))); err != nil {
		return props, err
	}
	if props.BatchSize, err = args.Int("batchSize", 0); err != nil {
		return props, err
	}
	if props.FeedbackFrequency, err = args.Int("feedbackFrequency", 0); err != nil {
		return props, err
	}
	if props.BatchSize < 0 || props.FeedbackFrequency < 0 {
		return props, errors.New(errors.ErrorTypeValidation, "batchSize and feedbackFrequency cannot be negative")
	}
	switch g := flow.Granularity(strings.ToLower(args.String("granularity", string(flow.GranularityResource)))); g {
	case flow.GranularityResource:
		props.Granularity = transfer.GranularityResource
	case flow.GranularityRecord:
		props.Granularity = transfer.GranularityRecord
	default:
		return props, errors.Newf(errors.ErrorTypeValidation, "granularity must be %s or %s, got %q",
			flow.GranularityResource, flow.GranularityRecord, g)
	}
	create, err := args.Bool("createTarget", true)
	if err != nil {
		return props, err
	}
	props.NoCreate = !create
	return props, nil
}

type transferRunnable struct {
	inputs
	props     transfer.Properties
	target    string
	mediaType connection.MediaType
	mapping   map[string]string
	output    flow.OutputMode
	sizeUnset bool
	feedUnset bool
}

func (r *transferRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	props := r.props
	if cfg := s.Config(); cfg != nil {
		if r.sizeUnset {
			props.BatchSize = cfg.Performance.BatchSize
		}
		if r.feedUnset {
			props.FeedbackFrequency = cfg.Performance.FeedbackFrequency
		}
	}

	var (
		targets []*connection.DataPath
		results [][]any
	)
	for _, src := range r.paths {
		target, err := flow.ResolveDataPath(ctx, s, flow.Expand(r.target, flow.Vars(src)), r.mediaType)
		if err != nil {
			return nil, err
		}
		if target.Kind() == connection.KindContainer {
			child := path.Join(target.Path(), path.Base(src.Path()))
			if target, err = target.Connection().DataPath(child, r.mediaType); err != nil {
				return nil, err
			}
		}
		var mapping map[string]string
		if len(r.mapping) > 0 {
			mapping = r.mapping
		}
		res, err := transfer.Transfer(ctx, transfer.SourceTarget{
			Source:     src,
			Target:     target,
			Mapping:    mapping,
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
		results = append(results, []any{src.ID(), target.ID(), res.RowsRead, res.RowsWritten, res.Batches, res.Duration.Milliseconds()})
	}

	if r.output == flow.OutputResults {
		rel := resultRelation(
			resultColumn{"source", types.Varchar},
			resultColumn{"target", types.Varchar},
			resultColumn{"rows_read", types.BigInt},
			resultColumn{"rows_written", types.BigInt},
			resultColumn{"batches", types.BigInt},
			resultColumn{"duration_ms", types.BigInt},
		)
		dp, err := flow.WriteResults(ctx, s, rel, results)
		if err != nil {
			return nil, err
		}
		return []*connection.DataPath{dp}, nil
	}
	return targets, nil
}
