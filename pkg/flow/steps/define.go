package steps

import (
	"context"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/manifest"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/types"
)

// resourceKeys are the keys of a data-resource manifest spec, and of the
// define step arguments that describe the resource
var resourceKeys = []string{"dataUri", "logicalName", "mediaType", "columns", "primaryColumns", "uniqueKeys", "foreignKeys", "rows"}

// Define declares a resource: its address, its columns and optionally its
// rows. The definition comes from the step arguments, from a data-resource
// manifest, or both, arguments taking precedence.
//
//	dataUri: users@memory
//	columns:
//	  - {name: id, type: integer}
//	  - {name: name, type: varchar(50)}
//	primaryColumns: [id]
//	rows: [[1, a], [2, b]]
func Define() flow.StepProvider {
	return &provider{
		operations: []string{"define"},
		arguments: []flow.Argument{
			{Name: "dataUri", Kind: flow.KindString, Description: "address of the resource"},
			{Name: "manifest", Kind: flow.KindString, Description: "data-resource manifest file"},
			{Name: "logicalName", Kind: flow.KindString},
			{Name: "mediaType", Kind: flow.KindString},
			{Name: "columns", Kind: flow.KindList},
			{Name: "primaryColumns", Kind: flow.KindStringList},
			{Name: "uniqueKeys", Kind: flow.KindList},
			{Name: "foreignKeys", Kind: flow.KindList},
			{Name: "rows", Kind: flow.KindList, Description: "rows created with the resource"},
		},
		accumulating: true,
		validate: func(op string, args flow.Arguments) error {
			_, hasURI := args.Get("dataUri")
			_, hasManifest := args.Get("manifest")
			if !hasURI && !hasManifest {
				return errors.New(errors.ErrorTypeValidation, "define needs a dataUri or a manifest argument")
			}
			return nil
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			return &defineRunnable{args: args}, nil
		},
	}
}

type defineRunnable struct {
	inputs
	args flow.Arguments
}

// definition merges the manifest spec and the arguments
func (r *defineRunnable) definition() (map[string]any, error) {
	def := make(map[string]any)
	if path := r.args.String("manifest", ""); path != "" {
		doc, err := manifest.Load(path)
		if err != nil {
			return nil, err
		}
		if err := doc.Expect(manifest.KindDataResource); err != nil {
			return nil, err
		}
		if err := manifest.CheckKeys("data resource", doc.Spec, resourceKeys); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "manifest %s", path)
		}
		for _, key := range resourceKeys {
			if v := manifest.Lookup(doc.Spec, key); v != nil {
				def[key] = v
			}
		}
	}
	for _, key := range resourceKeys {
		if v, ok := r.args.Get(key); ok {
			def[key] = v
		}
	}
	return def, nil
}

func (r *defineRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	def, err := r.definition()
	if err != nil {
		return nil, err
	}
	uri, _ := def["dataUri"].(string)
	if uri == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "the defined resource has no dataUri")
	}
	mediaType, _ := def["mediaType"].(string)
	dp, err := flow.ResolveDataPath(ctx, s, uri, connection.ParseMediaType(mediaType))
	if err != nil {
		return nil, err
	}
	if name, _ := def["logicalName"].(string); name != "" {
		dp.SetLogicalName(name)
	}

	rel, err := dp.RelationDef(ctx)
	if err != nil {
		return nil, err
	}
	overlay := make(map[string]any)
	for _, key := range []string{"columns", "primaryColumns", "uniqueKeys", "foreignKeys"} {
		if v, ok := def[key]; ok {
			overlay[key] = v
		}
	}
	if err := rel.MergeDataDefinitionFromYamlMap(overlay); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "definition of %s", dp.ID())
	}

	if rows, ok := def["rows"].([]any); ok && len(rows) > 0 {
		if err := r.load(ctx, dp, rel, rows); err != nil {
			return nil, err
		}
	}
	return appendUnique(append([]*connection.DataPath(nil), r.paths...), dp), nil
}

// load creates the resource when needed and inserts the declared rows
func (r *defineRunnable) load(ctx context.Context, dp *connection.DataPath, rel *relation.RelationDef, rows []any) error {
	exists, err := dp.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		if err := dp.Create(ctx); err != nil {
			return err
		}
	}
	ins, err := dp.Insert(ctx, stream.InsertOptions{})
	if err != nil {
		return err
	}
	for i, raw := range rows {
		values, ok := raw.([]any)
		if !ok || len(values) != rel.Size() {
			_ = ins.Close(ctx)
			return errors.Newf(errors.ErrorTypeValidation, "row %d of %s must be a list of %d values", i+1, dp.ID(), rel.Size())
		}
		row := make([]any, len(values))
		for j, col := range rel.Columns() {
			if row[j], err = types.CastColumn(values[j], col.Type, col.Precision, col.Scale); err != nil {
				_ = ins.Close(ctx)
				return errors.Wrapf(err, errors.ErrorTypeCast, "row %d, column %s", i+1, col.Name)
			}
		}
		if err := ins.Insert(ctx, row); err != nil {
			_ = ins.Close(ctx)
			return err
		}
	}
	return ins.Close(ctx)
}
