package steps

import (
	"context"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
)

// Select adds the resources matched by data selectors to the working set.
//
//	dataSelector: ["*.csv@cd", "users@sqlite"]
//	strict: true   # a selector matching nothing is an error
func Select() flow.StepProvider {
	return &provider{
		operations: []string{"select", "input"},
		arguments: []flow.Argument{
			{Name: "dataSelector", Kind: flow.KindStringList, Required: true, Description: "glob or path, with an optional @connection"},
			{Name: "mediaType", Kind: flow.KindString, Description: "media type forced on plain paths"},
			{Name: "strict", Kind: flow.KindBool, Description: "fail when a selector matches nothing (default true)"},
		},
		accumulating: true,
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			selectors, err := args.StringList("dataSelector")
			if err != nil {
				return nil, err
			}
			strict, err := args.Bool("strict", true)
			if err != nil {
				return nil, err
			}
			return &selectRunnable{
				selectors: selectors,
				mediaType: connection.ParseMediaType(args.String("mediaType", "")),
				strict:    strict,
			}, nil
		},
	}
}

type selectRunnable struct {
	inputs
	selectors []string
	mediaType connection.MediaType
	strict    bool
}

func (r *selectRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	out := append([]*connection.DataPath(nil), r.paths...)
	for _, selector := range r.selectors {
		selected, err := flow.SelectDataPaths(ctx, s, selector, r.mediaType)
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "data selector %s", selector)
		}
		if len(selected) == 0 && r.strict {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "data selector %s selects no resource", selector)
		}
		out = appendUnique(out, selected...)
	}
	return out, nil
}
