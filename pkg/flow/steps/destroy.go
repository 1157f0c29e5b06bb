package steps

import (
	"context"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/transfer"
)

var destroyArguments = []flow.Argument{
	{Name: "dataSelector", Kind: flow.KindStringList, Description: "resources added to the step inputs"},
	{Name: "strict", Kind: flow.KindBool, Description: "fail when a selector matches nothing (default false)"},
}

// Drop drops the input resources, and those of the optional selectors,
// children before the parents they reference. Nothing is passed on.
func Drop() flow.StepProvider {
	return &provider{
		operations:   []string{"drop"},
		arguments:    destroyArguments,
		accumulating: true,
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			return newDestroyRunnable(args, func(ctx context.Context, m *transfer.Manager, paths []*connection.DataPath) ([]*connection.DataPath, error) {
				return nil, m.DropAll(ctx, paths)
			})
		},
	}
}

// Truncate empties the input resources, and those of the optional
// selectors, children before the parents they reference. The truncated
// resources are passed on.
func Truncate() flow.StepProvider {
	return &provider{
		operations:   []string{"truncate"},
		arguments:    destroyArguments,
		accumulating: true,
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			return newDestroyRunnable(args, func(ctx context.Context, m *transfer.Manager, paths []*connection.DataPath) ([]*connection.DataPath, error) {
				return paths, m.TruncateAll(ctx, paths)
			})
		},
	}
}

type destroyFunc func(ctx context.Context, m *transfer.Manager, paths []*connection.DataPath) ([]*connection.DataPath, error)

type destroyRunnable struct {
	inputs
	selectors []string
	strict    bool
	fn        destroyFunc
}

func newDestroyRunnable(args flow.Arguments, fn destroyFunc) (*destroyRunnable, error) {
	selectors, err := args.StringList("dataSelector")
	if err != nil {
		return nil, err
	}
	strict, err := args.Bool("strict", false)
	if err != nil {
		return nil, err
	}
	return &destroyRunnable{selectors: selectors, strict: strict, fn: fn}, nil
}

func (r *destroyRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	set := append([]*connection.DataPath(nil), r.paths...)
	for _, selector := range r.selectors {
		selected, err := flow.SelectDataPaths(ctx, s, selector, connection.MediaTypeUnknown)
		if err != nil {
			return nil, err
		}
		if len(selected) == 0 && r.strict {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "data selector %s selects no resource", selector)
		}
		set = appendUnique(set, selected...)
	}
	if len(set) == 0 {
		return nil, nil
	}
	out, err := r.fn(ctx, transfer.NewManager(), set)
	if err != nil {
		return nil, err
	}
	return out, nil
}
