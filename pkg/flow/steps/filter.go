package steps

import (
	"context"
	"strings"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/glob"
)

// Filter keeps the resources matching every given criterion. Name globs
// match the path or the logical name.
func Filter() flow.StepProvider {
	return &provider{
		operations: []string{"filter"},
		arguments: []flow.Argument{
			{Name: "include", Kind: flow.KindStringList, Description: "globs a resource must match"},
			{Name: "exclude", Kind: flow.KindStringList, Description: "globs a resource must not match"},
			{Name: "mediaType", Kind: flow.KindString},
			{Name: "kind", Kind: flow.KindString, Description: "container or document"},
		},
		accumulating: true,
		validate: func(op string, args flow.Arguments) error {
			f, err := newFilter(args)
			if err != nil {
				return err
			}
			if f.empty() {
				return errors.New(errors.ErrorTypeValidation, "filter needs at least one of include, exclude, mediaType or kind")
			}
			return nil
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			f, err := newFilter(args)
			if err != nil {
				return nil, err
			}
			return &filterRunnable{filter: f}, nil
		},
	}
}

type filter struct {
	include   []*glob.Pattern
	exclude   []*glob.Pattern
	mediaType connection.MediaType
	kind      string
}

func compileAll(patterns []string) ([]*glob.Pattern, error) {
	out := make([]*glob.Pattern, 0, len(patterns))
	for _, p := range patterns {
		compiled, err := glob.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

func newFilter(args flow.Arguments) (*filter, error) {
	f := &filter{
		mediaType: connection.ParseMediaType(args.String("mediaType", "")),
		kind:      strings.ToLower(args.String("kind", "")),
	}
	include, err := args.StringList("include")
	if err != nil {
		return nil, err
	}
	exclude, err := args.StringList("exclude")
	if err != nil {
		return nil, err
	}
	if f.include, err = compileAll(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compileAll(exclude); err != nil {
		return nil, err
	}
	switch f.kind {
	case "", connection.KindContainer.String(), connection.KindDocument.String():
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "kind must be %s or %s, got %q",
			connection.KindContainer, connection.KindDocument, f.kind)
	}
	return f, nil
}

func (f *filter) empty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0 && f.mediaType == connection.MediaTypeUnknown && f.kind == ""
}

func matches(patterns []*glob.Pattern, dp *connection.DataPath) bool {
	for _, p := range patterns {
		if p.Match(dp.Path()) || p.Match(dp.LogicalName()) {
			return true
		}
	}
	return false
}

func (f *filter) keep(dp *connection.DataPath) bool {
	if len(f.include) > 0 && !matches(f.include, dp) {
		return false
	}
	if matches(f.exclude, dp) {
		return false
	}
	if f.mediaType != connection.MediaTypeUnknown && dp.MediaType() != f.mediaType {
		return false
	}
	return f.kind == "" || dp.Kind().String() == f.kind
}

type filterRunnable struct {
	inputs
	filter *filter
}

func (r *filterRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	var out []*connection.DataPath
	for _, dp := range r.paths {
		if r.filter.keep(dp) {
			out = append(out, dp)
		}
	}
	return out, nil
}
