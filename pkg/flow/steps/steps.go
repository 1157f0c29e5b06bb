// Package steps holds the built-in pipeline steps: select, define, filter,
// enrich, unzip, print, transfer (with its copy, insert and upsert
// aliases), drop and truncate.
package steps

import (
	"go.uber.org/multierr"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// Providers returns the built-in step providers
func Providers() []flow.StepProvider {
	return []flow.StepProvider{
		Select(),
		Define(),
		Filter(),
		Enrich(),
		Unzip(),
		Print(),
		Transfer(),
		Drop(),
		Truncate(),
	}
}

// Register adds every built-in step to reg
func Register(reg *flow.Registry) error {
	var err error
	for _, p := range Providers() {
		err = multierr.Append(err, reg.Register(p))
	}
	return err
}

// NewRegistry returns a registry holding the built-in steps
func NewRegistry() *flow.Registry {
	reg := flow.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

// provider implements flow.StepProvider from plain values
type provider struct {
	operations   []string
	arguments    []flow.Argument
	accumulating bool
	granularity  flow.Granularity
	outputs      []flow.OutputMode
	validate     func(op string, args flow.Arguments) error
	runnable     func(op string, args flow.Arguments) (flow.Runnable, error)
}

func (p *provider) Operations() []string { return p.operations }

func (p *provider) Arguments() []flow.Argument { return p.arguments }

func (p *provider) Accumulating() bool { return p.accumulating }

func (p *provider) OutputModes() []flow.OutputMode { return p.outputs }

func (p *provider) Granularity() flow.Granularity {
	if p.granularity == "" {
		return flow.GranularityResource
	}
	return p.granularity
}

func (p *provider) Validate(op string, args flow.Arguments) error {
	if p.validate == nil {
		return nil
	}
	return p.validate(op, args)
}

func (p *provider) NewRunnable(op string, args flow.Arguments) (flow.Runnable, error) {
	return p.runnable(op, args)
}

// inputs is the AddInput half of every runnable
type inputs struct {
	paths []*connection.DataPath
}

func (in *inputs) AddInput(paths ...*connection.DataPath) {
	in.paths = append(in.paths, paths...)
}

// appendUnique adds the paths not already in set
func appendUnique(set []*connection.DataPath, paths ...*connection.DataPath) []*connection.DataPath {
	for _, dp := range paths {
		found := false
		for _, existing := range set {
			if existing.Equal(dp) {
				found = true
				break
			}
		}
		if !found {
			set = append(set, dp)
		}
	}
	return set
}

// resultColumn declares one column of a results relation
type resultColumn struct {
	name string
	typ  types.Type
}

func resultRelation(cols ...resultColumn) *relation.RelationDef {
	rel := relation.New()
	for _, c := range cols {
		// names are distinct literals
		_, _ = rel.AddColumn(c.name, c.typ)
	}
	return rel
}
