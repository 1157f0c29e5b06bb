// Package flow is the pipeline engine: an ordered list of named steps, each
// resolved by operation in a Registry, threading a set of DataPaths from one
// step to the next.
//
// A step provider declares a closed set of arguments. Unknown or mistyped
// arguments fail when the step is added to the pipeline, before any step
// runs. Accumulating steps receive the whole upstream set in one call;
// streaming steps run once per DataPath with a fresh runnable.
package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/manifest"
)

// ValueKind is the expected value type of a step argument
type ValueKind int

const (
	KindAny ValueKind = iota
	KindString
	KindInt
	KindBool
	KindStringList
	KindMap
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindBool:
		return "boolean"
	case KindStringList:
		return "list of strings"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	}
	return "any"
}

// check reports whether v can be read as the kind
func (k ValueKind) check(v any) error {
	var err error
	switch k {
	case KindString:
		switch v.(type) {
		case string, int, int64, float64, bool:
		default:
			err = fmt.Errorf("expected a string, got %T", v)
		}
	case KindInt:
		_, err = manifest.Int(v)
	case KindBool:
		_, err = manifest.Bool(v)
	case KindStringList:
		_, err = manifest.StringList(v)
	case KindMap:
		if _, ok := manifest.AsMap(v); !ok {
			err = fmt.Errorf("expected a map, got %T", v)
		}
	case KindList:
		if _, ok := v.([]any); !ok {
			err = fmt.Errorf("expected a list, got %T", v)
		}
	}
	return err
}

// Argument declares one accepted step argument
type Argument struct {
	Name        string
	Kind        ValueKind
	Required    bool
	Description string
}

// Granularity is the unit a streaming step commits on
type Granularity string

const (
	GranularityResource Granularity = "resource"
	GranularityRecord   Granularity = "record"
)

// OutputMode selects what a step hands to the next one
type OutputMode string

const (
	// OutputTargets passes the physical resources the step wrote
	OutputTargets OutputMode = "targets"
	// OutputResults passes transient memory resources describing what the
	// step did, one row per processed resource
	OutputResults OutputMode = "results"
	// OutputInputs passes the step inputs through unchanged
	OutputInputs OutputMode = "inputs"
)

// OutputArgument is the argument selecting the output mode. It is accepted
// by every step declaring output modes.
const OutputArgument = "output"

// StepProvider is the template of a step operation. It holds no run state.
type StepProvider interface {
	// Operations lists the operation names, the first one being canonical
	Operations() []string
	// Arguments is the closed set of accepted arguments
	Arguments() []Argument
	// Accumulating steps receive every upstream DataPath in one runnable
	Accumulating() bool
	// Granularity is the default commit unit of a streaming step
	Granularity() Granularity
	// OutputModes lists the accepted output modes, the first one is the default
	OutputModes() []OutputMode
	// Validate checks arguments beyond their individual kind
	Validate(operation string, args Arguments) error
	// NewRunnable creates the state of one execution
	NewRunnable(operation string, args Arguments) (Runnable, error)
}

// Runnable is one execution of a step
type Runnable interface {
	AddInput(paths ...*connection.DataPath)
	Run(ctx context.Context, s Session) ([]*connection.DataPath, error)
}

// Arguments are the values of step arguments, looked up through normalized
// keys
type Arguments map[string]any

// Get returns a raw argument value
func (a Arguments) Get(name string) (any, bool) {
	v := manifest.Lookup(a, name)
	return v, v != nil
}

// String returns a string argument or def
func (a Arguments) String(name, def string) string {
	v, ok := a.Get(name)
	if !ok {
		return def
	}
	return fmt.Sprint(v)
}

// Int returns an integer argument or def
func (a Arguments) Int(name string, def int) (int, error) {
	v, ok := a.Get(name)
	if !ok {
		return def, nil
	}
	n, err := manifest.Int(v)
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrorTypeValidation, "argument %s", name)
	}
	return n, nil
}

// Bool returns a boolean argument or def
func (a Arguments) Bool(name string, def bool) (bool, error) {
	v, ok := a.Get(name)
	if !ok {
		return def, nil
	}
	b, err := manifest.Bool(v)
	if err != nil {
		return false, errors.Wrapf(err, errors.ErrorTypeValidation, "argument %s", name)
	}
	return b, nil
}

// StringList returns a scalar or list argument as strings
func (a Arguments) StringList(name string) ([]string, error) {
	v, _ := a.Get(name)
	list, err := manifest.StringList(v)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "argument %s", name)
	}
	return list, nil
}

// Map returns a map argument, nil when absent
func (a Arguments) Map(name string) map[string]any {
	v, _ := a.Get(name)
	m, _ := manifest.AsMap(v)
	return m
}

// List returns a list argument, nil when absent
func (a Arguments) List(name string) []any {
	v, _ := a.Get(name)
	list, _ := v.([]any)
	return list
}

// Output returns the selected output mode
func (a Arguments) Output() OutputMode {
	return OutputMode(strings.ToLower(a.String(OutputArgument, "")))
}

// validateArguments checks names, kinds and required arguments, then sets
// the output mode to its default when absent
func validateArguments(step string, p StepProvider, args Arguments) error {
	declared := p.Arguments()
	valid := make([]string, 0, len(declared)+1)
	for _, arg := range declared {
		valid = append(valid, arg.Name)
	}
	modes := p.OutputModes()
	if len(modes) > 0 {
		valid = append(valid, OutputArgument)
	}
	if err := manifest.CheckKeys("step "+step, args, valid); err != nil {
		return err
	}

	for _, arg := range declared {
		v, ok := args.Get(arg.Name)
		if !ok {
			if arg.Required {
				return errors.Newf(errors.ErrorTypeValidation, "step %s: argument %s is mandatory", step, arg.Name)
			}
			continue
		}
		if err := arg.Kind.check(v); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeValidation, "step %s: argument %s must be a %s", step, arg.Name, arg.Kind)
		}
	}

	if len(modes) == 0 {
		return nil
	}
	if _, ok := args.Get(OutputArgument); !ok {
		args[OutputArgument] = string(modes[0])
		return nil
	}
	mode := args.Output()
	for _, m := range modes {
		if m == mode {
			return nil
		}
	}
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	sort.Strings(names)
	return errors.Newf(errors.ErrorTypeValidation, "step %s: output %q is not supported; valid outputs are: %s",
		step, mode, strings.Join(names, ", "))
}

// normalizeOperation is the registry key of an operation name
func normalizeOperation(op string) string {
	return keys.Normalize(op)
}
