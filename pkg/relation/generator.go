package relation

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/keys"
	"github.com/tabulify/tabulify/pkg/manifest"
	"github.com/tabulify/tabulify/pkg/types"
)

// Generator kinds
const (
	GeneratorConstant  = "constant"
	GeneratorSequence  = "sequence"
	GeneratorRandom    = "random"
	GeneratorUUID      = "uuid"
	GeneratorHash      = "hash"
	GeneratorTemplate  = "template"
	GeneratorAttribute = "attribute"
)

var generatorArgs = map[string][]string{
	GeneratorConstant:  {"value"},
	GeneratorSequence:  {"start", "step"},
	GeneratorRandom:    {"min", "max", "values", "seed"},
	GeneratorUUID:      {},
	GeneratorHash:      {"columns"},
	GeneratorTemplate:  {"format"},
	GeneratorAttribute: {"name"},
}

// GeneratorSpec is the declaration of a column generator
type GeneratorSpec struct {
	Kind string
	Args map[string]any
}

// ParseGeneratorSpec reads `{type: sequence, start: 1}`
func ParseGeneratorSpec(m map[string]any) (*GeneratorSpec, error) {
	kind, _ := manifest.Lookup(m, "type").(string)
	kind = strings.ToLower(kind)
	valid, ok := generatorArgs[kind]
	if !ok {
		names := make([]string, 0, len(generatorArgs))
		for k := range generatorArgs {
			names = append(names, k)
		}
		sort.Strings(names)
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown generator type %q; valid types are: %s", kind, strings.Join(names, ", "))
	}
	args := make(map[string]any, len(m))
	for k, v := range m {
		if keys.Equal(k, "type") {
			continue
		}
		args[k] = v
	}
	if err := manifest.CheckKeys(kind+" generator", args, valid); err != nil {
		return nil, err
	}
	return &GeneratorSpec{Kind: kind, Args: args}, nil
}

// Context gives a generator access to the row being built and to the
// attributes of the resource
type Context interface {
	Value(column string) (any, bool)
	Attribute(name string) (any, bool)
}

// Generator produces the value of a column for each row
type Generator interface {
	Dependencies() []string
	Generate(ctx Context) (any, error)
}

// NewGenerator instantiates a generator for a column of type t
func NewGenerator(spec *GeneratorSpec, t types.Type) (Generator, error) {
	arg := func(name string) any { return manifest.Lookup(spec.Args, name) }
	intArg := func(name string, def int) (int, error) {
		raw := arg(name)
		if raw == nil {
			return def, nil
		}
		return manifest.Int(raw)
	}

	switch spec.Kind {
	case GeneratorConstant:
		v, err := types.Cast(arg("value"), t)
		if err != nil {
			return nil, err
		}
		return &constantGenerator{value: v}, nil
	case GeneratorSequence:
		start, err := intArg("start", 1)
		if err != nil {
			return nil, err
		}
		step, err := intArg("step", 1)
		if err != nil {
			return nil, err
		}
		if step == 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "sequence step cannot be zero")
		}
		return &sequenceGenerator{next: int64(start), step: int64(step)}, nil
	case GeneratorRandom:
		seed, err := intArg("seed", 0)
		if err != nil {
			return nil, err
		}
		g := &randomGenerator{}
		if seed != 0 {
			g.rnd = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
		} else {
			g.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		if values := arg("values"); values != nil {
			list, ok := values.([]any)
			if !ok || len(list) == 0 {
				return nil, errors.New(errors.ErrorTypeValidation, "random values must be a non-empty list")
			}
			g.values = list
			return g, nil
		}
		if g.min, err = intArg("min", 0); err != nil {
			return nil, err
		}
		if g.max, err = intArg("max", 100); err != nil {
			return nil, err
		}
		if g.max < g.min {
			return nil, errors.Newf(errors.ErrorTypeValidation, "random max %d is lower than min %d", g.max, g.min)
		}
		return g, nil
	case GeneratorUUID:
		return uuidGenerator{}, nil
	case GeneratorHash:
		cols, err := manifest.StringList(arg("columns"))
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, errors.New(errors.ErrorTypeValidation, "hash generator needs at least one column")
		}
		return &hashGenerator{columns: cols}, nil
	case GeneratorTemplate:
		format, _ := arg("format").(string)
		if format == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "template generator needs a format")
		}
		return newTemplateGenerator(format), nil
	case GeneratorAttribute:
		name, _ := arg("name").(string)
		if name == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "attribute generator needs a name")
		}
		return &attributeGenerator{name: name}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "unknown generator type %q", spec.Kind)
}

type constantGenerator struct{ value any }

func (g *constantGenerator) Dependencies() []string        { return nil }
func (g *constantGenerator) Generate(Context) (any, error) { return g.value, nil }

type sequenceGenerator struct{ next, step int64 }

func (g *sequenceGenerator) Dependencies() []string { return nil }
func (g *sequenceGenerator) Generate(Context) (any, error) {
	v := g.next
	g.next += g.step
	return v, nil
}

type randomGenerator struct {
	rnd      *rand.Rand
	min, max int
	values   []any
}

func (g *randomGenerator) Dependencies() []string { return nil }
func (g *randomGenerator) Generate(Context) (any, error) {
	if len(g.values) > 0 {
		return g.values[g.rnd.IntN(len(g.values))], nil
	}
	return int64(g.min + g.rnd.IntN(g.max-g.min+1)), nil
}

type uuidGenerator struct{}

func (uuidGenerator) Dependencies() []string        { return nil }
func (uuidGenerator) Generate(Context) (any, error) { return uuid.NewString(), nil }

type hashGenerator struct{ columns []string }

func (g *hashGenerator) Dependencies() []string { return g.columns }
func (g *hashGenerator) Generate(ctx Context) (any, error) {
	h := xxh3.New()
	for i, col := range g.columns {
		v, ok := ctx.Value(col)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "hash column %q not found", col)
		}
		if i > 0 {
			_, _ = h.WriteString("\x1f")
		}
		if v != nil {
			_, _ = h.WriteString(fmt.Sprint(v))
		}
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

type templateGenerator struct {
	format string
	deps   []string
}

func newTemplateGenerator(format string) *templateGenerator {
	g := &templateGenerator{format: format}
	for _, m := range placeholder.FindAllStringSubmatch(format, -1) {
		g.deps = append(g.deps, m[1])
	}
	return g
}

func (g *templateGenerator) Dependencies() []string { return g.deps }
func (g *templateGenerator) Generate(ctx Context) (any, error) {
	var missing error
	out := placeholder.ReplaceAllStringFunc(g.format, func(m string) string {
		name := m[2 : len(m)-1]
		v, ok := ctx.Value(name)
		if !ok {
			missing = errors.Newf(errors.ErrorTypeNotFound, "template column %q not found", name)
			return ""
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
	if missing != nil {
		return nil, missing
	}
	return out, nil
}

type attributeGenerator struct{ name string }

func (g *attributeGenerator) Dependencies() []string { return nil }
func (g *attributeGenerator) Generate(ctx Context) (any, error) {
	v, ok := ctx.Attribute(g.name)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "attribute %q not found", g.name)
	}
	return v, nil
}
