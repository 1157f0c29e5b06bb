package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/manifest"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
	"github.com/tabulify/tabulify/pkg/testutil"
	"github.com/tabulify/tabulify/pkg/types"
)

type testSession struct {
	mem *connection.Connection
	out bytes.Buffer
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	testutil.TestLogger(t)
	return &testSession{mem: testutil.MemoryConnection(t)}
}

func (s *testSession) Connection(ctx context.Context, name string) (*connection.Connection, error) {
	if name != "memory" {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connection %s is not defined", name)
	}
	return s.mem, nil
}

func (s *testSession) DefaultConnection() string { return "memory" }
func (s *testSession) Memory() *connection.Connection { return s.mem }
func (s *testSession) Config() *config.BaseConfig { return config.NewBaseConfig("test") }
func (s *testSession) Out() io.Writer { return &s.out }

// fakeStep records its executions
type fakeStep struct {
	ops          []string
	accumulating bool
	outputs      []OutputMode
	runnables    int
	calls        [][]string
	fail         error
	produce      int
}

func (f *fakeStep) Operations() []string { return f.ops }

func (f *fakeStep) Arguments() []Argument {
	return []Argument{
		{Name: "prefix", Kind: KindString},
		{Name: "count", Kind: KindInt},
		{Name: "names", Kind: KindStringList},
		{Name: "target", Kind: KindString, Required: f.ops[0] == "strict"},
	}
}

func (f *fakeStep) Accumulating() bool { return f.accumulating }

func (f *fakeStep) Granularity() Granularity { return GranularityResource }

func (f *fakeStep) OutputModes() []OutputMode { return f.outputs }

func (f *fakeStep) Validate(op string, args Arguments) error {
	n, err := args.Int("count", 0)
	if err == nil && n < 0 {
		err = errors.New(errors.ErrorTypeValidation, "count cannot be negative")
	}
	return err
}

func (f *fakeStep) NewRunnable(op string, args Arguments) (Runnable, error) {
	f.runnables++
	return &fakeRunnable{step: f, prefix: args.String("prefix", "r")}, nil
}

type fakeRunnable struct {
	step   *fakeStep
	prefix string
	inputs []*connection.DataPath
}

func (r *fakeRunnable) AddInput(paths ...*connection.DataPath) {
	r.inputs = append(r.inputs, paths...)
}

func (r *fakeRunnable) Run(ctx context.Context, s Session) ([]*connection.DataPath, error) {
	var names []string
	for _, dp := range r.inputs {
		names = append(names, dp.Path())
	}
	r.step.calls = append(r.step.calls, names)
	if r.step.fail != nil {
		return nil, r.step.fail
	}
	out := append([]*connection.DataPath(nil), r.inputs...)
	for i := 0; i < r.step.produce; i++ {
		dp, err := s.Memory().DataPath(fmt.Sprintf("%s%d", r.prefix, i+1), connection.MediaTypeRelation)
		if err != nil {
			return nil, err
		}
		out = append(out, dp)
	}
	if len(r.inputs) > 0 && r.step.produce == 0 {
		out = nil
		for _, dp := range r.inputs {
			mapped, err := s.Memory().DataPath(dp.Path()+"_"+r.prefix, connection.MediaTypeRelation)
			if err != nil {
				return nil, err
			}
			out = append(out, mapped)
		}
	}
	return out, nil
}

func testRegistry(t *testing.T, steps ...*fakeStep) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, s := range steps {
		require.NoError(t, reg.Register(s))
	}
	return reg
}

func paths(dps []*connection.DataPath) []string {
	out := make([]string, len(dps))
	for i, dp := range dps {
		out[i] = dp.Path()
	}
	return out
}

func TestRegistry(t *testing.T) {
	reg := testRegistry(t, &fakeStep{ops: []string{"source", "input"}}, &fakeStep{ops: []string{"map"}})
	assert.Equal(t, []string{"input", "map", "source"}, reg.Operations())

	p, err := reg.Provider("Source")
	require.NoError(t, err)
	assert.Equal(t, "source", p.Operations()[0])

	_, err = reg.Provider("unzip")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "input, map, source")

	err = reg.Register(&fakeStep{ops: []string{"other", "map"}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = reg.Provider("other")
	assert.Error(t, err, "a rejected provider registers no operation")
}

func TestAddStep_Validation(t *testing.T) {
	reg := testRegistry(t,
		&fakeStep{ops: []string{"map"}, outputs: []OutputMode{OutputTargets, OutputResults, OutputInputs}},
		&fakeStep{ops: []string{"strict"}},
	)

	tests := []struct {
		name    string
		step    string
		op      string
		args    map[string]any
		errType errors.ErrorType
		want    string
	}{
		{"empty name", "", "map", nil, errors.ErrorTypeValidation, "empty"},
		{"whitespace", "my step", "map", nil, errors.ErrorTypeValidation, "whitespace"},
		{"unknown operation", "s", "nope", nil, errors.ErrorTypeConfig, "unknown step operation"},
		{"unknown argument", "s", "map", map[string]any{"prefx": "a"}, errors.ErrorTypeValidation, "valid attributes are: prefix, count, names, target, output"},
		{"wrong kind", "s", "map", map[string]any{"count": "many"}, errors.ErrorTypeValidation, "argument count must be a integer"},
		{"wrong list", "s", "map", map[string]any{"names": []any{1}}, errors.ErrorTypeValidation, "names"},
		{"missing required", "s", "strict", nil, errors.ErrorTypeValidation, "argument target is mandatory"},
		{"provider validation", "s", "map", map[string]any{"count": -1}, errors.ErrorTypeValidation, "count cannot be negative"},
		{"bad output", "s", "map", map[string]any{"output": "files"}, errors.ErrorTypeValidation, "valid outputs are: inputs, results, targets"},
		{"output not declared", "s", "strict", map[string]any{"target": "x", "output": "targets"}, errors.ErrorTypeValidation, "output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New("test", reg)
			err := p.AddStep(tt.step, tt.op, tt.args)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), err.Error())
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, p.Steps())
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		p := New("test", reg)
		require.NoError(t, p.AddStep("s", "map", nil))
		err := p.AddStep("s", "map", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already used")
	})

	t.Run("defaults and normalized keys", func(t *testing.T) {
		p := New("test", reg)
		args := map[string]any{"Prefix": "x", "COUNT": "3"}
		require.NoError(t, p.AddStep("s", "MAP", args))
		step := p.Steps()[0]
		assert.Equal(t, OutputTargets, step.Args.Output())
		assert.Equal(t, "x", step.Args.String("prefix", ""))
		n, err := step.Args.Int("count", 0)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.NotContains(t, args, OutputArgument, "the caller map is not modified")
	})
}

func TestExecute_AccumulatingAndStreaming(t *testing.T) {
	source := &fakeStep{ops: []string{"source"}, accumulating: true, produce: 3}
	mapper := &fakeStep{ops: []string{"map"}}
	collect := &fakeStep{ops: []string{"collect"}, accumulating: true}
	reg := testRegistry(t, source, mapper, collect)

	p := New("test", reg)
	require.NoError(t, p.AddStep("read", "source", map[string]any{"prefix": "in"}))
	require.NoError(t, p.AddStep("rename", "map", map[string]any{"prefix": "out"}))
	require.NoError(t, p.AddStep("all", "collect", map[string]any{"prefix": "x"}))

	out, err := p.Execute(testutil.TestContext(t), newTestSession(t))
	require.NoError(t, err)

	assert.Equal(t, 1, source.runnables)
	assert.Equal(t, [][]string{nil}, source.calls)

	assert.Equal(t, 3, mapper.runnables, "one fresh runnable per DataPath")
	assert.Equal(t, [][]string{{"in1"}, {"in2"}, {"in3"}}, mapper.calls)

	assert.Equal(t, 1, collect.runnables)
	assert.Equal(t, [][]string{{"in1_out", "in2_out", "in3_out"}}, collect.calls)
	assert.Equal(t, []string{"in1_out_x", "in2_out_x", "in3_out_x"}, paths(out))
}

func TestExecute_OutputInputs(t *testing.T) {
	source := &fakeStep{ops: []string{"source"}, accumulating: true, produce: 2}
	mapper := &fakeStep{ops: []string{"map"}, outputs: []OutputMode{OutputTargets, OutputInputs}}
	p := New("test", testRegistry(t, source, mapper))
	require.NoError(t, p.AddStep("read", "source", nil))
	require.NoError(t, p.AddStep("side", "map", map[string]any{"output": "inputs"}))

	out, err := p.Execute(testutil.TestContext(t), newTestSession(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, paths(out))
	assert.Equal(t, 2, mapper.runnables)
}

func TestExecute_ErrorNamesStep(t *testing.T) {
	source := &fakeStep{ops: []string{"source"}, accumulating: true, produce: 1}
	broken := &fakeStep{ops: []string{"map"}, fail: errors.New(errors.ErrorTypeConnection, "backend down")}
	after := &fakeStep{ops: []string{"collect"}, accumulating: true}
	p := New("test", testRegistry(t, source, broken, after))
	require.NoError(t, p.AddStep("read", "source", nil))
	require.NoError(t, p.AddStep("load", "map", nil))
	require.NoError(t, p.AddStep("end", "collect", nil))

	_, err := p.Execute(testutil.TestContext(t), newTestSession(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step load (map) failed")
	assert.Contains(t, err.Error(), "r1@memory")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.Zero(t, after.runnables, "no step runs after a failure")
}

func TestFromManifest(t *testing.T) {
	reg := testRegistry(t, &fakeStep{ops: []string{"source"}, accumulating: true}, &fakeStep{ops: []string{"map"}})

	doc, err := manifest.Parse([]byte(`
kind: pipeline
spec:
  name: nightly
  steps:
    - name: read
      operation: source
      args:
        prefix: in
        count: 2
    - operation: map
`))
	require.NoError(t, err)
	p, err := FromManifest(doc, reg)
	require.NoError(t, err)
	assert.Equal(t, "nightly", p.Name())
	require.Len(t, p.Steps(), 2)
	assert.Equal(t, "read", p.Steps()[0].Name)
	assert.Equal(t, "map-2", p.Steps()[1].Name)

	invalid := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown spec key", "kind: pipeline\nspec:\n  name: a\n  stages: []\n", "stages"},
		{"no steps", "kind: pipeline\nspec:\n  name: a\n", "has no steps"},
		{"unknown step key", "kind: pipeline\nspec:\n  name: a\n  steps:\n    - operation: map\n      arg: {}\n", "valid attributes are: name, operation, args"},
		{"unknown argument", "kind: pipeline\nspec:\n  name: a\n  steps:\n    - operation: map\n      args: {prefixes: a}\n", "prefixes"},
		{"wrong kind", "kind: data-resource\nspec: {}\n", "expected \"pipeline\""},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := manifest.Parse([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = FromManifest(doc, reg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"path": "a/b.csv", "name": "b.csv"}
	assert.Equal(t, "out/a/b.csv@cd", Expand("out/${path}@cd", vars))
	assert.Equal(t, "b.csv-${other}", Expand("${name}-${other}", vars))
	assert.True(t, HasPlaceholder("x/${name}", "path", "name"))
	assert.False(t, HasPlaceholder("x/name", "path", "name"))
}

func TestSelectDataPaths(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	for _, name := range []string{"users", "orders", "user_roles"} {
		dp, err := s.mem.DataPath(name, connection.MediaTypeRelation)
		require.NoError(t, err)
		require.NoError(t, dp.Create(ctx))
	}

	selected, err := SelectDataPaths(ctx, s, "user*@memory", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_roles", "users"}, paths(selected))

	selected, err = SelectDataPaths(ctx, s, "orders", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, paths(selected))

	selected, err = SelectDataPaths(ctx, s, "missing", connection.MediaTypeUnknown)
	require.NoError(t, err)
	assert.Empty(t, selected)

	_, err = SelectDataPaths(ctx, s, "users@nowhere", connection.MediaTypeUnknown)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestWriteResults(t *testing.T) {
	ctx := context.WithValue(context.Background(), logger.StepKey, "load")
	s := newTestSession(t)
	rel := relation.New()
	_, err := rel.AddColumn("source", types.Varchar)
	require.NoError(t, err)
	_, err = rel.AddColumn("rows", types.BigInt)
	require.NoError(t, err)

	dp, err := WriteResults(ctx, s, rel, [][]any{{"a@memory", int64(2)}, {"b@memory", int64(5)}})
	require.NoError(t, err)
	assert.Equal(t, "load_results", dp.LogicalName())
	assert.Contains(t, dp.Path(), "load_results_")

	sel, err := dp.Select(ctx)
	require.NoError(t, err)
	rows, err := stream.Collect(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"a@memory", int64(2)}, {"b@memory", int64(5)}}, rows)
}
