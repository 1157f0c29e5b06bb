package flow

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/observability"
)

// Step is one validated step of a pipeline
type Step struct {
	Name      string
	Operation string
	Args      Arguments

	provider StepProvider
}

// Provider returns the provider the operation resolved to
func (s *Step) Provider() StepProvider { return s.provider }

// Pipeline is an ordered list of steps
type Pipeline struct {
	name     string
	registry *Registry
	steps    []*Step
	logger   *zap.Logger
}

// New creates an empty pipeline resolving operations in reg
func New(name string, reg *Registry) *Pipeline {
	return &Pipeline{
		name:     name,
		registry: reg,
		logger:   logger.With(zap.String("component", "pipeline"), zap.String("pipeline", name)),
	}
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

// Steps returns the steps in execution order
func (p *Pipeline) Steps() []*Step {
	return append([]*Step(nil), p.steps...)
}

// AddStep resolves and validates a step. Every check that does not need a
// backend happens here, so an invalid pipeline fails before it runs.
func (p *Pipeline) AddStep(name, operation string, args map[string]any) error {
	if name == "" {
		return errors.New(errors.ErrorTypeValidation, "step name is empty")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return errors.Newf(errors.ErrorTypeValidation, "step name %q contains whitespace", name)
	}
	for _, s := range p.steps {
		if s.Name == name {
			return errors.Newf(errors.ErrorTypeValidation, "step name %s is already used", name)
		}
	}
	provider, err := p.registry.Provider(operation)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "step %s", name)
	}

	copied := make(Arguments, len(args)+1)
	for k, v := range args {
		copied[k] = v
	}
	if err := validateArguments(name, provider, copied); err != nil {
		return err
	}
	if err := provider.Validate(operation, copied); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeValidation, "step %s", name)
	}

	p.steps = append(p.steps, &Step{Name: name, Operation: operation, Args: copied, provider: provider})
	return nil
}

// Execute runs the steps in order and returns the DataPaths produced by the
// last one. A failing step stops the pipeline; its error names the step.
func (p *Pipeline) Execute(ctx context.Context, s Session) ([]*connection.DataPath, error) {
	runID := uuid.NewString()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.PipelineKey, p.name)
	tracer := observability.NewStepTracer(p.name, nil)
	log := p.logger.With(zap.String("run_id", runID))
	log.Info("pipeline started", zap.Int("steps", len(p.steps)))

	var current []*connection.DataPath
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stepCtx := context.WithValue(ctx, logger.StepKey, step.Name)
		timer := metrics.NewTimer()
		var out []*connection.DataPath
		err := tracer.TraceStep(stepCtx, step.Name, step.Operation, len(current), func(ctx context.Context) (int, error) {
			var err error
			out, err = p.run(ctx, s, step, current)
			return len(out), err
		})
		elapsed := timer.Stop()
		metrics.StepDuration.WithLabelValues(step.provider.Operations()[0], metrics.Status(err)).Observe(elapsed.Seconds())
		if err != nil {
			log.Error("step failed", zap.String("step", step.Name), zap.Error(err))
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "step %s (%s) failed", step.Name, step.Operation)
		}
		log.Debug("step completed",
			zap.String("step", step.Name),
			zap.Int("inputs", len(current)),
			zap.Int("outputs", len(out)),
			zap.Duration("duration", elapsed))
		current = out
	}
	log.Info("pipeline completed", zap.Int("outputs", len(current)))
	return current, nil
}

func (p *Pipeline) run(ctx context.Context, s Session, step *Step, inputs []*connection.DataPath) ([]*connection.DataPath, error) {
	provider := step.provider
	var out []*connection.DataPath
	if provider.Accumulating() {
		r, err := provider.NewRunnable(step.Operation, step.Args)
		if err != nil {
			return nil, err
		}
		r.AddInput(inputs...)
		if out, err = r.Run(ctx, s); err != nil {
			return nil, err
		}
	} else {
		for _, dp := range inputs {
			r, err := provider.NewRunnable(step.Operation, step.Args)
			if err != nil {
				return nil, err
			}
			r.AddInput(dp)
			produced, err := r.Run(ctx, s)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeData, "resource %s", dp.ID())
			}
			out = append(out, produced...)
		}
	}
	if step.Args.Output() == OutputInputs {
		return inputs, nil
	}
	return out, nil
}
