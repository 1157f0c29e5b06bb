// Package observability provides OpenTelemetry tracing for Tabulify pipelines
package observability

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by the engine
const InstrumentationName = "github.com/tabulify/tabulify"

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
	Writer         io.Writer // destination of the stdout exporter
	BatchTimeout   time.Duration
}

// InitTracing installs a global tracer provider exporting to the configured
// writer. The returned function flushes and shuts the provider down.
func InitTracing(config TracingConfig) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if config.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(config.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider. Without
// InitTracing the provider is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StepTracer traces the execution of pipeline steps
type StepTracer struct {
	pipeline string
	tracer   trace.Tracer
}

// NewStepTracer creates a tracer for one pipeline. A nil tracer uses the global one.
func NewStepTracer(pipeline string, tracer trace.Tracer) *StepTracer {
	if tracer == nil {
		tracer = Tracer()
	}
	return &StepTracer{pipeline: pipeline, tracer: tracer}
}

// TraceStep runs fn inside a span named after the step
func (st *StepTracer) TraceStep(ctx context.Context, step, operation string, inputs int, fn func(context.Context) (int, error)) error {
	ctx, span := st.tracer.Start(ctx, fmt.Sprintf("%s.%s", st.pipeline, step),
		trace.WithAttributes(
			attribute.String("pipeline.name", st.pipeline),
			attribute.String("step.name", step),
			attribute.String("step.operation", operation),
			attribute.Int("step.inputs", inputs),
		))
	defer span.End()

	outputs, err := fn(ctx)
	span.SetAttributes(attribute.Int("step.outputs", outputs))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
