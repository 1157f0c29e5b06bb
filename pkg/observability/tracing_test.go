package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStepTracer_TraceStep(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewStepTracer("nightly", tp.Tracer("test"))

	err := tracer.TraceStep(context.Background(), "load", "transfer", 3, func(ctx context.Context) (int, error) {
		return 3, nil
	})
	require.NoError(t, err)

	failure := errors.New("boom")
	err = tracer.TraceStep(context.Background(), "print", "print", 1, func(ctx context.Context) (int, error) {
		return 0, failure
	})
	assert.ErrorIs(t, err, failure)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "nightly.load", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "nightly.print", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
