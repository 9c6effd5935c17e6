package tracing

import (
	"context"
	"errors"
	"testing"

	"contractai-go/internal/config"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSamplerBounds(t *testing.T) {
	require.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	require.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
	require.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestEndRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, ok := StartSpan(context.Background(), "provider", "tier.ok")
	End(ok, nil)
	_, bad := StartSpan(context.Background(), "provider", "tier.bad")
	End(bad, errors.New("no key"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "contractai-go/provider", spans[0].InstrumentationScope().Name)
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "no key", spans[1].Status().Description)
}
