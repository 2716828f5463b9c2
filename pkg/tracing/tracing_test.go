package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "callengine", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

// recordSpans installs an in-memory exporter for the duration of the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestTraceSFURequest(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := TraceSFURequest(context.Background(), "produce", TransportIDKey.String("t-1"))
	RecordError(ctx, errors.New("sfu down"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sfu.produce", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("sfu.transport_id", "t-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("sfu.operation", "produce"))
}

func TestTraceSignalMessage(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := TraceSignalMessage(context.Background(), "hangup", "call-1")
	AddSpanAttributes(ctx, ParticipantIDKey.String("alice"))
	MeasureDuration(ctx, time.Now(), "dispatch")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.hangup", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("call.id", "call-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("participant.id", "alice"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("operation", "dispatch"))
}

func TestTraceGroupOperation(t *testing.T) {
	rec := recordSpans(t)

	_, span := TraceGroupOperation(context.Background(), "initialize", "room-1")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "group.initialize", rec.Ended()[0].Name())
}

func TestHelpersWithoutProvider(t *testing.T) {
	ctx, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/calls")
	defer span.End()

	// non-recording spans ignore attributes and errors
	AddSpanAttributes(ctx, attribute.Int("n", 1))
	RecordError(ctx, errors.New("ignored"))
	assert.False(t, span.IsRecording())
}
