package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/requestctx"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return New(nil), recorder
}

func attrsOf(span sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, kv := range span.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestSpan_Success(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	err := tr.Span(context.Background(), "cache.get", SpanOptions{}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind(), "cache.* defaults to client")
}

func TestSpan_KindDefaults(t *testing.T) {
	tr, rec := newRecordingTracer(t)
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, tr.Span(context.Background(), "auth.verify", SpanOptions{}, noop))
	require.NoError(t, tr.Span(context.Background(), "billing.charge", SpanOptions{}, noop))

	circuitCtx := requestctx.WithCircuit(context.Background(), "db", "CLOSED")
	require.NoError(t, tr.Span(circuitCtx, "billing.charge", SpanOptions{}, noop))

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, trace.SpanKindInternal, spans[0].SpanKind())
	assert.Equal(t, trace.SpanKindInternal, spans[1].SpanKind())
	assert.Equal(t, trace.SpanKindClient, spans[2].SpanKind(), "active circuit forces client kind")
}

func TestSpan_TypedFailure(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	boom := apperr.Conflict("doc", "version")
	err := tr.Span(context.Background(), "docs.save", SpanOptions{}, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := attrsOf(spans[0])
	assert.Equal(t, "Conflict", attrs["error.tag"])
	assert.Equal(t, boom.Message, attrs["error.message"])
}

func TestSpan_Interruption(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	err := tr.Span(context.Background(), "docs.load", SpanOptions{}, func(ctx context.Context) error {
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code, "interruption is not an error")
	assert.Equal(t, "true", attrsOf(spans[0])["interrupted"])
}

func TestSpan_DefectNeverSwallowed(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	assert.Panics(t, func() {
		_ = tr.Span(context.Background(), "docs.save", SpanOptions{}, func(ctx context.Context) error {
			panic("boom")
		})
	})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := attrsOf(spans[0])
	assert.Equal(t, "string", attrs["exception.type"])
	assert.Equal(t, "boom", attrs["exception.message"])
}

func TestRouteSpan_CorrelationAttributes(t *testing.T) {
	tr, rec := newRecordingTracer(t)

	rc := requestctx.System("req-42", requestctx.TenantID("00000000-0000-7000-8000-000000000555"))
	rc.Session = &requestctx.Session{ID: "sess-1", UserID: "u-1", MFAEnabled: true}
	ctx := requestctx.With(context.Background(), rc)

	err := tr.RouteSpan(ctx, "GET /apps", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())

	attrs := attrsOf(spans[0])
	assert.Equal(t, "req-42", attrs["request.id"])
	assert.Equal(t, "00000000-0000-7000-8000-000000000555", attrs["tenant.id"])
	assert.Equal(t, "true", attrs["session.mfa"])
	assert.NotContains(t, attrs, "session.id")
	assert.NotContains(t, attrs, "user.id")
}

// ============================================================================
// EXPORTER CONFIG
// ============================================================================

func TestResolveEndpoint(t *testing.T) {
	cfg := ExporterConfig{Mode: "dev"}
	assert.Equal(t, "http://127.0.0.1:4318", cfg.ResolveEndpoint(SignalTraces))

	cfg.Mode = "prod"
	assert.Equal(t, "http://alloy.observability.svc.cluster.local:4318", cfg.ResolveEndpoint(SignalTraces))

	cfg.Endpoint = "http://collector:4318"
	assert.Equal(t, "http://collector:4318", cfg.ResolveEndpoint(SignalLogs))

	cfg.LogsEndpoint = "http://logs:4318"
	assert.Equal(t, "http://logs:4318", cfg.ResolveEndpoint(SignalLogs))
	assert.Equal(t, "http://collector:4318", cfg.ResolveEndpoint(SignalMetrics))
}

func TestParseHeaders(t *testing.T) {
	out := ParseHeaders("a=1, b=2,malformed,=nokey, c=x=y")
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "x=y"}, out)

	assert.Empty(t, ParseHeaders(""))
}

func TestParseLogsExporter(t *testing.T) {
	assert.Equal(t, LogsExporterMode{}, ParseLogsExporter("none"))
	assert.Equal(t, LogsExporterMode{OTLP: true}, ParseLogsExporter("otlp"))
	assert.Equal(t, LogsExporterMode{Console: true}, ParseLogsExporter("console"))
	assert.Equal(t, LogsExporterMode{OTLP: true, Console: true}, ParseLogsExporter("otlp,console"))
	assert.Equal(t, LogsExporterMode{}, ParseLogsExporter("syslog"), "unknown tokens resolve to none")
	assert.Equal(t, LogsExporterMode{OTLP: true}, ParseLogsExporter("otlp,bogus"))
}
