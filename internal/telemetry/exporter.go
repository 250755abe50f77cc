package telemetry

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Signal names for per-signal endpoint overrides.
const (
	SignalLogs    = "logs"
	SignalMetrics = "metrics"
	SignalTraces  = "traces"
)

// Default collector endpoints by deployment mode. In production the
// collector is the cluster-internal Alloy service.
const (
	devEndpoint  = "http://127.0.0.1:4318"
	prodEndpoint = "http://alloy.observability.svc.cluster.local:4318"
)

// ExporterConfig is the resolved OTLP exporter configuration.
type ExporterConfig struct {
	Mode            string // "dev" or "prod"
	Endpoint        string // base endpoint; empty resolves by Mode
	LogsEndpoint    string
	MetricsEndpoint string
	TracesEndpoint  string
	Headers         string // "k=v,k=v"
	LogsExporter    string // none|otlp|console|otlp,console
	ServiceName     string
}

// ResolveEndpoint returns the endpoint for a signal: the per-signal
// override if set, else the base, else the mode default.
func (c ExporterConfig) ResolveEndpoint(signal string) string {
	switch signal {
	case SignalLogs:
		if c.LogsEndpoint != "" {
			return c.LogsEndpoint
		}
	case SignalMetrics:
		if c.MetricsEndpoint != "" {
			return c.MetricsEndpoint
		}
	case SignalTraces:
		if c.TracesEndpoint != "" {
			return c.TracesEndpoint
		}
	}
	if c.Endpoint != "" {
		return c.Endpoint
	}
	if c.Mode == "prod" {
		return prodEndpoint
	}
	return devEndpoint
}

// ParseHeaders parses "k=v,k=v" into a map, silently skipping malformed
// entries (missing '=', empty key).
func ParseHeaders(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// LogsExporterMode is the decoded logsExporter selection.
type LogsExporterMode struct {
	OTLP    bool
	Console bool
}

// ParseLogsExporter honors only the listed tokens; unknown tokens resolve
// to none.
func ParseLogsExporter(raw string) LogsExporterMode {
	var mode LogsExporterMode
	for _, tok := range strings.Split(raw, ",") {
		switch strings.TrimSpace(tok) {
		case "otlp":
			mode.OTLP = true
		case "console":
			mode.Console = true
		case "none", "":
			// explicit none contributes nothing
		default:
			// unknown token: contributes nothing
		}
	}
	return mode
}

// Setup installs the global tracer provider with an OTLP HTTP exporter
// (plus a console exporter when requested). The returned shutdown function
// flushes pending spans.
func Setup(ctx context.Context, cfg ExporterConfig) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.ResolveEndpoint(SignalTraces)),
		otlptracehttp.WithHeaders(ParseHeaders(cfg.Headers)),
	)
	if err != nil {
		return nil, err
	}
	opts = append(opts, sdktrace.WithBatcher(exporter))

	if ParseLogsExporter(cfg.LogsExporter).Console {
		console, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(console))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	slog.Info("[Telemetry] Tracer provider installed",
		"endpoint", cfg.ResolveEndpoint(SignalTraces), "mode", cfg.Mode)

	return provider.Shutdown, nil
}
