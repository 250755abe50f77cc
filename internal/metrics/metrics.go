// Package metrics holds the Prometheus instrumentation for the platform:
// request/operation counters and histograms, the label sanitizer, and the
// URL cardinality guard for route-keyed metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/portalhq/backend/internal/apperr"
)

// MaxLabelLen is the hard cap on sanitized label values.
const MaxLabelLen = 123

// ============================================================================
// LABEL SANITIZATION
// ============================================================================

// Labels normalizes a label dictionary: nil values are dropped, everything
// else is stringified, truncated to MaxLabelLen, and stripped of ASCII
// control characters. Labels is idempotent.
func Labels(kv map[string]any) map[string]string {
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		if v == nil {
			continue
		}
		out[k] = sanitizeValue(fmt.Sprintf("%v", v))
	}
	return out
}

func sanitizeValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if r <= 0x1F || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > MaxLabelLen {
		s = s[:MaxLabelLen]
		// Back off any rune split by the byte cap.
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}

// ErrorTag extracts a low-cardinality tag from an error-ish value: the _tag
// of a tagged error, the concrete type name of a plain error, or "Unknown".
func ErrorTag(v any) string {
	switch e := v.(type) {
	case nil:
		return "Unknown"
	case error:
		if tag := apperr.TagOf(e); tag != "" {
			return string(tag)
		}
		return fmt.Sprintf("%T", e)
	default:
		return "Unknown"
	}
}

// ============================================================================
// URL CARDINALITY GUARD
// ============================================================================

var (
	uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numRe  = regexp.MustCompile(`^[0-9]+$`)
	hexRe  = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizePath replaces identifier-shaped path segments with placeholders
// so URL-keyed metrics stay bounded. This is the sole cardinality guard for
// request metrics.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case uuidRe.MatchString(seg):
			segments[i] = ":id"
		case numRe.MatchString(seg):
			segments[i] = ":num"
		case hexRe.MatchString(seg):
			segments[i] = ":hash"
		case isOpaqueToken(seg):
			segments[i] = ":token"
		}
	}
	return strings.Join(segments, "/")
}

func isOpaqueToken(seg string) bool {
	if len(seg) < 12 {
		return false
	}
	hasDigit := false
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return hasDigit
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry holds every metric vector the platform emits.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	JobsTotal   *prometheus.CounterVec
	StreamItems *prometheus.CounterVec

	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec

	WSConnections *prometheus.GaugeVec
	WSMessages    *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	ProbeValue *prometheus.GaugeVec

	Events *prometheus.CounterVec
	Values *prometheus.GaugeVec
}

// New creates and registers all metric vectors against reg. Tests pass a
// fresh prometheus.NewRegistry to avoid cross-test registration collisions.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_http_requests_total",
				Help: "Total HTTP requests by method, normalized path, and status",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_http_request_duration_seconds",
				Help:    "HTTP request latency by method and normalized path",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_operation_duration_seconds",
				Help:    "Duration of tracked operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_errors_total",
				Help: "Errors by operation and error tag",
			},
			[]string{"operation", "tag"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_jobs_total",
				Help: "Job operations by type, operation, priority, and outcome",
			},
			[]string{"job_type", "operation", "priority", "outcome"},
		),
		StreamItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_stream_items_total",
				Help: "Items emitted by tracked streams",
			},
			[]string{"stream"},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit breaker state (0=Closed, 1=HalfOpen, 2=Open)",
			},
			[]string{"name"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		WSConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_ws_connections",
				Help: "Open WebSocket connections per tenant",
			},
			[]string{"tenant"},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_ws_messages_total",
				Help: "WebSocket messages by direction and tag",
			},
			[]string{"direction", "tag"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_hits_total",
				Help: "Cache hits by store",
			},
			[]string{"store"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_misses_total",
				Help: "Cache misses by store",
			},
			[]string{"store"},
		),
		ProbeValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_probe_value",
				Help: "Last observed value per health probe",
			},
			[]string{"probe"},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_events_total",
				Help: "Ad-hoc event counters emitted by services",
			},
			[]string{"name"},
		),
		Values: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_gauge",
				Help: "Ad-hoc gauges emitted by services",
			},
			[]string{"name"},
		),
	}
}

// ============================================================================
// TRACKING PIPELINES
// ============================================================================

// TrackEffect times op under the given operation name and records its error
// tag on failure. The value and the typed failure pass through unchanged.
func TrackEffect[T any](m *Registry, ctx context.Context, operation string, op func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := op(ctx)
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues(operation, ErrorTag(err)).Inc()
	}
	return v, err
}

// JobOp enumerates the tracked job operations.
type JobOp string

const (
	JobSubmit  JobOp = "submit"
	JobCancel  JobOp = "cancel"
	JobProcess JobOp = "process"
	JobReplay  JobOp = "replay"
)

// TrackJob wraps a job operation, recording outcome and duration.
func TrackJob[T any](m *Registry, ctx context.Context, jobType string, operation JobOp, priority string, op func(context.Context) (T, error)) (T, error) {
	if priority == "" {
		priority = "normal"
	}
	start := time.Now()
	v, err := op(ctx)
	m.OperationDuration.WithLabelValues("job." + string(operation)).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.ErrorsTotal.WithLabelValues("job."+string(operation), ErrorTag(err)).Inc()
	}
	m.JobsTotal.WithLabelValues(jobType, string(operation), priority, outcome).Inc()
	return v, err
}

// TrackStream passes through every item of in, incrementing the stream
// counter per emitted item. The returned channel closes when in closes.
func TrackStream[T any](m *Registry, stream string, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for item := range in {
			m.StreamItems.WithLabelValues(stream).Inc()
			out <- item
		}
	}()
	return out
}

// TrackError records a single error occurrence against an operation.
func (m *Registry) TrackError(operation string, err error) {
	m.ErrorsTotal.WithLabelValues(operation, ErrorTag(err)).Inc()
}

// Inc bumps an ad-hoc named counter.
func (m *Registry) Inc(name string) {
	m.Events.WithLabelValues(name).Inc()
}

// Gauge sets an ad-hoc named gauge.
func (m *Registry) Gauge(name string, value float64) {
	m.Values.WithLabelValues(name).Set(value)
}

// ============================================================================
// ROUTE MIDDLEWARE
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments every request with normalized-path metrics.
func (m *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := NormalizePath(r.URL.Path)
		m.RequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
