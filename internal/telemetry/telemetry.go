// Package telemetry wraps OpenTelemetry tracing for the platform. Every
// operation runs inside a span that carries the request's correlation
// attributes and is annotated uniformly on failure, defect, and
// interruption.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/metrics"
	"github.com/portalhq/backend/internal/requestctx"
)

// Tracer is the span API handed to services. It owns the kind-inference
// rules and the error annotation contract.
type Tracer struct {
	tracer  trace.Tracer
	metrics *metrics.Registry
}

// New builds a Tracer using the globally configured provider. m may be nil
// when duration histograms are not wanted (tests).
func New(m *metrics.Registry) *Tracer {
	return &Tracer{
		tracer:  otel.Tracer("github.com/portalhq/backend"),
		metrics: m,
	}
}

// SpanOptions tunes a single span.
type SpanOptions struct {
	// Kind overrides the inferred span kind when non-zero.
	Kind trace.SpanKind
	// Metrics controls the duration histogram; nil means enabled.
	Metrics *bool
	// CaptureStackTrace records a stack attribute on typed failures.
	CaptureStackTrace bool
}

// inferKind applies the span-kind defaults: cache.* is a client call,
// auth.* is internal, anything under an active circuit is a client call,
// everything else is internal.
func inferKind(ctx context.Context, name string) trace.SpanKind {
	switch {
	case strings.HasPrefix(name, "cache."):
		return trace.SpanKindClient
	case strings.HasPrefix(name, "auth."):
		return trace.SpanKindInternal
	case requestctx.Current(ctx).Circuit != nil:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

// Span wraps op in a named span. The annotation rules run on every
// non-success exit:
//   - typed failure: error.tag (+ error.message), span status Error
//   - defect (panic): status Error, exception.type/message, re-panicked
//   - interruption: status Unset, interrupted=true, not recorded as error
func (t *Tracer) Span(ctx context.Context, name string, opts SpanOptions, op func(context.Context) error) error {
	kind := opts.Kind
	if kind == trace.SpanKindUnspecified {
		kind = inferKind(ctx, name)
	}

	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind))
	start := time.Now()

	defer func() {
		if t.metrics != nil && (opts.Metrics == nil || *opts.Metrics) {
			t.metrics.OperationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "defect")
			span.SetAttributes(
				attribute.String("exception.type", fmt.Sprintf("%T", r)),
				attribute.String("exception.message", fmt.Sprintf("%v", r)),
			)
			span.End()
			panic(r)
		}
		span.End()
	}()

	err := op(ctx)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled):
		span.SetStatus(codes.Unset, "")
		span.SetAttributes(attribute.Bool("interrupted", true))
	default:
		t.annotateError(span, err, opts.CaptureStackTrace)
	}
	return err
}

func (t *Tracer) annotateError(span trace.Span, err error, withStack bool) {
	span.SetStatus(codes.Error, err.Error())
	if tag := apperr.TagOf(err); tag != "" {
		span.SetAttributes(attribute.String("error.tag", string(tag)))
	}
	span.SetAttributes(attribute.String("error.message", err.Error()))
	if withStack {
		span.SetAttributes(attribute.String("error.stack", string(debug.Stack())))
	}
}

// RouteSpan is the pre-configured span for HTTP handlers: metrics forced
// on, request and tenant correlation attributes attached, error status
// annotated from the boundary tag.
func (t *Tracer) RouteSpan(ctx context.Context, name string, op func(context.Context) error) error {
	enabled := true
	return t.Span(ctx, name, SpanOptions{Kind: trace.SpanKindServer, Metrics: &enabled}, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)
		for k, v := range requestctx.ToAttrs(ctx) {
			span.SetAttributes(attribute.String(k, v))
		}
		return op(ctx)
	})
}

// InSpan runs a value-returning operation inside a span.
func InSpan[T any](t *Tracer, ctx context.Context, name string, opts SpanOptions, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := t.Span(ctx, name, opts, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	return out, err
}
