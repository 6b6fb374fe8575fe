// Package telemetry records OpenTelemetry metrics and spans for flow runs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/kalambet/medidash"

// Recorder observes flow runs. Use New for OpenTelemetry or Noop when
// telemetry is disabled.
type Recorder interface {
	// Start opens a span for one flow run.
	Start(ctx context.Context, flow string) (context.Context, trace.Span)

	// Retry records a failed attempt that will be retried.
	Retry(ctx context.Context, flow string, attempt int, err error)

	// Finish records the run outcome and ends the span.
	Finish(ctx context.Context, span trace.Span, flow string, attempts int, elapsed time.Duration, outcome string, err error)
}

type otelRecorder struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	latency  metric.Float64Histogram
}

// New builds a Recorder from explicit providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (Recorder, error) {
	meter := mp.Meter(scope)

	runs, err := meter.Int64Counter("medidash.flow.runs",
		metric.WithDescription("Number of flow runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter("medidash.flow.attempts",
		metric.WithDescription("Number of upstream attempts made by flows"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("medidash.flow.retries",
		metric.WithDescription("Number of transient failures that were retried"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("medidash.flow.latency_ms",
		metric.WithDescription("Flow run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		tracer:   tp.Tracer(scope),
		runs:     runs,
		attempts: attempts,
		retries:  retries,
		latency:  latency,
	}, nil
}

func (r *otelRecorder) Start(ctx context.Context, flow string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "medidash.flow."+flow,
		trace.WithAttributes(attribute.String("flow.name", flow)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (r *otelRecorder) Retry(ctx context.Context, flow string, attempt int, err error) {
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", flow)))
	trace.SpanFromContext(ctx).AddEvent("retry", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("error", err.Error()),
	))
}

func (r *otelRecorder) Finish(ctx context.Context, span trace.Span, flow string, attempts int, elapsed time.Duration, outcome string, err error) {
	flowAttr := attribute.String("flow", flow)
	r.runs.Add(ctx, 1, metric.WithAttributes(flowAttr, attribute.String("outcome", outcome)))
	if attempts > 0 {
		r.attempts.Add(ctx, int64(attempts), metric.WithAttributes(flowAttr))
	}
	r.latency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(flowAttr))

	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("flow.attempts", attempts), attribute.String("flow.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Noop discards everything.
type Noop struct{}

func (Noop) Start(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (Noop) Retry(context.Context, string, int, error) {}

func (Noop) Finish(context.Context, trace.Span, string, int, time.Duration, string, error) {}
