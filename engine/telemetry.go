package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/wippyai/fabric/engine"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	loadCounter, _ = meter.Int64Counter("fabric.engine.loads",
		metric.WithDescription("Number of module loads"))
	loadDuration, _ = meter.Float64Histogram("fabric.engine.load.duration",
		metric.WithDescription("Duration of module loads"),
		metric.WithUnit("s"))
)

// startPhase opens a span for one load phase.
func startPhase(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "fabric.engine."+phase, trace.WithAttributes(attrs...))
}

// recordStatus marks span as failed when err is set.
func recordStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// endPhase records err on span and ends it.
func endPhase(span trace.Span, err error) {
	recordStatus(span, err)
	span.End()
}

func recordLoad(ctx context.Context, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opt := metric.WithAttributes(attribute.String("outcome", outcome))
	loadCounter.Add(ctx, 1, opt)
	loadDuration.Record(ctx, time.Since(start).Seconds(), opt)
}
