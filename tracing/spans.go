package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span named name using cfg's tracer, for use directly in
// the cache engine rather than inside a gRPC interceptor. If cfg is nil the
// global tracer provider is used, which defaults to a no-op implementation
// until the caller installs one.
func StartSpan(ctx context.Context, cfg *TracingConfig, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	var tracer trace.Tracer
	if cfg == nil {
		tracer = otel.GetTracerProvider().Tracer("github.com/Keksclan/meshcache/tracing")
	} else {
		tracer = cfg.tracer()
	}
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records err on span (if non-nil) and sets the span status
// accordingly, then ends it. Call as `defer tracing.EndSpan(span, &err)` at
// the top of a function using a named error return.
func EndSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
