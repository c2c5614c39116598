package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eternahome/conduit/job"
)

// tracerName is the instrumentation scope name for conduit tracing.
const tracerName = "github.com/eternahome/conduit"

// Tracing returns middleware that wraps each execution attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: conduit.job.id, conduit.job.type,
// conduit.tenant_id, conduit.resource_ref, conduit.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "conduit.job.execute",
			trace.WithAttributes(
				attribute.String("conduit.job.id", j.ID.String()),
				attribute.String("conduit.job.type", string(j.Type)),
				attribute.String("conduit.tenant_id", j.TenantID.String()),
				attribute.String("conduit.resource_ref", j.ResourceRef),
				attribute.Int("conduit.attempt", j.AttemptCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
