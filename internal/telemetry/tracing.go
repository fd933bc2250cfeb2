package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

const tracerName = "github.com/NaveedAhmed286/amazon-scraper"

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartJobSpan opens the span covering one processing attempt of item.
func StartJobSpan(ctx context.Context, item scraper.QueueItem) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scraper.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", item.JobID),
			attribute.String("job.kind", string(item.Kind)),
			attribute.String("job.namespace", item.Namespace),
			attribute.Int("job.attempt", item.Attempt),
		),
	)
}

// EndSpan records err (if any) and ends span.
func EndSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
