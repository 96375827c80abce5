package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const transportTracerName = "relay-runtime-gateway"

func transportTracer() trace.Tracer {
	return Tracer(transportTracerName)
}

// TraceGatewayRequest starts a span for an HTTP call to the runtime gateway.
// Caller must call span.End() when the response is received.
func TraceGatewayRequest(ctx context.Context, method, path, conversationID string) (context.Context, trace.Span) {
	ctx, span := transportTracer().Start(ctx, "gateway."+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("conversation_id", conversationID),
	)
	return ctx, span
}

// TraceGatewayResponse records response attributes on the span.
func TraceGatewayResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
