package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the gateway's package-wide tracer. cmd/gateway/main.go may
// install a configured TracerProvider via otel.SetTracerProvider before
// startup; absent that, the global no-op provider is used and these spans
// are cheap no-ops, matching how 99souls-ariadne's OpenTelemetryTracer
// wraps a tracer obtained from otel.Tracer(serviceName).
var tracer = otel.Tracer("gateway")

// StartForwardSpan starts one span per Forwarder attempt against a single
// node, per SPEC_FULL.md §4.1/§4.6: "one span per Forwarder attempt ...
// attributes for node URL/type/attempt number".
func StartForwardSpan(ctx context.Context, nodeURL, nodeType string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "forwarder.forward", trace.WithAttributes(
		attribute.String("node.url", nodeURL),
		attribute.String("node.type", nodeType),
		attribute.Int("attempt", attempt),
	))
}

// StartRetrySpan starts one span per Retry Coordinator call, spanning every
// attempt it makes against the candidate pool.
func StartRetrySpan(ctx context.Context, poolSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "retry.forward", trace.WithAttributes(
		attribute.Int("pool.size", poolSize),
	))
}
