// Package tracing brackets invocation sequences with OpenTelemetry spans and carries
// their identity in W3C traceparent form through message.PropagationContext.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"sidecar-sdk/message"
)

var propagator = propagation.TraceContext{}

// Tracer owns a TracerProvider that samples every span. Span processors and exporters
// are passed as provider options, e.g. sdktrace.WithSyncer(LogExporter{...}).
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer returns a tracer named name. With no options spans are still created and
// propagated but go nowhere.
func NewTracer(name string, opts ...sdktrace.TracerProviderOption) *Tracer {
	opts = append([]sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}, opts...)
	tp := sdktrace.NewTracerProvider(opts...)
	return &Tracer{provider: tp, tracer: tp.Tracer(name)}
}

// Start begins a span nested under the span in ctx, or a new trace when there is none.
// The returned context carries the new span.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartRemote begins a span whose parent arrived in pc. A missing or malformed
// traceparent starts a new trace.
func (t *Tracer) StartRemote(ctx context.Context, name string, kind trace.SpanKind, pc message.PropagationContext, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(Extract(ctx, pc), name, kind, attrs...)
}

// Shutdown flushes and stops every span processor.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// Inject returns the propagation context of the span in ctx, or nil when ctx has none.
func Inject(ctx context.Context) message.PropagationContext {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return message.PropagationContext(carrier)
}

// Extract returns ctx with the remote span context carried by pc.
func Extract(ctx context.Context, pc message.PropagationContext) context.Context {
	if pc.IsEmpty() {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(pc))
}

// SpanContextFrom parses the span context carried by pc. The result is invalid when pc
// has no well-formed traceparent.
func SpanContextFrom(pc message.PropagationContext) trace.SpanContext {
	return trace.SpanContextFromContext(Extract(context.Background(), pc))
}

// Traceparent renders sc the way it travels on the wire.
func Traceparent(sc trace.SpanContext) string {
	return Inject(trace.ContextWithSpanContext(context.Background(), sc)).Traceparent()
}

// Fail marks span failed with err. nil errors are ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
