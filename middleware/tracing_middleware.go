package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"sidecar-sdk/message"
	"sidecar-sdk/tracing"
)

// Tracing opens a client span per invocation, nested under the span in ctx.
//
// A request that already carries a propagation context keeps it untouched, so a chained
// call forwards exactly the context of the response it was built from. A request without
// one gets the new span's traceparent.
func Tracing(tracer *tracing.Tracer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			ctx, span := tracer.Start(ctx, "invoke "+req.AppID+"/"+req.Method, trace.SpanKindClient,
				attribute.String("app_id", req.AppID),
				attribute.String("method", req.Method),
			)
			defer span.End()

			if req.Context.IsEmpty() {
				req = req.Clone()
				ctxMap := req.Context
				if ctxMap == nil {
					ctxMap = make(message.PropagationContext, 1)
				}
				for k, v := range tracing.Inject(ctx) {
					ctxMap[k] = v
				}
				req.Context = ctxMap
			} else {
				span.SetAttributes(attribute.String("traceparent", req.Context.Traceparent()))
			}

			resp, err := next(ctx, req)
			tracing.Fail(span, err)
			return resp, err
		}
	}
}
