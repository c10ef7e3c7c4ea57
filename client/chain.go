package client

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"sidecar-sdk/message"
	"sidecar-sdk/tracing"
)

// Step builds the next request of a chain from the previous response.
type Step func(prev *message.InvocationResponse) (*message.InvocationRequest, error)

// Then is the common Step: call appID/method with no body, carrying the previous
// response's propagation context.
func Then(appID, method string) Step {
	return func(prev *message.InvocationResponse) (*message.InvocationRequest, error) {
		return prev.Next(appID, method).Build()
	}
}

// InvokeChain invokes first, then every step in order, each built from the response
// before it. The first failure ends the chain; later steps are never built or sent.
// It returns the last response.
func (c *Client) InvokeChain(ctx context.Context, first *message.InvocationRequest, steps ...Step) (*message.InvocationResponse, error) {
	resp, err := c.Invoke(ctx, first)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		req, err := step(resp)
		if err != nil {
			return nil, err
		}
		if resp, err = c.Invoke(ctx, req); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Sequence runs fn inside a span called name. Invocations fn makes with the ctx it is
// given become children of that span. The span ends when Sequence returns, whether fn
// fails, succeeds or panics.
func (c *Client) Sequence(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, name, trace.SpanKindClient)
	defer span.End()

	err := fn(ctx)
	tracing.Fail(span, err)
	return err
}
