// Package middleware wraps invocation handlers. The same HandlerFunc shape serves both
// sides: the client chain ends in a transport, the sidecar chain ends in the app handler.
package middleware

import (
	"context"

	"sidecar-sdk/message"
)

type HandlerFunc func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
// Chain(A, B, C)(h) runs A.before, B.before, C.before, h, C.after, B.after, A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
