package middleware

import (
	"context"
	"errors"
	"time"

	"sidecar-sdk/message"
)

// Timeout bounds each invocation. An expired deadline is reported as a connection error,
// like any other transport timeout.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.InvocationResponse
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				err := ctx.Err()
				if errors.Is(err, context.DeadlineExceeded) {
					return nil, message.Unavailable(req.AppID, req.Method, errors.New("request timed out"))
				}
				return nil, err
			}
		}
	}
}
