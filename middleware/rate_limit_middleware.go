package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
	"sidecar-sdk/message"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimit rejects invocations beyond r per second with the given burst (token bucket).
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
