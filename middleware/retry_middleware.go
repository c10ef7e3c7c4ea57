package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/message"
)

// Retry re-sends an invocation that failed with a connection error, waiting
// baseDelay * 2^attempt between tries. Not-found and remote errors are returned at once.
// Clients never retry unless this middleware is installed.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !errors.Is(err, message.ErrSidecarUnavailable) {
					return resp, err
				}
				logger.Info("retrying invocation",
					zap.Int("attempt", i+1),
					zap.String("app_id", req.AppID),
					zap.String("method", req.Method),
					zap.Error(err),
				)

				t := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, err
				case <-t.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
