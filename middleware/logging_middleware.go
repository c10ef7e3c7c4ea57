package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/message"
)

// Logging logs every invocation with its duration; failures are logged at warn with
// the error kind.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("app_id", req.AppID),
				zap.String("method", req.Method),
				zap.Stringer("verb", req.Verb),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				fields = append(fields, zap.Stringer("kind", message.KindOf(err)), zap.Error(err))
				logger.Warn("invocation failed", fields...)
				return nil, err
			}
			logger.Debug("invocation", append(fields, zap.Int("response_bytes", len(resp.Payload)))...)
			return resp, nil
		}
	}
}
