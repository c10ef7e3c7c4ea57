package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"sidecar-sdk/message"
)

// Recovery turns a panicking handler into a remote error.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (resp *message.InvocationResponse, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						zap.String("app_id", req.AppID),
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()),
					)
					resp = nil
					err = &message.InvocationError{
						Kind:    message.KindRemote,
						AppID:   req.AppID,
						Method:  req.Method,
						Message: fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
