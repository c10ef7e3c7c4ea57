// Package transport carries invocations from the client to a sidecar address.
//
// Three transports share one contract: HTTP (the sidecar's REST API), gRPC and the
// multiplexed frame protocol. Each one maps its own failure signals onto
// message.InvocationError kinds so callers never look at transport-specific errors.
package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/codec"
	"sidecar-sdk/config"
	"sidecar-sdk/message"
)

// Transport sends invocations to one sidecar address. Implementations are safe for
// concurrent use; Close releases every connection they own.
type Transport interface {
	Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error)
	Close() error
}

// Options tune a transport. Zero values select defaults.
type Options struct {
	Timeout           time.Duration // per call, 0 means config.DefaultTimeout
	APIToken          string
	PoolSize          int             // frame protocol only
	Codec             codec.CodecType // frame protocol only
	HeartbeatInterval time.Duration   // frame protocol only
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = config.DefaultTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = config.DefaultPoolSize
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// OptionsFrom copies the transport settings of a resolved config.
func OptionsFrom(cfg config.ConnectionConfig, logger *zap.Logger) Options {
	return Options{
		Timeout:  cfg.Timeout,
		APIToken: cfg.APIToken,
		PoolSize: cfg.PoolSize,
		Codec:    codec.CodecTypeBinary,
		Logger:   logger,
	}
}

// New creates the transport for protocol p talking to addr (host:port).
func New(p config.Protocol, addr string, opts Options) (Transport, error) {
	switch p {
	case config.ProtocolHTTP:
		return NewHTTPTransport(addr, opts), nil
	case config.ProtocolGRPC:
		return NewGRPCTransport(addr, opts)
	case config.ProtocolFrame:
		return NewPool(addr, opts), nil
	}
	return nil, fmt.Errorf("transport: unknown protocol %q", p)
}
