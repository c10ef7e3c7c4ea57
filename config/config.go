// Package config resolves where the sidecar listens.
//
// Resolution never fails: every value comes from, in increasing precedence, the built-in
// default, the process environment, a config file and explicit builder calls. A malformed
// environment value is logged and replaced by the default.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment variables read by the Resolver.
const (
	EnvHTTPPort  = "APP_SIDECAR_HTTP_PORT"
	EnvGRPCPort  = "APP_SIDECAR_GRPC_PORT"
	EnvFramePort = "APP_SIDECAR_FRAME_PORT"
	EnvHost      = "APP_SIDECAR_HOST"
	EnvProtocol  = "APP_SIDECAR_PROTOCOL"
	EnvAPIToken  = "APP_SIDECAR_API_TOKEN"
)

// Defaults used when nothing else is configured.
const (
	DefaultHTTPPort  = 3500
	DefaultGRPCPort  = 50001
	DefaultFramePort = 50002
	DefaultHost      = "127.0.0.1"
	DefaultProtocol  = ProtocolHTTP
	DefaultTimeout   = 60 * time.Second
	DefaultPoolSize  = 4
)

// Protocol selects the transport used to reach the sidecar.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolGRPC  Protocol = "grpc"
	ProtocolFrame Protocol = "frame"
)

// ParseProtocol is case-insensitive and ignores surrounding space.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolHTTP, ProtocolGRPC, ProtocolFrame:
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// ConnectionConfig is the resolved sidecar endpoint. It is a value: once a client has been
// built from it, later builder changes do not reach that client.
type ConnectionConfig struct {
	Host     string
	Port     int
	Protocol Protocol
	APIToken string
	Timeout  time.Duration
	PoolSize int // multiplexed connections per address, frame protocol only
}

// Address returns host:port.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(name string) (string, bool)

// Resolver reads sidecar settings from the environment with a fail-soft policy.
type Resolver struct {
	Lookup LookupFunc  // nil means os.LookupEnv
	Logger *zap.Logger // receives parse diagnostics; nil discards them
}

func (r Resolver) lookup(name string) (string, bool) {
	if r.Lookup == nil {
		return os.LookupEnv(name)
	}
	return r.Lookup(name)
}

func (r Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// ResolvePort returns the HTTP port from APP_SIDECAR_HTTP_PORT, or DefaultHTTPPort when the
// variable is absent or is not a positive base-10 integer.
func (r Resolver) ResolvePort() int {
	return r.resolvePort(EnvHTTPPort, DefaultHTTPPort)
}

// ResolveGRPCPort is ResolvePort for APP_SIDECAR_GRPC_PORT.
func (r Resolver) ResolveGRPCPort() int {
	return r.resolvePort(EnvGRPCPort, DefaultGRPCPort)
}

// ResolveFramePort is ResolvePort for APP_SIDECAR_FRAME_PORT.
func (r Resolver) ResolveFramePort() int {
	return r.resolvePort(EnvFramePort, DefaultFramePort)
}

func (r Resolver) resolvePort(name string, def int) int {
	raw, ok := r.lookup(name)
	if !ok {
		return def
	}
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && port <= 0 {
		err = fmt.Errorf("port must be positive")
	}
	if err != nil {
		r.logger().Warn("ignoring invalid sidecar port, using default",
			zap.String("env", name),
			zap.String("value", raw),
			zap.Int("default", def),
			zap.Error(err),
		)
		return def
	}
	return port
}

// ResolveHost returns APP_SIDECAR_HOST, or DefaultHost when unset or blank.
func (r Resolver) ResolveHost() string {
	if raw, ok := r.lookup(EnvHost); ok {
		if h := strings.TrimSpace(raw); h != "" {
			return h
		}
	}
	return DefaultHost
}

// ResolveProtocol returns APP_SIDECAR_PROTOCOL, or DefaultProtocol when unset or unknown.
func (r Resolver) ResolveProtocol() Protocol {
	raw, ok := r.lookup(EnvProtocol)
	if !ok {
		return DefaultProtocol
	}
	p, err := ParseProtocol(raw)
	if err != nil {
		r.logger().Warn("ignoring invalid sidecar protocol, using default",
			zap.String("env", EnvProtocol),
			zap.String("value", raw),
			zap.String("default", string(DefaultProtocol)),
		)
		return DefaultProtocol
	}
	return p
}

// ResolveAPIToken returns APP_SIDECAR_API_TOKEN, or "".
func (r Resolver) ResolveAPIToken() string {
	raw, _ := r.lookup(EnvAPIToken)
	return strings.TrimSpace(raw)
}
