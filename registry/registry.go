// Package registry lets sidecars announce themselves and clients find them.
//
// Endpoints are grouped: a group is typically a deployment or availability zone, and a
// client balances its invocations over the endpoints of one group.
package registry

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when a group has no registered sidecar.
var ErrNoEndpoints = errors.New("registry: no endpoints available")

// Endpoint is one reachable sidecar.
type Endpoint struct {
	Addr     string `json:"addr"`
	Protocol string `json:"protocol"` // http, grpc or frame
	Weight   int    `json:"weight"`   // relative share for weighted balancing
	Version  string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, group string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, group string, addr string) error
	Discover(ctx context.Context, group string) ([]Endpoint, error)
	// Watch emits the full endpoint list of group after every change until ctx is done.
	Watch(ctx context.Context, group string) <-chan []Endpoint
}
