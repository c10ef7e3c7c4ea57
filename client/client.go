// Package client invokes methods on remote applications through the local sidecar.
//
//	c, err := client.NewBuilder().Build()
//	resp, err := c.Invoke(ctx, req)
//	next, _ := resp.Next("tracingdemo", "sleep").Build()
//	_, err = c.Invoke(ctx, next)
//
// Configuration problems never fail Build; they fall back to defaults. Invocation problems
// always fail the call, as a message.InvocationError of kind connection, not found or
// remote. Nothing is retried unless middleware.Retry is installed with Use.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"sidecar-sdk/config"
	"sidecar-sdk/loadbalance"
	"sidecar-sdk/message"
	"sidecar-sdk/middleware"
	"sidecar-sdk/registry"
	"sidecar-sdk/tracing"
	"sidecar-sdk/transport"
)

// ErrClientClosed is returned by every call made after Close.
var ErrClientClosed = errors.New("sidecar client closed")

// Client is safe for concurrent use. Independent invocation sequences may share one Client.
type Client struct {
	cfg     config.ConnectionConfig
	logger  *zap.Logger
	tracer  *tracing.Tracer
	handler middleware.HandlerFunc

	registry registry.Registry
	group    string
	balancer loadbalance.Balancer

	mu         sync.Mutex
	transports map[string]transport.Transport // "protocol://addr" → transport
	closed     bool
}

// Config returns the settings the client was built with.
func (c *Client) Config() config.ConnectionConfig {
	return c.cfg
}

// Invoke calls req.Method on req.AppID and waits for the answer or ctx.
func (c *Client) Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return c.handler(ctx, req)
}

// InvokeInto invokes req and decodes the payload into out. A nil out discards the payload,
// for methods that return nothing. *[]byte and *string receive the raw payload; anything
// else is decoded as JSON.
func (c *Client) InvokeInto(ctx context.Context, req *message.InvocationRequest, out any) (*message.InvocationResponse, error) {
	resp, err := c.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case nil:
	case *[]byte:
		*v = resp.Payload
	case *string:
		*v = string(resp.Payload)
	default:
		if len(resp.Payload) == 0 {
			break
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return resp, fmt.Errorf("decode %s/%s response: %w", req.AppID, req.Method, err)
		}
	}
	return resp, nil
}

// send is the innermost handler: pick an endpoint, then hand req to its transport.
func (c *Client) send(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	proto, addr, err := c.endpoint(ctx, req.AppID)
	if err != nil {
		return nil, message.Unavailable(req.AppID, req.Method, err)
	}
	t, err := c.transport(proto, addr)
	if err != nil {
		if errors.Is(err, ErrClientClosed) {
			return nil, err
		}
		return nil, message.Unavailable(req.AppID, req.Method, err)
	}
	return t.Invoke(ctx, req)
}

func (c *Client) endpoint(ctx context.Context, appID string) (config.Protocol, string, error) {
	if c.registry == nil {
		return c.cfg.Protocol, c.cfg.Address(), nil
	}
	endpoints, err := c.registry.Discover(ctx, c.group)
	if err != nil {
		return "", "", fmt.Errorf("discover %s: %w", c.group, err)
	}
	ep, err := c.balancer.Pick(appID, endpoints)
	if err != nil {
		return "", "", err
	}
	proto := c.cfg.Protocol
	if ep.Protocol != "" {
		if proto, err = config.ParseProtocol(ep.Protocol); err != nil {
			return "", "", err
		}
	}
	return proto, ep.Addr, nil
}

// transport returns the cached transport for addr, creating it on first use.
func (c *Client) transport(proto config.Protocol, addr string) (transport.Transport, error) {
	key := string(proto) + "://" + addr

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if t, ok := c.transports[key]; ok {
		return t, nil
	}
	t, err := transport.New(proto, addr, transport.OptionsFrom(c.cfg, c.logger))
	if err != nil {
		return nil, err
	}
	c.transports[key] = t
	c.logger.Debug("transport created", zap.String("endpoint", key))
	return t, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases every transport. Calling it again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for key, t := range c.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(c.transports, key)
	}
	return errors.Join(errs...)
}
