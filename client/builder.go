package client

import (
	"go.uber.org/zap"
	"sidecar-sdk/config"
	"sidecar-sdk/loadbalance"
	"sidecar-sdk/middleware"
	"sidecar-sdk/registry"
	"sidecar-sdk/tracing"
	"sidecar-sdk/transport"
)

// Builder configures a Client. The environment is read once, when the Builder is created;
// each With* call overrides what was there before, last write wins.
type Builder struct {
	cfg         *config.Builder
	logger      *zap.Logger
	tracer      *tracing.Tracer
	middlewares []middleware.Middleware

	registry registry.Registry
	group    string
	balancer loadbalance.Balancer

	err error // first config file error, reported by Build
}

// NewBuilder resolves the sidecar endpoint from the environment. Pass config.WithLogger to
// see resolution diagnostics.
func NewBuilder(opts ...config.Option) *Builder {
	return &Builder{cfg: config.NewBuilder(opts...)}
}

// WithPort overrides the resolved port. It is not validated.
func (b *Builder) WithPort(port int) *Builder {
	b.cfg.WithPort(port)
	return b
}

func (b *Builder) WithHost(host string) *Builder {
	b.cfg.WithHost(host)
	return b
}

func (b *Builder) WithProtocol(p config.Protocol) *Builder {
	b.cfg.WithProtocol(p)
	return b
}

func (b *Builder) WithAPIToken(token string) *Builder {
	b.cfg.WithAPIToken(token)
	return b
}

// WithConfigFile applies a TOML or YAML file now. Calls made after it override the file.
func (b *Builder) WithConfigFile(path string) *Builder {
	fc, err := config.LoadFile(path)
	if err == nil {
		err = b.cfg.ApplyFile(fc)
	}
	if err != nil && b.err == nil {
		b.err = err
	}
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithTracer sets the tracer for invocation spans and Sequence.
func (b *Builder) WithTracer(t *tracing.Tracer) *Builder {
	b.tracer = t
	return b
}

// Use wraps every invocation in mw. The first middleware added is the outermost.
func (b *Builder) Use(mw ...middleware.Middleware) *Builder {
	b.middlewares = append(b.middlewares, mw...)
	return b
}

// WithRegistry makes the client discover sidecars in group instead of using the
// configured host and port. A nil balancer means round robin.
func (b *Builder) WithRegistry(reg registry.Registry, group string, bal loadbalance.Balancer) *Builder {
	b.registry = reg
	b.group = group
	b.balancer = bal
	return b
}

// Build freezes the configuration into a Client. The Builder may be reused; clients built
// from it do not share state.
func (b *Builder) Build() (*Client, error) {
	if b.err != nil {
		return nil, b.err
	}
	c := &Client{
		cfg:        b.cfg.Config(),
		logger:     b.logger,
		tracer:     b.tracer,
		registry:   b.registry,
		group:      b.group,
		balancer:   b.balancer,
		transports: make(map[string]transport.Transport),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.tracer == nil {
		c.tracer = tracing.NewTracer("sidecar-sdk")
	}
	if c.registry != nil && c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}

	mws := append(append([]middleware.Middleware(nil), b.middlewares...), middleware.Tracing(c.tracer))
	c.handler = middleware.Chain(mws...)(c.send)

	c.logger.Debug("client built",
		zap.String("protocol", string(c.cfg.Protocol)),
		zap.String("addr", c.cfg.Address()),
		zap.Bool("discovery", c.registry != nil),
	)
	return c, nil
}
