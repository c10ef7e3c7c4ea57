package config

import (
	"time"

	"go.uber.org/zap"
)

// Option customizes how a Builder reads the environment.
type Option func(*Resolver)

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.Lookup = fn }
}

// WithLogger sets the logger that receives resolution diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.Logger = l }
}

// Builder collects a ConnectionConfig field by field. The environment is read once, in
// NewBuilder; every With* call afterwards overrides it, last write wins.
type Builder struct {
	host      string
	protocol  Protocol
	apiToken  string
	timeout   time.Duration
	poolSize  int
	envPorts  map[Protocol]int
	port      int
	portIsSet bool
}

func NewBuilder(opts ...Option) *Builder {
	var r Resolver
	for _, opt := range opts {
		opt(&r)
	}
	return &Builder{
		host:     r.ResolveHost(),
		protocol: r.ResolveProtocol(),
		apiToken: r.ResolveAPIToken(),
		timeout:  DefaultTimeout,
		poolSize: DefaultPoolSize,
		envPorts: map[Protocol]int{
			ProtocolHTTP:  r.ResolvePort(),
			ProtocolGRPC:  r.ResolveGRPCPort(),
			ProtocolFrame: r.ResolveFramePort(),
		},
	}
}

// WithPort overrides the resolved port. The value is not validated; a bad port shows up as a
// connection error on the first invocation.
func (b *Builder) WithPort(port int) *Builder {
	b.port = port
	b.portIsSet = true
	return b
}

func (b *Builder) WithHost(host string) *Builder {
	b.host = host
	return b
}

// WithProtocol switches transports. Without an explicit port, the port resolved for that
// protocol is used.
func (b *Builder) WithProtocol(p Protocol) *Builder {
	b.protocol = p
	return b
}

func (b *Builder) WithAPIToken(token string) *Builder {
	b.apiToken = token
	return b
}

func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.timeout = d
	return b
}

func (b *Builder) WithPoolSize(n int) *Builder {
	b.poolSize = n
	return b
}

// ApplyFile applies every non-zero field of fc as an explicit override.
func (b *Builder) ApplyFile(fc FileConfig) error {
	if fc.Host != "" {
		b.WithHost(fc.Host)
	}
	if fc.Protocol != "" {
		p, err := ParseProtocol(fc.Protocol)
		if err != nil {
			return err
		}
		b.WithProtocol(p)
	}
	if fc.Port != 0 {
		b.WithPort(fc.Port)
	}
	if fc.APIToken != "" {
		b.WithAPIToken(fc.APIToken)
	}
	if fc.Timeout.Duration != 0 {
		b.WithTimeout(fc.Timeout.Duration)
	}
	if fc.PoolSize != 0 {
		b.WithPoolSize(fc.PoolSize)
	}
	return nil
}

// Config returns the current settings as a value. A protocol WithProtocol was given
// that no transport knows has no resolved port; like a bad WithPort it fails on the
// first invocation.
func (b *Builder) Config() ConnectionConfig {
	port := b.envPorts[b.protocol]
	if b.portIsSet {
		port = b.port
	}
	return ConnectionConfig{
		Host:     b.host,
		Port:     port,
		Protocol: b.protocol,
		APIToken: b.apiToken,
		Timeout:  b.timeout,
		PoolSize: b.poolSize,
	}
}
