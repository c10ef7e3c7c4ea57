package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/message"
)

var errPoolClosed = errors.New("connection pool closed")

// Pool spreads frame invocations over up to PoolSize multiplexed connections to one
// address. Slots are dialed lazily and redialed when their connection breaks.
type Pool struct {
	addr   string
	opts   Options
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	slots  []*ClientTransport
	closed bool
	next   atomic.Uint64
}

func NewPool(addr string, opts Options) *Pool {
	opts = opts.withDefaults()
	d := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &Pool{
		addr:   addr,
		opts:   opts,
		dialer: d.DialContext,
		slots:  make([]*ClientTransport, opts.PoolSize),
	}
}

// Invoke runs req on the next connection in round-robin order, bounded by the
// configured timeout.
func (p *Pool) Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	t, err := p.get(ctx)
	if err != nil {
		return nil, message.Unavailable(req.AppID, req.Method, err)
	}
	return t.Invoke(ctx, req)
}

func (p *Pool) get(ctx context.Context) (*ClientTransport, error) {
	i := int(p.next.Add(1) % uint64(len(p.slots)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPoolClosed
	}
	if t := p.slots[i]; t != nil && !t.Broken() {
		return t, nil
	}
	if old := p.slots[i]; old != nil {
		old.Close()
	}

	// dialing under the lock keeps a slot from being dialed twice
	conn, err := p.dialer(ctx, "tcp", p.addr)
	if err != nil {
		p.slots[i] = nil
		return nil, err
	}
	p.opts.Logger.Debug("frame connection established", zap.String("addr", p.addr), zap.Int("slot", i))
	t := NewClientTransport(conn, p.opts)
	p.slots[i] = t
	return t, nil
}

// Size returns the number of live connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.slots {
		if t != nil && !t.Broken() {
			n++
		}
	}
	return n
}

// Close closes every connection. Further invocations fail with a connection error.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for i, t := range p.slots {
		if t != nil {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
			p.slots[i] = nil
		}
	}
	return errors.Join(errs...)
}
