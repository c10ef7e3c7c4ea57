package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"sidecar-sdk/codec"
	"sidecar-sdk/message"
	"sidecar-sdk/protocol"
)

var errTransportClosed = errors.New("transport closed")

type result struct {
	env *message.Envelope
	err error
}

// ClientTransport runs many concurrent invocations over one TCP connection to the
// sidecar's frame port. Every request gets a sequence number; a single recvLoop reads
// responses and routes each one to the caller waiting on that number.
//
//	goroutine-1 ──Invoke(seq=1)──┐
//	goroutine-2 ──Invoke(seq=2)──┼──→ single TCP conn ──→ sidecar
//	goroutine-3 ──Invoke(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
type ClientTransport struct {
	conn     net.Conn
	codec    codec.Codec
	apiToken string
	logger   *zap.Logger

	sending sync.Mutex // serializes frame writes and guards seq
	seq     uint32
	pending sync.Map // map[uint32]chan result

	broken    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClientTransport takes ownership of conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, opts Options) *ClientTransport {
	opts = opts.withDefaults()
	t := &ClientTransport{
		conn:     conn,
		codec:    codec.GetCodec(opts.Codec),
		apiToken: opts.APIToken,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(opts.HeartbeatInterval)
	return t
}

// Invoke sends req and waits for its response, ctx cancellation, or connection loss.
func (t *ClientTransport) Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	if t.broken.Load() {
		return nil, message.Unavailable(req.AppID, req.Method, errTransportClosed)
	}

	body, err := t.codec.Encode(message.RequestEnvelope(req, t.apiToken))
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", message.ErrInvalidRequest, err)
	}

	seq, ch, err := t.send(body)
	if err != nil {
		return nil, message.Unavailable(req.AppID, req.Method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, message.Unavailable(req.AppID, req.Method, r.err)
		}
		return r.env.Response(req.AppID, req.Method)
	case <-ctx.Done():
		t.pending.Delete(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, message.Unavailable(req.AppID, req.Method, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// send writes one request frame. The response channel is registered before the write so
// recvLoop can never see a response it does not know about.
func (t *ClientTransport) send(body []byte) (uint32, <-chan result, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	ch := make(chan result, 1)
	t.pending.Store(seq, ch)
	// fail sets broken before draining pending; re-check so no caller waits forever
	if t.broken.Load() {
		t.pending.LoadAndDelete(seq)
		return 0, nil, errTransportClosed
	}

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, ch, nil
}

// recvLoop is the only reader of conn; frame boundaries can only be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		env := &message.Envelope{}
		res := result{env: env}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, env); err != nil {
			res = result{err: fmt.Errorf("decode response: %w", err)}
		}

		// a missing entry means the caller gave up; drop the late response
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan result) <- res
		}
	}
}

// fail marks the transport broken and wakes every pending caller with err.
func (t *ClientTransport) fail(err error) {
	if t.broken.Swap(true) {
		err = errTransportClosed
	} else {
		select {
		case <-t.done:
		default:
			t.logger.Warn("frame connection lost", zap.String("addr", t.conn.RemoteAddr().String()), zap.Error(err))
		}
	}
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: err}
		}
		return true
	})
}

// heartbeatLoop keeps idle connections alive and detects dead ones early.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}

// Broken reports whether the connection has failed or been closed.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// Close closes the connection; pending callers receive a connection error.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.fail(errTransportClosed)
	})
	return err
}
