// Package sidecar is an in-process sidecar that hosts applications and serves the invoke
// API on the frame, HTTP and gRPC ports. It backs the tests of the client SDK and the
// sidecarctl serve command.
//
// Every entry point funnels into the same pipeline:
//
//	decode request → authorize → server span → middleware chain → app method → encode response
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"sidecar-sdk/codec"
	"sidecar-sdk/message"
	"sidecar-sdk/middleware"
	"sidecar-sdk/protocol"
	"sidecar-sdk/registry"
	"sidecar-sdk/tracing"
)

// ErrUnauthorized is returned when a request does not carry the configured API token.
var ErrUnauthorized = errors.New("sidecar: invalid api token")

// RegisterTTL is the lease, in seconds, the sidecar registers its endpoints with.
const RegisterTTL = 10

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAPIToken makes every request present token in the sidecar-api-token header.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = token }
}

// WithRegistry announces every served port in group. advertiseHost replaces the listener's
// host, which is usually not routable (":3500" listens on "[::]").
func WithRegistry(reg registry.Registry, group, advertiseHost string) Option {
	return func(s *Server) {
		s.registry = reg
		s.group = group
		s.advertiseHost = advertiseHost
	}
}

type Server struct {
	mu          sync.RWMutex
	apps        map[string]*app
	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc // middleware chain around route, built on first serve

	logger   *zap.Logger
	tracer   *tracing.Tracer
	apiToken string

	registry      registry.Registry
	group         string
	advertiseHost string

	wg        sync.WaitGroup // in-flight frame requests
	shutdown  atomic.Bool
	lmu       sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	httpSrvs  []*http.Server
	grpcSrvs  []*grpc.Server
	announced []string
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		apps:   make(map[string]*app),
		logger: zap.NewNop(),
		tracer: tracing.NewTracer("sidecar"),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleFunc exposes fn as appID/method.
func (s *Server) HandleFunc(appID, method string, fn middleware.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.apps[appID]
	if a == nil {
		a = &app{id: appID, methods: make(map[string]middleware.HandlerFunc)}
		s.apps[appID] = a
	}
	a.methods[method] = fn
}

// Register exposes the invocable methods of rcvr under appID. See scanMethods for the
// accepted signatures.
func (s *Server) Register(appID string, rcvr any) error {
	methods, err := scanMethods(rcvr)
	if err != nil {
		return err
	}
	for name, fn := range methods {
		s.HandleFunc(appID, name, fn)
	}
	s.logger.Info("app registered", zap.String("app_id", appID), zap.Int("methods", len(methods)))
	return nil
}

// Use adds a middleware around app methods. Middlewares added after the first request
// is served are ignored.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) chain() middleware.HandlerFunc {
	s.buildOnce.Do(func() {
		s.handler = middleware.Chain(s.middlewares...)(s.route)
	})
	return s.handler
}

// route is the innermost handler: it finds the app method and calls it.
func (s *Server) route(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	s.mu.RLock()
	a := s.apps[req.AppID]
	var fn middleware.HandlerFunc
	if a != nil {
		fn = a.methods[req.Method]
	}
	s.mu.RUnlock()

	switch {
	case a == nil:
		return nil, &message.InvocationError{Kind: message.KindNotFound, AppID: req.AppID, Message: "app not found"}
	case fn == nil:
		return nil, &message.InvocationError{Kind: message.KindNotFound, AppID: req.AppID, Method: req.Method, Message: "method not found"}
	}
	return fn(ctx, req)
}

// dispatch runs one decoded request through the pipeline. The response carries the
// server span's traceparent unless the handler set a context of its own.
func (s *Server) dispatch(ctx context.Context, req *message.InvocationRequest, token string) (*message.InvocationResponse, error) {
	if s.apiToken != "" && token != s.apiToken {
		return nil, ErrUnauthorized
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartRemote(ctx, "serve "+req.AppID+"/"+req.Method, trace.SpanKindServer, req.Context,
		attribute.String("app_id", req.AppID),
		attribute.String("method", req.Method),
	)
	defer span.End()

	resp, err := s.chain()(ctx, req)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if resp == nil {
		resp = &message.InvocationResponse{}
	}
	if resp.Context.IsEmpty() {
		resp.Context = tracing.Inject(ctx)
	}
	return resp, nil
}

// Serve listens on address and serves the frame protocol.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeFrame(l)
}

// ServeFrame accepts frame connections on l until Shutdown.
func (s *Server) ServeFrame(l net.Listener) error {
	if err := s.track(l, "frame"); err != nil {
		return err
	}
	s.chain()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn is the single reader of conn; each request is handled in its own goroutine
// and responses are serialized by writeMu.
func (s *Server) handleConn(conn net.Conn) {
	s.lmu.Lock()
	s.conns[conn] = struct{}{}
	s.lmu.Unlock()
	defer func() {
		s.lmu.Lock()
		delete(s.conns, conn)
		s.lmu.Unlock()
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		if !s.begin() {
			return
		}
		go s.handleRequest(header, body, conn, writeMu)
	}
}

// begin counts one more in-flight request unless shutdown has started. The check and
// the Add happen under lmu so that no Add races Shutdown's Wait.
func (s *Server) begin() bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	reqEnv := &message.Envelope{}
	var resp *message.InvocationResponse
	var req *message.InvocationRequest
	err := c.Decode(body, reqEnv)
	if err == nil {
		req, err = reqEnv.Request()
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", message.ErrInvalidRequest, err)
	} else {
		resp, err = s.dispatch(context.Background(), req, reqEnv.Metadata[message.APITokenHeader])
	}

	respEnv := message.ResponseEnvelope(resp, err)
	switch {
	case errors.Is(err, ErrUnauthorized):
		respEnv.Status = http.StatusUnauthorized
	case errors.Is(err, message.ErrInvalidRequest):
		respEnv.Status = http.StatusBadRequest
	}

	out, err := c.Encode(respEnv)
	if err != nil {
		s.logger.Error("encode response", zap.Uint32("seq", header.Seq), zap.Error(err))
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(conn, &reply, out); err != nil {
		s.logger.Warn("write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// track records l for Shutdown and announces it in the registry.
func (s *Server) track(l net.Listener, proto string) error {
	s.lmu.Lock()
	if s.shutdown.Load() {
		s.lmu.Unlock()
		l.Close()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()

	s.logger.Info("sidecar listening", zap.String("protocol", proto), zap.Stringer("addr", l.Addr()))
	if s.registry == nil {
		return nil
	}
	addr := l.Addr().String()
	if s.advertiseHost != "" {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return err
		}
		addr = net.JoinHostPort(s.advertiseHost, port)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep := registry.Endpoint{Addr: addr, Protocol: proto, Weight: 1}
	if err := s.registry.Register(ctx, s.group, ep, RegisterTTL); err != nil {
		l.Close()
		return fmt.Errorf("register %s: %w", addr, err)
	}
	s.lmu.Lock()
	s.announced = append(s.announced, addr)
	s.lmu.Unlock()
	return nil
}

// Shutdown stops the sidecar:
//  1. deregister, so clients stop picking it
//  2. close listeners
//  3. wait for in-flight requests, at most timeout
//  4. close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.lmu.Lock()
	s.shutdown.Store(true)
	announced := s.announced
	listeners := s.listeners
	httpSrvs := s.httpSrvs
	grpcSrvs := s.grpcSrvs
	s.lmu.Unlock()

	if s.registry != nil {
		for _, addr := range announced {
			if err := s.registry.Deregister(ctx, s.group, addr); err != nil {
				s.logger.Warn("deregister", zap.String("addr", addr), zap.Error(err))
			}
		}
	}
	for _, l := range listeners {
		l.Close()
	}

	var stopped sync.WaitGroup
	for _, hs := range httpSrvs {
		stopped.Add(1)
		go func() {
			defer stopped.Done()
			hs.Shutdown(ctx)
		}()
	}
	for _, gs := range grpcSrvs {
		stopped.Add(1)
		go func() {
			defer stopped.Done()
			gs.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		stopped.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
		for _, gs := range grpcSrvs {
			gs.Stop()
		}
	}

	s.lmu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.lmu.Unlock()
	return err
}
