package sidecar

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"sidecar-sdk/codec"
	"sidecar-sdk/message"
	"sidecar-sdk/middleware"
	"sidecar-sdk/protocol"
	"sidecar-sdk/registry"
	"sidecar-sdk/tracing"
)

const incoming = "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"

func newDemoServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	if err := svr.Register(DemoAppID, &DemoApp{SleepFor: 10 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	return svr
}

func startFrame(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeFrame(l)
	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frameCall(t *testing.T, conn net.Conn, seq uint32, env *message.Envelope) *message.Envelope {
	t.Helper()
	cdc := codec.GetCodec(codec.CodecTypeBinary)
	body, err := cdc.Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	replyHeader, replyBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyHeader.Seq != seq {
		t.Fatalf("expect reply seq %d, got %d", seq, replyHeader.Seq)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expect response frame, got %v", replyHeader.MsgType)
	}
	reply := &message.Envelope{}
	if err := cdc.Decode(replyBody, reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestServeFrame(t *testing.T) {
	svr := newDemoServer(t)
	defer svr.Shutdown(time.Second)
	conn := startFrame(t, svr)

	reply := frameCall(t, conn, 123, &message.Envelope{
		AppID:    DemoAppID,
		Method:   "echo",
		Verb:     "POST",
		Metadata: map[string]string{message.TraceparentHeader: incoming},
		Payload:  []byte("hi"),
	})
	if reply.Status != message.StatusOK || string(reply.Payload) != "hi" {
		t.Fatalf("expect 200 'hi', got %d '%s' (%s)", reply.Status, reply.Payload, reply.Error)
	}

	// the reply context is a child of the incoming one
	sc := tracing.SpanContextFrom(reply.Metadata)
	parent := tracing.SpanContextFrom(message.PropagationContext{message.TraceparentHeader: incoming})
	if !sc.IsValid() || sc.TraceID() != parent.TraceID() || sc.SpanID() == parent.SpanID() {
		t.Fatalf("expect child of %s, got %s", incoming, reply.Metadata[message.TraceparentHeader])
	}
}

func TestServeFrameNotFound(t *testing.T) {
	svr := newDemoServer(t)
	defer svr.Shutdown(time.Second)
	conn := startFrame(t, svr)

	reply := frameCall(t, conn, 1, &message.Envelope{AppID: DemoAppID, Method: "nope", Verb: "POST"})
	if reply.Status != message.StatusNotFound {
		t.Fatalf("expect 404 for unknown method, got %d", reply.Status)
	}
	reply = frameCall(t, conn, 2, &message.Envelope{AppID: "ghost", Method: "echo", Verb: "POST"})
	if reply.Status != message.StatusNotFound {
		t.Fatalf("expect 404 for unknown app, got %d", reply.Status)
	}
}

func TestServeFrameIgnoresHeartbeat(t *testing.T) {
	svr := newDemoServer(t)
	defer svr.Shutdown(time.Second)
	conn := startFrame(t, svr)

	if err := protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
		t.Fatal(err)
	}
	reply := frameCall(t, conn, 7, &message.Envelope{AppID: DemoAppID, Method: "echo", Verb: "POST", Payload: []byte("x")})
	if string(reply.Payload) != "x" {
		t.Fatalf("expect 'x' after heartbeat, got '%s'", reply.Payload)
	}
}

func TestAPIToken(t *testing.T) {
	svr := newDemoServer(t, WithAPIToken("secret"))
	defer svr.Shutdown(time.Second)
	conn := startFrame(t, svr)

	reply := frameCall(t, conn, 1, &message.Envelope{AppID: DemoAppID, Method: "echo", Verb: "POST"})
	if reply.Status != http.StatusUnauthorized {
		t.Fatalf("expect 401 without token, got %d", reply.Status)
	}
	reply = frameCall(t, conn, 2, &message.Envelope{
		AppID:    DemoAppID,
		Method:   "echo",
		Verb:     "POST",
		Metadata: map[string]string{message.APITokenHeader: "secret"},
		Payload:  []byte("ok"),
	})
	if reply.Status != message.StatusOK {
		t.Fatalf("expect 200 with token, got %d (%s)", reply.Status, reply.Error)
	}
}

func TestHandlerErrorIsRemote(t *testing.T) {
	svr := newDemoServer(t)
	svr.HandleFunc("billing", "charge", func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
		return nil, errors.New("card declined")
	})
	srv := httptest.NewServer(svr.HTTPHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+protocol.InvokePath("billing", "charge"), "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(body), "card declined") {
		t.Fatalf("expect 500 with handler error, got %d '%s'", resp.StatusCode, body)
	}
}

func TestHTTPHandler(t *testing.T) {
	svr := newDemoServer(t)
	srv := httptest.NewServer(svr.HTTPHandler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+protocol.InvokePath(DemoAppID, "echo"), strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Traceparent", incoming)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "hi" {
		t.Fatalf("expect 200 'hi', got %d '%s'", resp.StatusCode, body)
	}
	if tp := resp.Header.Get(message.TraceparentHeader); tp == "" || tp == incoming {
		t.Fatalf("expect a child traceparent, got %q", tp)
	}

	resp, err = http.Get(srv.URL + protocol.InvokePath(DemoAppID, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expect 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + HealthPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expect 204 from health check, got %d", resp.StatusCode)
	}
}

func TestHTTPSleepQuery(t *testing.T) {
	svr := newDemoServer(t)
	srv := httptest.NewServer(svr.HTTPHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+protocol.InvokePath(DemoAppID, "sleep")+"?ms=abc", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expect 500 for bad ms, got %d", resp.StatusCode)
	}
}

func TestGRPCServer(t *testing.T) {
	svr := newDemoServer(t)
	defer svr.Shutdown(time.Second)

	l := bufconn.Listen(1 << 20)
	gs := svr.GRPCServer()
	go gs.Serve(l)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return l.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx := metadata.NewOutgoingContext(context.Background(), metadata.Pairs(
		protocol.MetadataAppID, DemoAppID,
		protocol.MetadataMethod, "echo",
		message.TraceparentHeader, incoming,
	))
	var header metadata.MD
	out := &wrapperspb.BytesValue{}
	if err := conn.Invoke(ctx, protocol.GRPCInvokeMethod, wrapperspb.Bytes([]byte("hi")), out, grpc.Header(&header)); err != nil {
		t.Fatal(err)
	}
	if string(out.GetValue()) != "hi" {
		t.Fatalf("expect 'hi', got '%s'", out.GetValue())
	}
	if tp := header.Get(message.TraceparentHeader); len(tp) == 0 || tp[0] == incoming {
		t.Fatalf("expect a child traceparent in header, got %v", tp)
	}

	ctx = metadata.NewOutgoingContext(context.Background(), metadata.Pairs(
		protocol.MetadataAppID, DemoAppID,
		protocol.MetadataMethod, "missing",
	))
	err = conn.Invoke(ctx, protocol.GRPCInvokeMethod, wrapperspb.Bytes(nil), &wrapperspb.BytesValue{})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expect NotFound, got %v", err)
	}
}

func TestMiddlewareWrapsApps(t *testing.T) {
	svr := newDemoServer(t)
	var seen []string
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
			seen = append(seen, req.Method)
			return next(ctx, req)
		}
	})
	srv := httptest.NewServer(svr.HTTPHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+protocol.InvokePath(DemoAppID, "echo"), "", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(seen) != 1 || seen[0] != "echo" {
		t.Fatalf("expect middleware to see echo, got %v", seen)
	}
}

func TestRegisterRejectsPlainStruct(t *testing.T) {
	svr := NewServer()
	if err := svr.Register("x", DemoApp{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	type nothing struct{}
	if err := svr.Register("x", &nothing{}); err == nil {
		t.Fatal("expect error for receiver without invocable methods")
	}
}

func TestShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := newDemoServer(t, WithRegistry(reg, "local", "127.0.0.1"))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeFrame(l) }()

	deadline := time.Now().Add(time.Second)
	for {
		eps, _ := reg.Discover(context.Background(), "local")
		if len(eps) == 1 {
			if eps[0].Protocol != "frame" || eps[0].Addr != l.Addr().String() {
				t.Fatalf("unexpected endpoint %v", eps[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("endpoint never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect clean stop, got %v", err)
	}
	if eps, _ := reg.Discover(context.Background(), "local"); len(eps) != 0 {
		t.Fatalf("expect endpoint removed, got %v", eps)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	svr := NewServer()
	svr.Register(DemoAppID, &DemoApp{SleepFor: 200 * time.Millisecond})
	conn := startFrame(t, svr)

	cdc := codec.GetCodec(codec.CodecTypeBinary)
	body, _ := cdc.Encode(&message.Envelope{AppID: DemoAppID, Method: "sleep", Verb: "POST"})
	header := protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: protocol.MsgTypeRequest, Seq: 1}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	done := make(chan []byte, 1)
	go func() {
		_, replyBody, err := protocol.Decode(conn)
		if err != nil {
			replyBody = nil
		}
		done <- replyBody
	}()
	time.Sleep(50 * time.Millisecond)

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	select {
	case replyBody := <-done:
		reply := &message.Envelope{}
		if err := cdc.Decode(replyBody, reply); err != nil {
			t.Fatalf("expect in-flight sleep to be answered, got %v", err)
		}
		if reply.Status != message.StatusOK {
			t.Fatalf("expect in-flight sleep to finish, got %d", reply.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight request lost")
	}
}

func TestShutdownDuringRequestStream(t *testing.T) {
	svr := NewServer()
	var active, afterShutdown atomic.Int32
	var stopped atomic.Bool
	svr.HandleFunc("busy", "work", func(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
		if stopped.Load() {
			afterShutdown.Add(1)
		}
		active.Add(1)
		defer active.Add(-1)
		time.Sleep(2 * time.Millisecond)
		return &message.InvocationResponse{}, nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeFrame(l)

	cdc := codec.GetCodec(codec.CodecTypeBinary)
	body, _ := cdc.Encode(&message.Envelope{AppID: "busy", Method: "work", Verb: "POST"})

	var senders sync.WaitGroup
	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		go io.Copy(io.Discard, conn)
		senders.Add(1)
		go func() {
			defer senders.Done()
			for seq := uint32(1); ; seq++ {
				header := protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: protocol.MsgTypeRequest, Seq: seq}
				if protocol.Encode(conn, &header, body) != nil {
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	stopped.Store(true)
	if n := active.Load(); n != 0 {
		t.Fatalf("expect no handler running after shutdown, got %d", n)
	}
	senders.Wait()
	time.Sleep(10 * time.Millisecond)
	if n := afterShutdown.Load(); n != 0 {
		t.Fatalf("expect no handler started after shutdown, got %d", n)
	}
}
