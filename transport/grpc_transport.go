package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"sidecar-sdk/message"
	"sidecar-sdk/protocol"
)

// RequestIDHeader is attached to every gRPC call for log correlation.
const RequestIDHeader = "x-request-id"

// GRPCTransport calls the sidecar's InvokeService RPC. Addressing, verb and propagation
// context travel as metadata; bodies are google.protobuf.BytesValue.
type GRPCTransport struct {
	conn     *grpc.ClientConn
	timeout  time.Duration
	apiToken string
	logger   *zap.Logger
}

// NewGRPCTransport does not dial; the connection is established on first use.
func NewGRPCTransport(addr string, opts Options) (*GRPCTransport, error) {
	opts = opts.withDefaults()
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(requestIDInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", addr, err)
	}
	return &GRPCTransport{
		conn:     conn,
		timeout:  opts.Timeout,
		apiToken: opts.APIToken,
		logger:   opts.Logger,
	}, nil
}

func (t *GRPCTransport) Invoke(ctx context.Context, req *message.InvocationRequest) (*message.InvocationResponse, error) {
	md := metadata.Pairs(
		protocol.MetadataAppID, req.AppID,
		protocol.MetadataMethod, req.Method,
		protocol.MetadataVerb, req.Verb.String(),
	)
	if req.ContentType != "" {
		md.Set(protocol.MetadataContentType, req.ContentType)
	}
	if len(req.Query) > 0 {
		md.Set(protocol.MetadataQuery, req.Query.Encode())
	}
	for k, v := range req.Context {
		md.Set(k, v)
	}
	if t.apiToken != "" {
		md.Set(message.APITokenHeader, t.apiToken)
	}

	ctx, cancel := context.WithTimeout(metadata.NewOutgoingContext(ctx, md), t.timeout)
	defer cancel()

	var header metadata.MD
	out := &wrapperspb.BytesValue{}
	err := t.conn.Invoke(ctx, protocol.GRPCInvokeMethod, wrapperspb.Bytes(req.Body), out, grpc.Header(&header))
	if err != nil {
		return nil, t.classify(req, err)
	}

	resp := &message.InvocationResponse{Payload: out.GetValue()}
	if v := header.Get(protocol.MetadataContentType); len(v) > 0 {
		resp.ContentType = v[0]
	}
	flat := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	resp.Context = message.ExtractContext(flat)
	return resp, nil
}

func (t *GRPCTransport) classify(req *message.InvocationRequest, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return message.Unavailable(req.AppID, req.Method, err)
	}
	t.logger.Debug("grpc invoke failed",
		zap.String("app_id", req.AppID),
		zap.String("method", req.Method),
		zap.Stringer("code", st.Code()),
	)
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.Unavailable, codes.DeadlineExceeded:
		return message.Unavailable(req.AppID, req.Method, errors.New(st.Message()))
	case codes.NotFound, codes.Unimplemented:
		return &message.InvocationError{Kind: message.KindNotFound, AppID: req.AppID, Method: req.Method, Status: int(st.Code()), Message: st.Message()}
	}
	return &message.InvocationError{Kind: message.KindRemote, AppID: req.AppID, Method: req.Method, Status: int(st.Code()), Message: st.Message()}
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

func requestIDInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if md, ok := metadata.FromOutgoingContext(ctx); !ok || len(md.Get(RequestIDHeader)) == 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, uuid.New().String())
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
