package sidecar

import (
	"context"
	"errors"
	"net"
	"net/url"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"sidecar-sdk/message"
	"sidecar-sdk/protocol"
)

// requestIDHeader matches the header the gRPC transport stamps on every call.
const requestIDHeader = "x-request-id"

// InvokeServer is the server side of the sidecar.v1.Sidecar service.
type InvokeServer interface {
	InvokeService(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var sidecarServiceDesc = grpc.ServiceDesc{
	ServiceName: protocol.GRPCService,
	HandlerType: (*InvokeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InvokeService", Handler: invokeServiceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sidecar/v1/sidecar.proto",
}

func invokeServiceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokeServer).InvokeService(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: protocol.GRPCInvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokeServer).InvokeService(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcService adapts the Server to the generated-style service interface.
type grpcService struct {
	s *Server
}

func (g grpcService) InvokeService(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	verb, err := message.ParseVerb(first(protocol.MetadataVerb))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	req := &message.InvocationRequest{
		AppID:       first(protocol.MetadataAppID),
		Method:      first(protocol.MetadataMethod),
		Body:        in.GetValue(),
		Verb:        verb,
		ContentType: first(protocol.MetadataContentType),
	}
	if q := first(protocol.MetadataQuery); q != "" {
		if req.Query, err = url.ParseQuery(q); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}
	flat := make(map[string]string, len(md))
	for k := range md {
		flat[k] = first(k)
	}
	req.Context = message.ExtractContext(flat)

	resp, err := g.s.dispatch(ctx, req, first(message.APITokenHeader))
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}

	header := metadata.MD{}
	for k, v := range resp.Context {
		header.Set(k, v)
	}
	if resp.ContentType != "" {
		header.Set(protocol.MetadataContentType, resp.ContentType)
	}
	if err := grpc.SetHeader(ctx, header); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(resp.Payload), nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, message.ErrInvalidRequest):
		return codes.InvalidArgument
	case errors.Is(err, message.ErrMethodNotFound):
		return codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Unknown
}

// GRPCServer returns a gRPC server with the sidecar service registered. Shutdown stops it.
func (s *Server) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	s.chain()
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.recoveryInterceptor(), s.loggingInterceptor()),
	}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&sidecarServiceDesc, grpcService{s: s})

	s.lmu.Lock()
	s.grpcSrvs = append(s.grpcSrvs, gs)
	s.lmu.Unlock()
	return gs
}

// ServeGRPC serves the gRPC API on l until Shutdown.
func (s *Server) ServeGRPC(l net.Listener) error {
	gs := s.GRPCServer()
	if err := s.track(l, "grpc"); err != nil {
		return err
	}
	if err := gs.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("gRPC panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		var requestID string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(requestIDHeader); len(v) > 0 {
				requestID = v[0]
			}
		}
		s.logger.Debug("gRPC request",
			zap.String("request_id", requestID),
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
