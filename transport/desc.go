package transport

import (
	"context"

	"google.golang.org/grpc"
)

// UnaryHandler is the plain-Go-struct shape every coordinator/gateway RPC
// method implements: no protoc-gen-go-grpc stub, just a function from one
// struct to another.
type UnaryHandler[Req any, Resp any] func(ctx context.Context, req *Req) (*Resp, error)

// UnaryMethod builds a grpc.MethodDesc for handler, decoding the request
// with the codec registered in pb/codec.go via dec, and applying any
// server interceptor chain via grpc.UnaryServerInterceptor semantics.
func UnaryMethod[Req any, Resp any](name string, handler UnaryHandler[Req, Resp]) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{FullMethod: name}
			wrapped := func(ctx context.Context, r interface{}) (interface{}, error) {
				return handler(ctx, r.(*Req))
			}
			return interceptor(ctx, req, info, wrapped)
		},
	}
}

// StreamSender/StreamReceiver wrap grpc.ServerStream.SendMsg/RecvMsg with
// the request/response types the server-streaming and bidi RPCs in this
// module use (GetEvents, Synchronize, ExecuteStream, Subscribe).
type StreamSender[Resp any] struct{ Stream grpc.ServerStream }

func (s StreamSender[Resp]) Send(resp *Resp) error { return s.Stream.SendMsg(resp) }

type StreamReceiver[Req any] struct{ Stream grpc.ServerStream }

func (r StreamReceiver[Req]) Recv() (*Req, error) {
	req := new(Req)
	if err := r.Stream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

// ServerStreamHandler is the shape of a server-streaming or bidi RPC method.
type ServerStreamHandler func(srv interface{}, stream grpc.ServerStream) error

// StreamMethod builds a grpc.StreamDesc for a streaming RPC.
func StreamMethod(name string, clientStreams, serverStreams bool, handler ServerStreamHandler) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		Handler:       handler,
		ClientStreams: clientStreams,
		ServerStreams: serverStreams,
	}
}

// NewServiceDesc assembles a grpc.ServiceDesc from unary and stream method
// sets, the one piece of protoc-gen-go-grpc boilerplate every service in
// this module replaces.
func NewServiceDesc(serviceName string, methods []grpc.MethodDesc, streams []grpc.StreamDesc) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Methods:     methods,
		Streams:     streams,
		Metadata:    serviceName + ".proto",
	}
}

// Invoke calls a unary RPC on conn by its full method name, the way a
// generated client stub would, but without one.
func Invoke[Req any, Resp any](ctx context.Context, conn grpc.ClientConnInterface, fullMethod string, req *Req) (*Resp, error) {
	resp := new(Resp)
	if err := conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// NewClientStream opens a streaming RPC on conn by its full method name.
func NewClientStream(ctx context.Context, conn grpc.ClientConnInterface, desc *grpc.StreamDesc, fullMethod string) (grpc.ClientStream, error) {
	return conn.NewStream(ctx, desc, fullMethod)
}
