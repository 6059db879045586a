package gateway

import (
	"context"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Server exposes a Gateway over CommandGatewayService and EventStreamService.
type Server struct {
	Gateway *Gateway
}

func NewServer(g *Gateway) *Server { return &Server{Gateway: g} }

func (s *Server) CommandGatewayServiceDesc() *grpc.ServiceDesc {
	methods := []grpc.MethodDesc{
		transport.UnaryMethod(pb.MethodExecute, func(ctx context.Context, cmd *pb.CommandBook) (*pb.CommandResponse, error) {
			return s.Gateway.Execute(ctx, cmd)
		}),
	}
	streams := []grpc.StreamDesc{
		transport.StreamMethod(pb.MethodExecuteStream, false, true, func(srv interface{}, stream grpc.ServerStream) error {
			recv := transport.StreamReceiver[pb.CommandBook]{Stream: stream}
			cmd, err := recv.Recv()
			if err != nil {
				return err
			}
			sink := grpcSink{stream: stream}
			return s.Gateway.ExecuteStream(stream.Context(), cmd, sink)
		}),
	}
	return transport.NewServiceDesc(pb.CommandGatewayService, methods, streams)
}

type grpcSink struct{ stream grpc.ServerStream }

func (s grpcSink) Send(item *pb.ExecuteStreamItem) error { return s.stream.SendMsg(item) }

func (s *Server) EventStreamServiceDesc() *grpc.ServiceDesc {
	streams := []grpc.StreamDesc{
		transport.StreamMethod(pb.MethodSubscribe, false, true, func(srv interface{}, stream grpc.ServerStream) error {
			recv := transport.StreamReceiver[pb.SubscribeRequest]{Stream: stream}
			req, err := recv.Recv()
			if err != nil {
				return err
			}
			send := transport.StreamSender[pb.EventBook]{Stream: stream}
			return s.Gateway.Subscribe(stream.Context(), req.Filter.CorrelationID, send.Send)
		}),
	}
	return transport.NewServiceDesc(pb.EventStreamService, nil, streams)
}
