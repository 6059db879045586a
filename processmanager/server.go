package processmanager

import (
	"context"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Server exposes a Coordinator's Handler over ProcessManagerCoordinatorService.
type Server struct {
	Coordinator *Coordinator
}

func NewServer(c *Coordinator) *Server { return &Server{Coordinator: c} }

func (s *Server) ServiceDesc() *grpc.ServiceDesc {
	methods := []grpc.MethodDesc{
		transport.UnaryMethod(pb.MethodPrepare, func(ctx context.Context, req *pb.PrepareRequest) (*pb.PrepareResponse, error) {
			dests, err := s.Coordinator.Handler.Prepare(ctx, req.Source)
			if err != nil {
				return nil, err
			}
			return &pb.PrepareResponse{Destinations: dests}, nil
		}),
		transport.UnaryMethod(pb.MethodHandle, func(ctx context.Context, req *pb.ProcessManagerHandleRequest) (*pb.ProcessManagerHandleResponse, error) {
			commands, events, err := s.Coordinator.Handler.Handle(ctx, req.Source, req.Destinations, req.PriorState)
			if err != nil {
				return nil, err
			}
			return &pb.ProcessManagerHandleResponse{Commands: commands, ProcessEvents: events}, nil
		}),
		transport.UnaryMethod(pb.MethodHandleSpeculative, func(ctx context.Context, req *pb.ProcessManagerHandleRequest) (*pb.ProcessManagerHandleResponse, error) {
			commands, events, err := s.Coordinator.Handler.Handle(ctx, req.Source, req.Destinations, req.PriorState)
			if err != nil {
				return nil, err
			}
			return &pb.ProcessManagerHandleResponse{Commands: commands, ProcessEvents: events}, nil
		}),
	}
	return transport.NewServiceDesc(pb.ProcessManagerCoordinatorService, methods, nil)
}
