package saga

import (
	"context"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Server exposes a Coordinator's Handler directly over
// SagaCoordinatorService, for callers that want to drive prepare/execute
// without publishing a real triggering event to the bus.
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
		transport.UnaryMethod(pb.MethodExecute, func(ctx context.Context, req *pb.ExecuteRequest) (*pb.ExecuteResponse, error) {
			commands, err := s.Coordinator.Handler.Execute(ctx, req.Source, req.Destinations)
			if err != nil {
				return nil, err
			}
			return &pb.ExecuteResponse{Commands: commands}, nil
		}),
		transport.UnaryMethod(pb.MethodExecuteSpeculative, func(ctx context.Context, req *pb.ExecuteRequest) (*pb.ExecuteResponse, error) {
			// speculative: run Execute without any dispatch side effect.
			commands, err := s.Coordinator.Handler.Execute(ctx, req.Source, req.Destinations)
			if err != nil {
				return nil, err
			}
			return &pb.ExecuteResponse{Commands: commands}, nil
		}),
	}
	return transport.NewServiceDesc(pb.SagaCoordinatorService, methods, nil)
}
