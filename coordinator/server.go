package coordinator

import (
	"context"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Projectors resolves a projector name to a SyncProjector, used by the
// HandleSync RPC to fan out to whichever projectors the caller named.
type Projectors map[string]SyncProjector

// Server exposes a Coordinator over AggregateCoordinatorService.
type Server struct {
	Coordinator *Coordinator
	Projectors  Projectors
}

func NewServer(c *Coordinator, projectors Projectors) *Server {
	return &Server{Coordinator: c, Projectors: projectors}
}

func (s *Server) ServiceDesc() *grpc.ServiceDesc {
	methods := []grpc.MethodDesc{
		transport.UnaryMethod(pb.MethodHandle, func(ctx context.Context, cmd *pb.CommandBook) (*pb.CommandResponse, error) {
			return s.Coordinator.Handle(ctx, cmd)
		}),
		transport.UnaryMethod(pb.MethodHandleSync, func(ctx context.Context, req *pb.HandleSyncRequest) (*pb.CommandResponse, error) {
			selected := Projectors{}
			for _, name := range req.Projectors {
				if p, ok := s.Projectors[name]; ok {
					selected[name] = p
				}
			}
			return s.Coordinator.HandleSync(ctx, req.Command, selected)
		}),
		transport.UnaryMethod(pb.MethodHandleSyncSpeculative, func(ctx context.Context, req *pb.HandleSpeculativeRequest) (*pb.CommandResponse, error) {
			return s.Coordinator.HandleSyncSpeculative(ctx, req.Command, req.CurrentState)
		}),
	}
	return transport.NewServiceDesc(pb.AggregateCoordinatorService, methods, nil)
}
