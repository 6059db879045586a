package repair

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/store"
	"github.com/angzarr-io/angzarr/transport"
)

// QueryServer implements EventQueryService against an EventStore and
// SnapshotStore pair: GetEventBook, GetEvents (stream), Synchronize (bidi),
// GetAggregateRoots (stream).
type QueryServer struct {
	Events    store.EventStore
	Snapshots store.SnapshotStore
}

func NewQueryServer(events store.EventStore, snapshots store.SnapshotStore) *QueryServer {
	return &QueryServer{Events: events, Snapshots: snapshots}
}

func (s *QueryServer) GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error) {
	book, err := store.LoadEventBook(ctx, s.Events, s.Snapshots, cover)
	if err != nil {
		return nil, err
	}
	if book.IsEmpty() {
		return nil, errs.New(errs.NotFound, "no events for "+cover.Domain)
	}
	return book, nil
}

func (s *QueryServer) getEvents(ctx context.Context, q *pb.Query) (*pb.EventBook, error) {
	from, hasUpper, to := uint32(0), false, uint32(0)
	if q.Selection != nil {
		from = q.Selection.LowerBound
		hasUpper = q.Selection.HasUpper
		to = q.Selection.UpperBound
	}
	pages, err := s.Events.Pages(ctx, q.Cover, from, hasUpper, to)
	if err != nil {
		return nil, err
	}
	next, err := s.Events.NextSequence(ctx, q.Cover)
	if err != nil {
		return nil, err
	}
	return &pb.EventBook{Cover: q.Cover, Pages: pages, NextSequence: next}, nil
}

// ServiceDesc wires this server's methods into a grpc.ServiceDesc without
// protoc-gen-go-grpc stubs.
func (s *QueryServer) ServiceDesc() *grpc.ServiceDesc {
	methods := []grpc.MethodDesc{
		transport.UnaryMethod(pb.MethodGetEventBook, func(ctx context.Context, q *pb.Query) (*pb.EventBook, error) {
			return s.GetEventBook(ctx, q.Cover)
		}),
	}
	streams := []grpc.StreamDesc{
		transport.StreamMethod(pb.MethodGetEvents, false, true, func(srv interface{}, stream grpc.ServerStream) error {
			recv := transport.StreamReceiver[pb.Query]{Stream: stream}
			q, err := recv.Recv()
			if err != nil {
				return err
			}
			book, err := s.getEvents(stream.Context(), q)
			if err != nil {
				return err
			}
			send := transport.StreamSender[pb.EventPage]{Stream: stream}
			for _, p := range book.Pages {
				if err := send.Send(p); err != nil {
					return err
				}
			}
			return nil
		}),
		transport.StreamMethod(pb.MethodSynchronize, true, true, func(srv interface{}, stream grpc.ServerStream) error {
			recv := transport.StreamReceiver[pb.Query]{Stream: stream}
			send := transport.StreamSender[pb.EventBook]{Stream: stream}
			for {
				q, err := recv.Recv()
				if err != nil {
					return streamEnd(err)
				}
				book, err := store.LoadEventBook(stream.Context(), s.Events, s.Snapshots, q.Cover)
				if err != nil {
					return err
				}
				if err := send.Send(book); err != nil {
					return err
				}
			}
		}),
		transport.StreamMethod(pb.MethodGetAggregateRoot, false, true, func(srv interface{}, stream grpc.ServerStream) error {
			recv := transport.StreamReceiver[pb.GetAggregateRootsRequest]{Stream: stream}
			req, err := recv.Recv()
			if err != nil {
				return err
			}
			roots, err := s.Events.Roots(stream.Context(), req.Domain)
			if err != nil {
				return err
			}
			send := transport.StreamSender[pb.GetAggregateRootsResponse]{Stream: stream}
			return send.Send(&pb.GetAggregateRootsResponse{Roots: roots})
		}),
	}
	return transport.NewServiceDesc(pb.EventQueryService, methods, streams)
}

func streamEnd(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
