package store

import (
	"context"

	"github.com/angzarr-io/angzarr/pb"
)

// LoadEventBook composes the snapshot store and event store into one
// EventBook: the snapshot (if any) plus every page from snapshot.sequence+1
// (or 0) through head.
func LoadEventBook(ctx context.Context, es EventStore, ss SnapshotStore, cover *pb.Cover) (*pb.EventBook, error) {
	snap, err := ss.Get(ctx, cover)
	if err != nil {
		return nil, err
	}
	from := uint32(0)
	if snap != nil {
		from = snap.Sequence + 1
	}
	pages, err := es.Pages(ctx, cover, from, false, 0)
	if err != nil {
		return nil, err
	}
	next, err := es.NextSequence(ctx, cover)
	if err != nil {
		return nil, err
	}
	return &pb.EventBook{Cover: cover, Pages: pages, Snapshot: snap, NextSequence: next}, nil
}
