// Package repair implements the completeness check and repair-on-receipt
// algorithm of spec.md §4.7: an incomplete EventBook (one whose first page
// isn't sequence 0 and that carries no subsuming snapshot) is repaired by
// fetching the full book from an EventQueryService peer.
package repair

import (
	"context"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
)

// IsComplete reports whether book is usable as input state without repair:
// empty, first page at sequence 0, or a snapshot whose sequence is exactly
// one less than the first page's sequence.
func IsComplete(book *pb.EventBook) bool {
	if book.IsEmpty() {
		return true
	}
	if len(book.Pages) == 0 {
		// snapshot with no pages: always complete, it already subsumes
		// everything up to its own sequence.
		return true
	}
	first := book.Pages[0]
	seq, force := first.Sequence()
	if !force && seq == 0 {
		return true
	}
	if book.Snapshot != nil && !force && book.Snapshot.Sequence+1 == seq {
		return true
	}
	return false
}

// EventQuery is the subset of EventQueryService a repairer calls.
type EventQuery interface {
	GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error)
}

// RepairIfNeeded returns book unchanged if it is already complete;
// otherwise it fetches the full book via query and substitutes it,
// validating that the repaired book's last sequence is at least the
// incoming book's last sequence (spec.md §4.7's integrity check).
func RepairIfNeeded(ctx context.Context, query EventQuery, book *pb.EventBook) (*pb.EventBook, error) {
	if IsComplete(book) {
		return book, nil
	}
	repaired, err := query.GetEventBook(ctx, book.Cover)
	if err != nil {
		if errs.IsNotFound(err) {
			// no prior history at all: treat as an empty, complete
			// aggregate rather than a repair failure.
			return &pb.EventBook{Cover: book.Cover}, nil
		}
		return nil, errs.Wrap(errs.Transport, "repair fetch failed", err)
	}
	incomingLast, incomingHasLast := book.LastSequence()
	repairedLast, repairedHasLast := repaired.LastSequence()
	if incomingHasLast {
		if !repairedHasLast || repairedLast < incomingLast {
			return nil, errs.Integrity("repaired book last sequence %d is behind incoming %d", repairedLast, incomingLast)
		}
	}
	return repaired, nil
}
