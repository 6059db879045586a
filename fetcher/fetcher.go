// Package fetcher implements the destination fetcher (spec.md §4.5): a
// hybrid local/remote strategy that resolves "read the latest state of
// aggregate X by correlation or by root" across domains, repairing
// incomplete results before returning them.
package fetcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/angzarr-io/angzarr/discovery"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/repair"
	"github.com/angzarr-io/angzarr/store"
)

// Fetcher resolves a cover or a (domain, correlation_id) pair to a complete
// EventBook.
type Fetcher interface {
	Fetch(ctx context.Context, cover *pb.Cover) (*pb.EventBook, bool, error)
	FetchByCorrelation(ctx context.Context, domain, correlationID string) (*pb.EventBook, bool, error)
}

// remoteQuery is the subset of the event-query client a remote lookup uses;
// satisfied by *repair.Client.
type remoteQuery interface {
	repair.EventQuery
}

// Hybrid is given one "local" domain (the PM's own state, or the
// coordinator's own domain) plus a discovery registry for every other
// domain, resolved to remote event-query clients lazily.
type Hybrid struct {
	LocalDomain string
	LocalEvents store.EventStore
	LocalSnaps  store.SnapshotStore

	Registry *discovery.Registry
	DialFunc func(endpoint string) (remoteQuery, error)

	remoteCache map[string]remoteQuery
}

func NewHybrid(localDomain string, events store.EventStore, snaps store.SnapshotStore, registry *discovery.Registry) *Hybrid {
	return &Hybrid{
		LocalDomain: localDomain,
		LocalEvents: events,
		LocalSnaps:  snaps,
		Registry:    registry,
		remoteCache: make(map[string]remoteQuery),
		DialFunc: func(endpoint string) (remoteQuery, error) {
			return repair.DialClient(endpoint)
		},
	}
}

func (h *Hybrid) remoteFor(domain string) (remoteQuery, error) {
	if c, ok := h.remoteCache[domain]; ok {
		return c, nil
	}
	ep, err := h.Registry.Resolve(domain)
	if err != nil {
		return nil, err
	}
	c, err := h.DialFunc(ep.EventQueryAddress)
	if err != nil {
		return nil, err
	}
	h.remoteCache[domain] = c
	return c, nil
}

// Fetch resolves cover to a complete book, dispatching to the local store
// when cover.Domain == LocalDomain and otherwise to the remote event-query
// service, repairing the result per spec.md §4.7 before returning.
func (h *Hybrid) Fetch(ctx context.Context, cover *pb.Cover) (*pb.EventBook, bool, error) {
	var book *pb.EventBook
	var err error
	if cover.Domain == h.LocalDomain {
		book, err = store.LoadEventBook(ctx, h.LocalEvents, h.LocalSnaps, cover)
	} else {
		var remote remoteQuery
		remote, err = h.remoteFor(cover.Domain)
		if err == nil {
			book, err = remote.GetEventBook(ctx, cover)
		}
	}
	if err != nil {
		if errs.IsNotFound(err) {
			return &pb.EventBook{Cover: cover}, true, nil
		}
		return nil, false, err
	}
	repaired, err := repair.RepairIfNeeded(ctx, queryFor(h, cover.Domain), book)
	if err != nil {
		return nil, false, err
	}
	return repaired, !repaired.IsEmpty(), nil
}

func queryFor(h *Hybrid, domain string) repair.EventQuery {
	return queryAdapter{h: h, domain: domain}
}

// queryAdapter lets RepairIfNeeded re-fetch from the right source (local or
// remote) without knowing about the Hybrid's internals.
type queryAdapter struct {
	h      *Hybrid
	domain string
}

func (q queryAdapter) GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error) {
	if q.domain == q.h.LocalDomain {
		return store.LoadEventBook(ctx, q.h.LocalEvents, q.h.LocalSnaps, cover)
	}
	remote, err := q.h.remoteFor(q.domain)
	if err != nil {
		return nil, err
	}
	return remote.GetEventBook(ctx, cover)
}

// FetchByCorrelation resolves the aggregate bearing correlationID in
// domain. There is no correlation-id index: a UUID-valued correlationID is
// used as the aggregate root and resolved through Fetch (local store or
// remote GetEventBook); any other correlationID returns InvalidArgument.
func (h *Hybrid) FetchByCorrelation(ctx context.Context, domain, correlationID string) (*pb.EventBook, bool, error) {
	if id, err := uuid.Parse(correlationID); err == nil {
		cover := &pb.Cover{Domain: domain, Root: id[:], CorrelationID: correlationID}
		return h.Fetch(ctx, cover)
	}
	return nil, false, errs.Invalid("correlation-id lookup requires a UUID-valued correlation id for domain %s", domain)
}
