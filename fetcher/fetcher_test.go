package fetcher

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/discovery"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/store"
)

func seedLocal(t *testing.T, events store.EventStore, cover *pb.Cover, pages int) {
	t.Helper()
	for i := 0; i < pages; i++ {
		if err := events.Append(context.Background(), cover, uint32(i), []*pb.EventPage{pb.NewEventPage(uint32(i), &anypb.Any{TypeUrl: "X"})}); err != nil {
			t.Fatalf("seed Append(%d): %v", i, err)
		}
	}
}

func TestFetchLocalDomainReadsFromLocalStore(t *testing.T) {
	events := store.NewInMemoryEventStore()
	snaps := store.NewInMemorySnapshotStore()
	cover := &pb.Cover{Domain: "orders", Root: make([]byte, 16)}
	seedLocal(t, events, cover, 3)

	h := NewHybrid("orders", events, snaps, discovery.NewRegistry())
	book, found, err := h.Fetch(context.Background(), cover)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !found {
		t.Fatal("expected found=true for a populated local aggregate")
	}
	if len(book.Pages) != 3 {
		t.Fatalf("len(pages) = %d, want 3", len(book.Pages))
	}
}

func TestFetchLocalDomainMissingAggregateReturnsEmpty(t *testing.T) {
	events := store.NewInMemoryEventStore()
	snaps := store.NewInMemorySnapshotStore()
	cover := &pb.Cover{Domain: "orders", Root: make([]byte, 16)}

	h := NewHybrid("orders", events, snaps, discovery.NewRegistry())
	book, found, err := h.Fetch(context.Background(), cover)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if found {
		t.Fatal("expected found=false for an aggregate with no history")
	}
	if !book.IsEmpty() {
		t.Fatal("expected an empty book")
	}
}

type fakeRemote struct {
	book *pb.EventBook
	err  error
	hits int
}

func (f *fakeRemote) GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error) {
	f.hits++
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

func TestFetchRemoteDomainDialsViaDiscoveryAndDialFunc(t *testing.T) {
	events := store.NewInMemoryEventStore()
	snaps := store.NewInMemorySnapshotStore()
	registry := discovery.NewRegistry()
	registry.Set("inventory", discovery.Endpoint{EventQueryAddress: "inventory-svc:9090"})

	remote := &fakeRemote{book: &pb.EventBook{
		Cover: &pb.Cover{Domain: "inventory"},
		Pages: []*pb.EventPage{pb.NewEventPage(0, &anypb.Any{TypeUrl: "StockReserved"})},
	}}
	var dialedEndpoint string
	h := NewHybrid("orders", events, snaps, registry)
	h.DialFunc = func(endpoint string) (remoteQuery, error) {
		dialedEndpoint = endpoint
		return remote, nil
	}

	book, found, err := h.Fetch(context.Background(), &pb.Cover{Domain: "inventory"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if dialedEndpoint != "inventory-svc:9090" {
		t.Fatalf("dialed endpoint = %q, want inventory-svc:9090", dialedEndpoint)
	}
	if len(book.Pages) != 1 || book.Pages[0].Event.TypeUrl != "StockReserved" {
		t.Fatalf("unexpected book: %+v", book)
	}

	// A second fetch for the same domain must reuse the cached client, not
	// redial through the registry.
	if _, _, err := h.Fetch(context.Background(), &pb.Cover{Domain: "inventory"}); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if remote.hits != 2 {
		t.Fatalf("remote.hits = %d, want 2 (cached client reused)", remote.hits)
	}
}

func TestFetchRemoteDomainNotFoundReturnsEmptyNotError(t *testing.T) {
	registry := discovery.NewRegistry()
	registry.Set("inventory", discovery.Endpoint{EventQueryAddress: "inventory-svc:9090"})
	remote := &fakeRemote{err: errs.New(errs.NotFound, "no such aggregate")}

	h := NewHybrid("orders", store.NewInMemoryEventStore(), store.NewInMemorySnapshotStore(), registry)
	h.DialFunc = func(endpoint string) (remoteQuery, error) { return remote, nil }

	book, found, err := h.Fetch(context.Background(), &pb.Cover{Domain: "inventory"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if found {
		t.Fatal("expected found=false on NotFound")
	}
	if !book.IsEmpty() {
		t.Fatal("expected an empty book")
	}
}

// TestFetchRepairsIncompleteRemoteBook matches spec.md Scenario E from the
// fetcher's perspective: a remote response that starts mid-stream is
// repaired via a second GetEventBook call before being returned.
func TestFetchRepairsIncompleteRemoteBook(t *testing.T) {
	registry := discovery.NewRegistry()
	registry.Set("inventory", discovery.Endpoint{EventQueryAddress: "inventory-svc:9090"})

	incomplete := &pb.EventBook{
		Cover: &pb.Cover{Domain: "inventory"},
		Pages: []*pb.EventPage{pb.NewEventPage(7, &anypb.Any{TypeUrl: "X"})},
	}
	complete := &pb.EventBook{
		Cover: &pb.Cover{Domain: "inventory"},
		Pages: []*pb.EventPage{
			pb.NewEventPage(0, &anypb.Any{TypeUrl: "X0"}),
			pb.NewEventPage(7, &anypb.Any{TypeUrl: "X7"}),
		},
	}

	calls := 0
	remote := &callbackRemote{fn: func() (*pb.EventBook, error) {
		calls++
		if calls == 1 {
			return incomplete, nil
		}
		return complete, nil
	}}

	h := NewHybrid("orders", store.NewInMemoryEventStore(), store.NewInMemorySnapshotStore(), registry)
	h.DialFunc = func(endpoint string) (remoteQuery, error) { return remote, nil }

	book, _, err := h.Fetch(context.Background(), &pb.Cover{Domain: "inventory"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(book.Pages) != 2 {
		t.Fatalf("expected the repaired 2-page book, got %d pages", len(book.Pages))
	}
	if calls != 2 {
		t.Fatalf("expected exactly one repair re-fetch, calls=%d", calls)
	}
}

type callbackRemote struct{ fn func() (*pb.EventBook, error) }

func (c *callbackRemote) GetEventBook(ctx context.Context, cover *pb.Cover) (*pb.EventBook, error) {
	return c.fn()
}

func TestFetchByCorrelationRequiresUUID(t *testing.T) {
	h := NewHybrid("orders", store.NewInMemoryEventStore(), store.NewInMemorySnapshotStore(), discovery.NewRegistry())
	_, _, err := h.FetchByCorrelation(context.Background(), "orders", "not-a-uuid")
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.InvalidArgument {
		t.Fatalf("expected InvalidArgument for a non-UUID correlation id, got %v", err)
	}
}

func TestFetchByCorrelationResolvesLocalRootFromUUID(t *testing.T) {
	events := store.NewInMemoryEventStore()
	snaps := store.NewInMemorySnapshotStore()
	h := NewHybrid("orders", events, snaps, discovery.NewRegistry())

	id := "f47ac10b-58cc-0372-8567-0e02b2c3d479"
	book, _, err := h.FetchByCorrelation(context.Background(), "orders", id)
	if err != nil {
		t.Fatalf("FetchByCorrelation: %v", err)
	}
	if book.Cover.CorrelationID != id {
		t.Fatalf("expected the resolved cover to carry the correlation id, got %q", book.Cover.CorrelationID)
	}
}
