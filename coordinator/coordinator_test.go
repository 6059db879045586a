package coordinator

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/bus"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/payloadstore"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/store"
)

func testCover(correlation string) *pb.Cover {
	return &pb.Cover{Domain: "orders", Root: make([]byte, 16), CorrelationID: correlation}
}

func echoHandler(eventTypeURL string) HandlerFunc {
	return func(ctx context.Context, prior *pb.EventBook, cmd *pb.CommandBook) (*pb.EventBook, error) {
		return &pb.EventBook{
			Cover: cmd.Cover,
			Pages: []*pb.EventPage{pb.NewEventPage(0, &anypb.Any{TypeUrl: eventTypeURL})},
		}, nil
	}
}

func newTestCoordinator(handler Handler) (*Coordinator, store.EventStore) {
	events := store.NewInMemoryEventStore()
	snaps := store.NewInMemorySnapshotStore()
	b := bus.NewChannel(zap.NewNop(), bus.NewOffloader(payloadstore.NewInMemory(), bus.OffloadThreshold), "test")
	return New("orders", handler, events, snaps, b, zap.NewNop()), events
}

func TestHandlePersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	c, events := newTestCoordinator(echoHandler("OrderCreated"))

	cmd := &pb.CommandBook{
		Cover: testCover(""),
		Pages: []*pb.CommandPage{{Num: 0, Command: &anypb.Any{}}},
	}
	resp, err := c.Handle(ctx, cmd)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Cover.CorrelationID == "" {
		t.Fatal("expected a deterministic correlation id to be generated")
	}
	if len(resp.Events.Pages) != 1 {
		t.Fatalf("len(pages) = %d, want 1", len(resp.Events.Pages))
	}

	pages, err := events.Pages(ctx, cmd.Cover, 0, false, 0)
	if err != nil || len(pages) != 1 {
		t.Fatalf("store pages = (%d, %v), want 1 page", len(pages), err)
	}
}

// conflictOnceStore wraps an EventStore and, on the first Append for a
// given root, injects a competing writer's page directly into the
// underlying store before delegating, forcing the real store to observe a
// genuine sequence conflict -- deterministically reproducing the race in
// spec.md Scenario A without relying on goroutine scheduling.
type conflictOnceStore struct {
	store.EventStore
	mu        sync.Mutex
	triggered bool
	inject    func(ctx context.Context) error
}

func (c *conflictOnceStore) Append(ctx context.Context, cover *pb.Cover, expectedNextSequence uint32, pages []*pb.EventPage) error {
	c.mu.Lock()
	first := !c.triggered
	c.triggered = true
	c.mu.Unlock()
	if first && expectedNextSequence == 0 {
		if err := c.inject(ctx); err != nil {
			return err
		}
	}
	return c.EventStore.Append(ctx, cover, expectedNextSequence, pages)
}

// TestHandleScenarioAAutoResequenceWinsRace reproduces spec.md Scenario A:
// a concurrent writer commits first; the auto_resequence loop reloads
// state and retries, landing its own event at the next sequence.
func TestHandleScenarioAAutoResequenceWinsRace(t *testing.T) {
	ctx := context.Background()
	underlying := store.NewInMemoryEventStore()
	cover := testCover("order-1")

	wrapped := &conflictOnceStore{EventStore: underlying}
	wrapped.inject = func(ctx context.Context) error {
		return underlying.Append(ctx, cover, 0, []*pb.EventPage{pb.NewEventPage(0, &anypb.Any{TypeUrl: "OrderCreated"})})
	}

	snaps := store.NewInMemorySnapshotStore()
	b := bus.NewChannel(zap.NewNop(), bus.NewOffloader(payloadstore.NewInMemory(), bus.OffloadThreshold), "test")
	c := New("orders", echoHandler("ItemAdded"), wrapped, snaps, b, zap.NewNop())

	cmd := &pb.CommandBook{
		Cover:          cover,
		AutoResequence: true,
		Pages:          []*pb.CommandPage{{Num: 0, Command: &anypb.Any{}, MergeStrategy: pb.MergeAutoResequence}},
	}
	resp, err := c.Handle(ctx, cmd)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if seq, _ := resp.Events.Pages[0].Sequence(); seq != 1 {
		t.Fatalf("retried event landed at sequence %d, want 1", seq)
	}

	pages, err := underlying.Pages(ctx, cover, 0, false, 0)
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("len(pages) = %d, want 2 ([OrderCreated@0, ItemAdded@1])", len(pages))
	}
	if pages[0].Event.TypeUrl != "OrderCreated" || pages[1].Event.TypeUrl != "ItemAdded" {
		t.Fatalf("unexpected event order: %s, %s", pages[0].Event.TypeUrl, pages[1].Event.TypeUrl)
	}
}

func TestHandleRejectsEmptyDomain(t *testing.T) {
	c, _ := newTestCoordinator(echoHandler("X"))
	_, err := c.Handle(context.Background(), &pb.CommandBook{Cover: &pb.Cover{}})
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestHandleNonRetryableRejectionSurfacesImmediately(t *testing.T) {
	attempts := 0
	handler := HandlerFunc(func(ctx context.Context, prior *pb.EventBook, cmd *pb.CommandBook) (*pb.EventBook, error) {
		attempts++
		return nil, errs.Rejected("business rule violated")
	})
	c, _ := newTestCoordinator(handler)
	cmd := &pb.CommandBook{Cover: testCover(""), AutoResequence: true}

	_, err := c.Handle(context.Background(), cmd)
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.CommandRejected {
		t.Fatalf("expected CommandRejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (rejections must not retry)", attempts)
	}
}

// TestHandleSyncSpeculativeDoesNotPersistOrPublish enforces the boundary
// behavior named explicitly in spec.md §8.
func TestHandleSyncSpeculativeDoesNotPersistOrPublish(t *testing.T) {
	ctx := context.Background()
	c, events := newTestCoordinator(echoHandler("WouldBePersisted"))

	cover := testCover("")
	resp, err := c.HandleSyncSpeculative(ctx, &pb.CommandBook{Cover: cover}, &pb.EventBook{Cover: cover})
	if err != nil {
		t.Fatalf("HandleSyncSpeculative: %v", err)
	}
	if len(resp.Events.Pages) != 1 {
		t.Fatalf("expected a speculative event in the response, got %d pages", len(resp.Events.Pages))
	}

	pages, err := events.Pages(ctx, cover, 0, false, 0)
	if err != nil {
		t.Fatalf("Pages: %v", err)
	}
	if len(pages) != 0 {
		t.Fatalf("speculative handling must not persist, found %d pages", len(pages))
	}
}

func TestHandleSyncRunsProjectorsInlineWithoutRollingBackPersist(t *testing.T) {
	ctx := context.Background()
	c, events := newTestCoordinator(echoHandler("OrderCreated"))

	cmd := &pb.CommandBook{Cover: testCover("")}
	projectorCalled := false
	resp, err := c.HandleSync(ctx, cmd, map[string]SyncProjector{
		"failing-projector": func(ctx context.Context, events *pb.EventBook) (*pb.Projection, error) {
			projectorCalled = true
			return nil, errs.Wrap(errs.HandlerFailed, "projector threw", nil)
		},
	})
	if err != nil {
		t.Fatalf("HandleSync: %v", err)
	}
	if !projectorCalled {
		t.Fatal("expected the sync projector to run inline")
	}
	if _, ok := resp.Projections["failing-projector"]; ok {
		t.Fatal("a failed projector should not appear in the response's Projections map")
	}

	pages, err := events.Pages(ctx, cmd.Cover, 0, false, 0)
	if err != nil || len(pages) != 1 {
		t.Fatalf("persist should have succeeded despite projector failure: pages=%d err=%v", len(pages), err)
	}
}

func TestAssignSequencesRelabelsRegardlessOfCommandPageCount(t *testing.T) {
	prior := &pb.EventBook{NextSequence: 5}
	events := &pb.EventBook{
		Cover: testCover(""),
		Pages: []*pb.EventPage{
			pb.NewEventPage(0, &anypb.Any{TypeUrl: "A"}),
			pb.NewEventPage(0, &anypb.Any{TypeUrl: "B"}),
			pb.NewEventPage(0, &anypb.Any{TypeUrl: "C"}),
		},
	}
	out := assignSequences(prior, events)
	if out.NextSequence != 8 {
		t.Fatalf("NextSequence = %d, want 8", out.NextSequence)
	}
	for i, p := range out.Pages {
		if seq, _ := p.Sequence(); seq != uint32(5+i) {
			t.Fatalf("page %d sequence = %d, want %d", i, seq, 5+i)
		}
	}
}
