package bus

import (
	"context"
	"testing"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/pb"
)

type countingBus struct {
	published int
}

func (c *countingBus) Publish(ctx context.Context, book *pb.EventBook) (PublishResult, error) {
	c.published++
	return PublishResult{Delivered: 1}, nil
}
func (c *countingBus) Subscribe(name string, domainFilter string, handler Handler) error { return nil }
func (c *countingBus) StartConsuming(ctx context.Context) error                          { return nil }
func (c *countingBus) Close() error                                                      { return nil }

func TestLossyDropsSomePublishes(t *testing.T) {
	inner := &countingBus{}
	lossy := NewLossy(inner, 0.5)

	book := &pb.EventBook{
		Cover: &pb.Cover{Domain: "orders", Root: make([]byte, 16)},
		Pages: []*pb.EventPage{pb.NewEventPage(0, &anypb.Any{})},
	}

	dropped := 0
	for i := 0; i < 200; i++ {
		result, err := lossy.Publish(context.Background(), book)
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if result.Dropped == 1 {
			dropped++
		}
	}
	if dropped == 0 || dropped == 200 {
		t.Fatalf("expected a mix of dropped/delivered with DropRate=0.5, dropped=%d/200", dropped)
	}
	if inner.published != 200-dropped {
		t.Fatalf("inner.published = %d, want %d", inner.published, 200-dropped)
	}
}

func TestLossyZeroDropRateAlwaysDelivers(t *testing.T) {
	inner := &countingBus{}
	lossy := NewLossy(inner, 0)
	book := &pb.EventBook{Cover: &pb.Cover{Domain: "orders", Root: make([]byte, 16)}}

	for i := 0; i < 20; i++ {
		if _, err := lossy.Publish(context.Background(), book); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if inner.published != 20 {
		t.Fatalf("published = %d, want 20", inner.published)
	}
}
