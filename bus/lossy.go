package bus

import (
	"context"
	"math/rand"

	"github.com/angzarr-io/angzarr/pb"
)

// Lossy wraps a Bus and drops a configurable fraction of Publish calls,
// used by round-trip property tests to exercise receiver idempotence
// (spec.md §8's "at-least-once, with the lossy wrapper exempted").
type Lossy struct {
	Inner    Bus
	DropRate float64 // [0, 1)
	Rand     *rand.Rand
}

func NewLossy(inner Bus, dropRate float64) *Lossy {
	return &Lossy{Inner: inner, DropRate: dropRate, Rand: rand.New(rand.NewSource(1))}
}

func (l *Lossy) Publish(ctx context.Context, book *pb.EventBook) (PublishResult, error) {
	if l.Rand.Float64() < l.DropRate {
		return PublishResult{Dropped: 1}, nil
	}
	return l.Inner.Publish(ctx, book)
}

func (l *Lossy) Subscribe(name string, domainFilter string, handler Handler) error {
	return l.Inner.Subscribe(name, domainFilter, handler)
}

func (l *Lossy) StartConsuming(ctx context.Context) error { return l.Inner.StartConsuming(ctx) }
func (l *Lossy) Close() error                             { return l.Inner.Close() }
