package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/metrics"
	"github.com/angzarr-io/angzarr/pb"
)

// Channel is the in-process broadcast transport: every subscriber receives
// every published message matching its domain filter. Used for the
// embedded runtime (MESSAGING_TYPE=channel) and by tests.
type Channel struct {
	registry
	log       *zap.Logger
	offloader *Offloader
	dlq       DeadLetterWriter
	source    string

	consuming atomic.Bool
	queue     chan *pb.EventBook
	wg        sync.WaitGroup
}

func NewChannel(log *zap.Logger, offloader *Offloader, source string) *Channel {
	return &Channel{log: log, offloader: offloader, source: source, queue: make(chan *pb.EventBook, 256)}
}

// SetDeadLetterWriter wires a DLQ writer after construction, since the DLQ
// is itself usually backed by this same bus.
func (c *Channel) SetDeadLetterWriter(dlq DeadLetterWriter) { c.dlq = dlq }

func (c *Channel) Publish(ctx context.Context, book *pb.EventBook) (PublishResult, error) {
	offloadedBook, offloadedCount, err := c.offloader.OffloadBook(ctx, book)
	if err != nil {
		return PublishResult{}, err
	}
	book = offloadedBook
	matches := c.matching(book.Cover.Domain)
	select {
	case c.queue <- book:
	case <-ctx.Done():
		return PublishResult{}, ctx.Err()
	}
	metrics.EventsPublished.WithLabelValues(book.Cover.Domain).Inc()
	return PublishResult{Delivered: len(matches), Offloaded: offloadedCount}, nil
}

func (c *Channel) Subscribe(name string, domainFilter string, handler Handler) error {
	c.add(&Subscription{Name: name, DomainFilter: domainFilter, Handler: handler})
	return nil
}

func (c *Channel) StartConsuming(ctx context.Context) error {
	if !c.consuming.CompareAndSwap(false, true) {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case book, ok := <-c.queue:
				if !ok {
					return
				}
				c.deliver(ctx, book)
			}
		}
	}()
	return nil
}

func (c *Channel) deliver(ctx context.Context, book *pb.EventBook) {
	rehydrated, err := c.offloader.RehydrateBook(ctx, book)
	if err != nil {
		c.log.Error("rehydrate failed", zap.Error(err))
		if c.dlq != nil {
			_ = c.dlq.Write(ctx, DLQEnvelope{Cover: book.Cover, Payload: book, Reason: err.Error(), Detail: "IntegrityFailed", SourceComponent: c.source, SourceKind: "bus:channel"})
		}
		return
	}
	for _, sub := range c.matching(book.Cover.Domain) {
		_ = dispatchOne(ctx, c.log, c.dlq, c.source, sub, rehydrated)
	}
}

func (c *Channel) Close() error {
	close(c.queue)
	c.wg.Wait()
	return nil
}
