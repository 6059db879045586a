// Package gateway implements the command gateway (spec.md §4.8): routes
// commands to aggregate coordinators by cover.domain and streams matching
// events back to clients by correlation id, observing client disconnect
// within one message round-trip.
package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/bus"
	"github.com/angzarr-io/angzarr/discovery"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/executor"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/repair"
)

// Gateway routes commands and streams events by correlation id.
type Gateway struct {
	Registry *discovery.Registry
	Executor executor.Executor
	Bus      bus.Bus
	Log      *zap.Logger

	MaxStreamCount      int
	InactivityTimeout   time.Duration

	mu          sync.RWMutex
	byCorrelation map[string][]chan *pb.EventBook
}

func New(registry *discovery.Registry, exec executor.Executor, b bus.Bus, log *zap.Logger, inactivityTimeout time.Duration) *Gateway {
	g := &Gateway{
		Registry: registry, Executor: exec, Bus: b, Log: log,
		MaxStreamCount: 0, InactivityTimeout: inactivityTimeout,
		byCorrelation: make(map[string][]chan *pb.EventBook),
	}
	return g
}

// Start subscribes once to every domain ("" filter = all) so
// correlation-keyed fan-out can demultiplex locally; a production
// deployment would instead subscribe per active correlation id against a
// narrower bus filter where the transport supports it.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Bus.Subscribe("gateway", "", func(ctx context.Context, book *pb.EventBook) error {
		g.fanOut(book)
		return nil
	}); err != nil {
		return err
	}
	return g.Bus.StartConsuming(ctx)
}

func (g *Gateway) fanOut(book *pb.EventBook) {
	g.mu.RLock()
	chans := append([]chan *pb.EventBook(nil), g.byCorrelation[book.Cover.CorrelationID]...)
	g.mu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- book:
		default:
			g.Log.Warn("dropping event for slow gateway stream consumer", zap.String("correlation_id", book.Cover.CorrelationID))
		}
	}
}

func (g *Gateway) subscribeCorrelation(correlationID string) chan *pb.EventBook {
	ch := make(chan *pb.EventBook, 64)
	g.mu.Lock()
	g.byCorrelation[correlationID] = append(g.byCorrelation[correlationID], ch)
	g.mu.Unlock()
	return ch
}

// unsubscribeCorrelation closes the upstream fan-out registration for ch,
// the mechanism that lets Execute_Stream close its subscription within one
// message round-trip of a client disconnect (spec.md §8).
func (g *Gateway) unsubscribeCorrelation(correlationID string, ch chan *pb.EventBook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.byCorrelation[correlationID]
	for i, c := range chans {
		if c == ch {
			g.byCorrelation[correlationID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(g.byCorrelation[correlationID]) == 0 {
		delete(g.byCorrelation, correlationID)
	}
}

// Execute routes cmd to its domain's coordinator and returns the
// synchronous response.
func (g *Gateway) Execute(ctx context.Context, cmd *pb.CommandBook) (*pb.CommandResponse, error) {
	outcome, err := g.Executor.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch outcome.Kind {
	case executor.Success:
		return outcome.Response, nil
	case executor.Retryable:
		return nil, errs.Wrap(errs.Transport, "command execution retryable", errs.New(errs.Transport, outcome.Reason))
	default:
		return nil, errs.Rejected("%s", outcome.Reason)
	}
}

// StreamSink receives events/errors for ExecuteStream; Send returning an
// error (client disconnect) tells ExecuteStream to stop and close the
// upstream subscription.
type StreamSink interface {
	Send(item *pb.ExecuteStreamItem) error
}

// ExecuteStream ensures cmd carries a correlation id, opens a correlation
// subscription, forwards the command, sends the synchronous response
// first, then streams further events until max count, inactivity timeout,
// or client disconnect (detected via sink.Send failing).
func (g *Gateway) ExecuteStream(ctx context.Context, cmd *pb.CommandBook, sink StreamSink) error {
	if cmd.Cover.CorrelationID == "" {
		return errs.Invalid("execute_stream requires a correlation id")
	}
	correlationID := cmd.Cover.CorrelationID

	ch := g.subscribeCorrelation(correlationID)
	defer g.unsubscribeCorrelation(correlationID, ch)

	resp, err := g.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if err := sink.Send(&pb.ExecuteStreamItem{Response: resp}); err != nil {
		return nil // client already gone; upstream subscription closes via defer
	}

	count := 0
	timeout := g.InactivityTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case book, ok := <-ch:
			if !ok {
				return nil
			}
			if err := sink.Send(&pb.ExecuteStreamItem{Event: book}); err != nil {
				return nil // disconnect: defer unsubscribes immediately
			}
			count++
			if g.MaxStreamCount > 0 && count >= g.MaxStreamCount {
				return nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)
		}
	}
}

// GetEventBook resolves q via the domain's event-query endpoint.
func (g *Gateway) GetEventBook(ctx context.Context, q *pb.Query) (*pb.EventBook, error) {
	ep, err := g.Registry.Resolve(q.Cover.Domain)
	if err != nil {
		return nil, err
	}
	client, err := repair.DialClient(ep.EventQueryAddress)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "dial event query", err)
	}
	return client.GetEventBook(ctx, q.Cover)
}

// Subscribe implements EventStreamService.Subscribe: a raw correlation-id
// filtered stream with no command side effect, used by out-of-band
// observers (e.g. a topology UI).
func (g *Gateway) Subscribe(ctx context.Context, correlationID string, send func(*pb.EventBook) error) error {
	ch := g.subscribeCorrelation(correlationID)
	defer g.unsubscribeCorrelation(correlationID, ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case book, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(book); err != nil {
				return nil
			}
		}
	}
}
