// Package bus implements the typed pub/sub abstraction event producers and
// subscribers (sagas, process managers, projectors) talk to: an in-process
// channel transport, a named-pipe IPC transport with checkpointing, an AMQP
// transport, and a lossy test wrapper, all sharing payload-offload and
// dead-letter plumbing.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/metrics"
	"github.com/angzarr-io/angzarr/payloadstore"
	"github.com/angzarr-io/angzarr/pb"
)

// Handler processes one delivered EventBook. Returning an error nacks the
// message for transport-level retry; a DecodeError-classified error is
// instead ack-and-dropped by the caller without retry.
type Handler func(ctx context.Context, book *pb.EventBook) error

// PublishResult summarizes the outcome of one Publish call.
type PublishResult struct {
	Delivered int
	Dropped   int
	Offloaded int
}

// Bus is the contract every transport implements.
type Bus interface {
	// Publish delivers book at-least-once to every matching subscriber.
	Publish(ctx context.Context, book *pb.EventBook) (PublishResult, error)
	// Subscribe registers handler under name, filtered to domainFilter
	// ("" means all domains). Must be called before StartConsuming.
	Subscribe(name string, domainFilter string, handler Handler) error
	// StartConsuming begins dispatching to registered handlers.
	StartConsuming(ctx context.Context) error
	// Close releases transport resources.
	Close() error
}

// DLQEnvelope is the structured rejection record written to the dead-letter
// stream, per spec.md §7.
type DLQEnvelope struct {
	Cover           *pb.Cover
	Payload         interface{} // *pb.EventBook or *pb.CommandBook
	Reason          string
	Detail          string // e.g. "EventProcessingFailed", "SequenceMismatch"
	SourceComponent string
	SourceKind      string
	Timestamp       time.Time
}

// DeadLetterWriter receives envelopes a subscriber or coordinator could not
// process. A Bus-backed implementation publishes them to a reserved
// "_dlq" domain so any consumer can drain them the way it drains a normal
// subscription.
type DeadLetterWriter interface {
	Write(ctx context.Context, env DLQEnvelope) error
}

// BusDLQ publishes envelopes to the underlying bus under the reserved
// "_dlq" domain, matching the discovery registry's "reserved names begin
// with _" convention from spec.md §3.
type BusDLQ struct {
	Bus Bus
	Log *zap.Logger
}

func encodeDLQPayload(env DLQEnvelope) (*anypb.Any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(errs.DecodeError, "encode dlq envelope", err)
	}
	return &anypb.Any{TypeUrl: "type.googleapis.com/angzarr.v1.DLQEnvelope", Value: data}, nil
}

func (d *BusDLQ) Write(ctx context.Context, env DLQEnvelope) error {
	d.Log.Warn("dead-lettering message",
		zap.String("domain", env.Cover.Domain),
		zap.String("reason", env.Reason),
		zap.String("detail", env.Detail),
		zap.String("source_component", env.SourceComponent),
	)
	metrics.DeadLettered.WithLabelValues(env.SourceComponent, env.Detail).Inc()
	anyPayload, err := encodeDLQPayload(env)
	if err != nil {
		return err
	}
	book := &pb.EventBook{
		Cover: &pb.Cover{Domain: "_dlq", Root: env.Cover.Root, CorrelationID: env.Cover.CorrelationID, Edition: env.Cover.Edition},
		Pages: []*pb.EventPage{pb.NewForcedEventPage(anyPayload)},
	}
	_, err = d.Bus.Publish(ctx, book)
	return err
}

// OffloadThreshold is the default encoded-size threshold (bytes) above
// which a page's event payload is externalized to the payload store.
const OffloadThreshold = 256 * 1024

// Offloader rehydrates/offloads page payloads against a payload store,
// shared by every transport's publish/dispatch path.
type Offloader struct {
	Store     payloadstore.Store
	Threshold int
}

func NewOffloader(store payloadstore.Store, threshold int) *Offloader {
	if threshold <= 0 {
		threshold = OffloadThreshold
	}
	return &Offloader{Store: store, Threshold: threshold}
}

// OffloadBook externalizes any page whose event payload exceeds the
// threshold, replacing it with a PayloadReference.
func (o *Offloader) OffloadBook(ctx context.Context, book *pb.EventBook) (*pb.EventBook, int, error) {
	if o == nil || o.Store == nil {
		return book, 0, nil
	}
	offloaded := 0
	out := *book
	out.Pages = make([]*pb.EventPage, len(book.Pages))
	for i, p := range book.Pages {
		cp := *p
		if p.Event != nil && len(p.Event.Value) > o.Threshold {
			encoded, err := json.Marshal(p.Event)
			if err != nil {
				return nil, 0, errs.Wrap(errs.DecodeError, "encode event for offload", err)
			}
			ref, err := o.Store.Put(ctx, encoded)
			if err != nil {
				return nil, 0, err
			}
			cp.PayloadReference = ref
			cp.Event = nil
			offloaded++
		}
		out.Pages[i] = &cp
	}
	return &out, offloaded, nil
}

// RehydrateBook resolves every PayloadReference page back to an inline
// event before a handler sees it. Returns errs.IntegrityFailed if any
// resolution fails its content-hash check.
func (o *Offloader) RehydrateBook(ctx context.Context, book *pb.EventBook) (*pb.EventBook, error) {
	if o == nil || o.Store == nil {
		return book, nil
	}
	needsWork := false
	for _, p := range book.Pages {
		if p.PayloadReference != nil {
			needsWork = true
			break
		}
	}
	if !needsWork {
		return book, nil
	}
	out := *book
	out.Pages = make([]*pb.EventPage, len(book.Pages))
	for i, p := range book.Pages {
		cp := *p
		if p.PayloadReference != nil {
			data, err := o.Store.Get(ctx, p.PayloadReference)
			if err != nil {
				return nil, err
			}
			var event anypb.Any
			if err := json.Unmarshal(data, &event); err != nil {
				return nil, errs.Wrap(errs.IntegrityFailed, "decode rehydrated event", err)
			}
			cp.Event = &event
			cp.PayloadReference = nil
		}
		out.Pages[i] = &cp
	}
	return &out, nil
}

// Subscription is the registered-handler record every transport keeps.
type Subscription struct {
	Name         string
	DomainFilter string
	Handler      Handler
}

func (s *Subscription) matches(domain string) bool {
	return s.DomainFilter == "" || s.DomainFilter == domain
}

// registry is a small helper embedded by each transport to hold its
// subscriber list under a mutex.
type registry struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, sub)
}

func (r *registry) matching(domain string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.subs {
		if s.matches(domain) {
			out = append(out, s)
		}
	}
	return out
}

// dispatchOne runs handler against book, classifying a returned error with
// errs.KindOf: DecodeError is ack-and-dropped, everything else is reported
// to dlq (the transport's own nack/retry policy governs whether the
// caller retries before reaching this point).
func dispatchOne(ctx context.Context, log *zap.Logger, dlq DeadLetterWriter, sourceComponent string, sub *Subscription, book *pb.EventBook) error {
	err := sub.Handler(ctx, book)
	if err == nil {
		return nil
	}
	kind := errs.KindOf(err)
	if kind == errs.DecodeError {
		log.Warn("dropping malformed message", zap.String("subscriber", sub.Name), zap.Error(err))
		return nil
	}
	if dlq != nil {
		_ = dlq.Write(ctx, DLQEnvelope{
			Cover:           book.Cover,
			Payload:         book,
			Reason:          err.Error(),
			Detail:          detailFor(kind),
			SourceComponent: sourceComponent,
			SourceKind:      "subscriber:" + sub.Name,
			Timestamp:       time.Now().UTC(),
		})
	}
	return err
}

func detailFor(k errs.Kind) string {
	switch k {
	case errs.SequenceConflict:
		return "SequenceMismatch"
	case errs.IntegrityFailed:
		return "IntegrityFailed"
	default:
		return "EventProcessingFailed"
	}
}
