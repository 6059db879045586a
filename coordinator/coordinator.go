// Package coordinator implements the aggregate coordinator (spec.md §4.1):
// transactional command execution with optimistic concurrency,
// auto-resequencing retries, snapshot materialization, and at-least-once
// publication to the event bus.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/bus"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/metrics"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/repair"
	"github.com/angzarr-io/angzarr/retry"
	"github.com/angzarr-io/angzarr/store"
)

// CorrelationNamespace is the fixed UUID namespace used to derive a
// deterministic correlation id from a command's bytes when the caller left
// Cover.CorrelationID empty.
var CorrelationNamespace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

// Handler is the pure user-supplied domain handler: given prior state and
// an incoming command, it returns the new events (or a classified error).
// It must not perform its own I/O; the coordinator owns all suspension
// points.
type Handler interface {
	Handle(ctx context.Context, prior *pb.EventBook, cmd *pb.CommandBook) (*pb.EventBook, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, prior *pb.EventBook, cmd *pb.CommandBook) (*pb.EventBook, error)

func (f HandlerFunc) Handle(ctx context.Context, prior *pb.EventBook, cmd *pb.CommandBook) (*pb.EventBook, error) {
	return f(ctx, prior, cmd)
}

// RebuildStateFunc materializes a snapshot from the full EventBook,
// provided at registration alongside Handler (spec.md §4.1 step 7).
type RebuildStateFunc func(ctx context.Context, book *pb.EventBook) (*pb.Snapshot, error)

// SnapshotPolicy decides whether to snapshot after a persist. The default
// (every N events) is provided by EveryNEvents.
type SnapshotPolicy func(book *pb.EventBook) bool

// EveryNEvents snapshots once NextSequence is a multiple of n (n>0).
func EveryNEvents(n uint32) SnapshotPolicy {
	return func(book *pb.EventBook) bool {
		return n > 0 && book.NextSequence > 0 && book.NextSequence%n == 0
	}
}

// Coordinator runs the per-command algorithm for one domain.
type Coordinator struct {
	Domain         string
	Handler        Handler
	RebuildState   RebuildStateFunc
	SnapshotPolicy SnapshotPolicy

	Events    store.EventStore
	Snapshots store.SnapshotStore
	Bus       bus.Bus
	Query     repair.EventQuery // used to repair an incomplete embedded prior state

	Retry retry.Policy
	Log   *zap.Logger
}

func New(domain string, handler Handler, events store.EventStore, snapshots store.SnapshotStore, b bus.Bus, log *zap.Logger) *Coordinator {
	return &Coordinator{
		Domain:    domain,
		Handler:   handler,
		Events:    events,
		Snapshots: snapshots,
		Bus:       b,
		Retry:     retry.AutoResequence,
		Log:       log,
	}
}

// Handle implements AggregateCoordinatorService.Handle.
func (c *Coordinator) Handle(ctx context.Context, cmd *pb.CommandBook) (*pb.CommandResponse, error) {
	return c.handle(ctx, cmd, nil)
}

// HandleSync implements AggregateCoordinatorService.HandleSync: like
// Handle, but fans the persisted events out to the named projectors inline
// and returns their Projection outputs in the response.
func (c *Coordinator) HandleSync(ctx context.Context, cmd *pb.CommandBook, projectors map[string]SyncProjector) (*pb.CommandResponse, error) {
	return c.handle(ctx, cmd, projectors)
}

// SyncProjector is invoked inline by HandleSync. A failing projector is
// logged and left out of the response's Projections; HandleSync returns no
// error for it and never rolls back the already-durable persist.
type SyncProjector func(ctx context.Context, events *pb.EventBook) (*pb.Projection, error)

// HandleSyncSpeculative runs the handler against caller-supplied state
// without any persist or publish, per spec.md §8's speculative-execution
// boundary behavior.
func (c *Coordinator) HandleSyncSpeculative(ctx context.Context, cmd *pb.CommandBook, currentState *pb.EventBook) (*pb.CommandResponse, error) {
	cover := effectiveCover(cmd)
	prior := currentState
	if prior == nil {
		var err error
		prior, err = store.LoadEventBook(ctx, c.Events, c.Snapshots, cover)
		if err != nil {
			return nil, err
		}
	}
	events, err := c.Handler.Handle(ctx, prior, cmd)
	if err != nil {
		return nil, err
	}
	relabeled := assignSequences(prior, events)
	return &pb.CommandResponse{Cover: cover, Events: relabeled}, nil
}

func effectiveCover(cmd *pb.CommandBook) *pb.Cover {
	cover := cmd.Cover
	if cover.CorrelationID == "" {
		data, _ := json.Marshal(cmd)
		sum := sha256.Sum256(data)
		cc := *cover
		cc.CorrelationID = uuid.NewSHA1(CorrelationNamespace, sum[:]).String()
		return &cc
	}
	return cover
}

func (c *Coordinator) handle(ctx context.Context, cmd *pb.CommandBook, syncProjectors map[string]SyncProjector) (*pb.CommandResponse, error) {
	start := time.Now()
	defer func() {
		metrics.CommandLatency.WithLabelValues(c.Domain).Observe(time.Since(start).Seconds())
	}()

	cover := effectiveCover(cmd)
	if cover.Domain == "" {
		return nil, errs.Invalid("command cover has empty domain")
	}
	cmd = withCover(cmd, cover)

	if cmd.PriorState != nil {
		repaired, err := repair.RepairIfNeeded(ctx, c.Query, cmd.PriorState)
		if err != nil {
			return nil, err
		}
		cmd = withPriorState(cmd, repaired)
	}

	var response *pb.CommandResponse
	attempts, err := retry.Do(ctx, c.retryPolicy(cmd), func(attempt int) error {
		prior, events, perr := c.loadAndInvoke(ctx, cmd)
		if perr != nil {
			if e, ok := errs.As(perr); ok && !e.Retryable() {
				return retry.GiveUp(perr)
			}
			return perr
		}
		relabeled := assignSequences(prior, events)
		if err := c.persist(ctx, cover, prior, relabeled, mergeStrategyOf(cmd)); err != nil {
			if e, ok := errs.As(err); ok {
				switch {
				case e.Kind == errs.SequenceConflict && cmd.AutoResequence:
					return err // retry the whole prepare/invoke/persist cycle
				case !e.Retryable():
					return retry.GiveUp(err)
				}
			}
			return err
		}
		c.maybeSnapshot(ctx, relabeled)
		c.publish(ctx, relabeled)
		response = &pb.CommandResponse{Cover: cover, Events: relabeled}
		if syncProjectors != nil {
			response.Projections = c.runSyncProjectors(ctx, relabeled, syncProjectors)
		}
		return nil
	})
	if err != nil {
		c.Log.Warn("command failed", zap.String("domain", c.Domain), zap.Int("attempts", attempts), zap.Error(err))
		metrics.CommandsHandled.WithLabelValues(c.Domain, outcomeLabel(err)).Inc()
		return nil, err
	}
	metrics.CommandsHandled.WithLabelValues(c.Domain, "success").Inc()
	return response, nil
}

func outcomeLabel(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Kind.String()
	}
	return "error"
}

func (c *Coordinator) retryPolicy(cmd *pb.CommandBook) retry.Policy {
	if cmd.AutoResequence {
		return c.Retry
	}
	return retry.Policy{Base: c.Retry.Base, Cap: c.Retry.Cap, MaxRetries: 0}
}

func mergeStrategyOf(cmd *pb.CommandBook) pb.MergeStrategy {
	if len(cmd.Pages) == 0 {
		return pb.MergeReject
	}
	return cmd.Pages[0].MergeStrategy
}

func withCover(cmd *pb.CommandBook, cover *pb.Cover) *pb.CommandBook {
	cc := *cmd
	cc.Cover = cover
	return &cc
}

func withPriorState(cmd *pb.CommandBook, prior *pb.EventBook) *pb.CommandBook {
	cc := *cmd
	cc.PriorState = prior
	return &cc
}

func (c *Coordinator) loadAndInvoke(ctx context.Context, cmd *pb.CommandBook) (*pb.EventBook, *pb.EventBook, error) {
	prior := cmd.PriorState
	if prior == nil {
		var err error
		prior, err = store.LoadEventBook(ctx, c.Events, c.Snapshots, cmd.Cover)
		if err != nil {
			return nil, nil, err
		}
	}
	events, err := c.Handler.Handle(ctx, prior, cmd)
	if err != nil {
		return prior, nil, err
	}
	return prior, events, nil
}

// assignSequences relabels the handler's output events onto
// next_sequence, next_sequence+1, ... regardless of how many pages the
// triggering command carried (spec.md §4.1 step 5), leaving Force pages
// (meta-aggregate writes) untouched.
func assignSequences(prior *pb.EventBook, events *pb.EventBook) *pb.EventBook {
	if events == nil {
		return &pb.EventBook{Cover: prior.Cover, NextSequence: prior.NextSequence}
	}
	next := prior.NextSequence
	out := make([]*pb.EventPage, 0, len(events.Pages))
	for _, p := range events.Pages {
		cp := *p
		if _, force := p.Sequence(); force {
			out = append(out, &cp)
			continue
		}
		cp.ForceSet = false
		cp.Num = next
		next++
		out = append(out, &cp)
	}
	return &pb.EventBook{Cover: events.Cover, Pages: out, NextSequence: next}
}

// persist applies the command's MergeStrategy on a sequence conflict;
// MergeCommutative re-labels onto the store's advanced sequence and
// commits, everything else surfaces the conflict to the retry loop.
func (c *Coordinator) persist(ctx context.Context, cover *pb.Cover, prior *pb.EventBook, events *pb.EventBook, strategy pb.MergeStrategy) error {
	if len(events.Pages) == 0 {
		return nil
	}
	expected := prior.NextSequence
	err := c.Events.Append(ctx, cover, expected, events.Pages)
	if err == nil {
		return nil
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.SequenceConflict {
		return err
	}
	switch strategy {
	case pb.MergeCommutative:
		actual, nerr := c.Events.NextSequence(ctx, cover)
		if nerr != nil {
			return nerr
		}
		relabeled := assignSequences(&pb.EventBook{NextSequence: actual}, events)
		return c.Events.Append(ctx, cover, actual, relabeled.Pages)
	default:
		return err
	}
}

func (c *Coordinator) maybeSnapshot(ctx context.Context, events *pb.EventBook) {
	if c.RebuildState == nil || c.SnapshotPolicy == nil || !c.SnapshotPolicy(events) {
		return
	}
	full, err := store.LoadEventBook(ctx, c.Events, c.Snapshots, events.Cover)
	if err != nil {
		c.Log.Warn("snapshot load failed", zap.Error(err))
		return
	}
	snap, err := c.RebuildState(ctx, full)
	if err != nil {
		c.Log.Warn("snapshot rebuild failed", zap.Error(err))
		return
	}
	if err := c.Snapshots.Put(ctx, events.Cover, snap); err != nil {
		c.Log.Warn("snapshot write failed", zap.Error(err))
	}
}

// publish delivers events to the bus at-least-once; failure is logged, not
// returned, since the persist already succeeded and receivers must be
// idempotent (spec.md §4.1 step 8).
func (c *Coordinator) publish(ctx context.Context, events *pb.EventBook) {
	if c.Bus == nil || len(events.Pages) == 0 {
		return
	}
	if _, err := c.Bus.Publish(ctx, events); err != nil {
		c.Log.Error("publish failed, will not retry inline", zap.String("domain", c.Domain), zap.Error(err))
	}
}

func (c *Coordinator) runSyncProjectors(ctx context.Context, events *pb.EventBook, projectors map[string]SyncProjector) map[string]*pb.Projection {
	out := make(map[string]*pb.Projection, len(projectors))
	for name, p := range projectors {
		proj, err := p(ctx, events)
		if err != nil {
			c.Log.Warn("sync projector failed", zap.String("projector", name), zap.Error(err))
			continue
		}
		out[name] = proj
	}
	return out
}
