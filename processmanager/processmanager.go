// Package processmanager implements the process-manager coordinator
// (spec.md §4.3): like the saga coordinator, but it also persists its own
// event-sourced state in a dedicated domain, and its handler returns both
// commands to dispatch and process events to persist directly.
package processmanager

import (
	"context"

	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/bus"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/executor"
	"github.com/angzarr-io/angzarr/fetcher"
	"github.com/angzarr-io/angzarr/metrics"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/retry"
	"github.com/angzarr-io/angzarr/store"
)

// Handler is the user-supplied process-manager logic. Unlike a saga
// handler, Handle returns both the commands to dispatch and the process's
// own events to persist (bypassing the command pipeline).
type Handler interface {
	Prepare(ctx context.Context, source *pb.EventBook) ([]*pb.Destination, error)
	Handle(ctx context.Context, source *pb.EventBook, destinations []*pb.EventBook, priorState *pb.EventBook) (commands []*pb.CommandBook, processEvents *pb.EventBook, err error)
	OnCommandRejected(ctx context.Context, cmd *pb.CommandBook, reason string) ([]*pb.CommandBook, error)
}

// Coordinator is the process manager's own domain name plus its event
// store, letting the hybrid destination fetcher treat it as local.
type Coordinator struct {
	Domain    string // the PM's own domain, used for its event-sourced state
	Handler   Handler
	Fetcher   fetcher.Fetcher
	Executor  executor.Executor
	Events    store.EventStore
	Snapshots store.SnapshotStore
	Retry     retry.Policy
	Log       *zap.Logger
}

func New(domain string, handler Handler, f fetcher.Fetcher, exec executor.Executor, events store.EventStore, snapshots store.SnapshotStore, log *zap.Logger) *Coordinator {
	return &Coordinator{
		Domain: domain, Handler: handler, Fetcher: f, Executor: exec,
		Events: events, Snapshots: snapshots, Retry: retry.SagaDispatch, Log: log,
	}
}

// Subscribe wires OnTrigger as a bus.Handler across every domain the PM
// declared in its startup subscriptions config.
func (c *Coordinator) Subscribe(b bus.Bus, name string, domains []string) error {
	for _, d := range domains {
		if err := b.Subscribe(name, d, func(ctx context.Context, source *pb.EventBook) error {
			return c.OnTrigger(ctx, source)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) ownCover(source *pb.EventBook) *pb.Cover {
	return &pb.Cover{Domain: c.Domain, Root: source.Cover.Root, CorrelationID: source.Cover.CorrelationID, Edition: source.Cover.Edition}
}

// OnTrigger loads the PM's own state, runs prepare/fetch/handle, persists
// any process events with the same auto-resequence loop §4.1 uses, then
// dispatches the returned commands in order. Unlike a saga, a failed
// dispatch is logged and does not fail OnTrigger or stop later commands.
func (c *Coordinator) OnTrigger(ctx context.Context, source *pb.EventBook) error {
	ownCover := c.ownCover(source)

	var commands []*pb.CommandBook
	_, err := retry.Do(ctx, retry.AutoResequence, func(attempt int) error {
		priorState, err := store.LoadEventBook(ctx, c.Events, c.Snapshots, ownCover)
		if err != nil {
			return err
		}
		destRefs, err := c.Handler.Prepare(ctx, source)
		if err != nil {
			return retry.GiveUp(err)
		}
		destinations := make([]*pb.EventBook, 0, len(destRefs))
		for _, d := range destRefs {
			book, _, derr := c.resolveDestination(ctx, d)
			if derr != nil {
				return derr
			}
			destinations = append(destinations, book)
		}
		cmds, processEvents, herr := c.Handler.Handle(ctx, source, destinations, priorState)
		if herr != nil {
			if e, ok := errs.As(herr); ok && !e.Retryable() {
				return retry.GiveUp(herr)
			}
			return herr
		}
		commands = cmds
		if processEvents == nil || len(processEvents.Pages) == 0 {
			return nil
		}
		if perr := c.persistProcessEvents(ctx, ownCover, priorState, processEvents); perr != nil {
			if e, ok := errs.As(perr); ok && e.Kind == errs.SequenceConflict {
				return perr // retry the whole cycle with fresh state
			}
			return retry.GiveUp(perr)
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.HandlerFailed, "process manager trigger failed", err)
	}
	return c.dispatchSequential(ctx, source, commands)
}

func (c *Coordinator) persistProcessEvents(ctx context.Context, ownCover *pb.Cover, prior *pb.EventBook, events *pb.EventBook) error {
	next := prior.NextSequence
	relabeled := make([]*pb.EventPage, 0, len(events.Pages))
	for i, p := range events.Pages {
		cp := *p
		if _, force := p.Sequence(); !force {
			cp.Num = next + uint32(i)
			cp.ForceSet = false
		}
		relabeled = append(relabeled, &cp)
	}
	if err := c.Events.Append(ctx, ownCover, next, relabeled); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) resolveDestination(ctx context.Context, d *pb.Destination) (*pb.EventBook, bool, error) {
	if d.CorrelationID != "" {
		return c.Fetcher.FetchByCorrelation(ctx, d.Domain, d.CorrelationID)
	}
	cover := &pb.Cover{Domain: d.Domain, Root: d.Root}
	return c.Fetcher.Fetch(ctx, cover)
}

func (c *Coordinator) dispatchSequential(ctx context.Context, source *pb.EventBook, commands []*pb.CommandBook) error {
	for _, cmd := range commands {
		if err := c.dispatchOne(ctx, cmd); err != nil {
			c.Log.Warn("process manager command dispatch failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) dispatchOne(ctx context.Context, cmd *pb.CommandBook) error {
	_, err := retry.Do(ctx, retry.SagaDispatch, func(attempt int) error {
		outcome, err := c.Executor.Execute(ctx, cmd)
		if err != nil {
			return err
		}
		switch outcome.Kind {
		case executor.Success:
			return nil
		case executor.Retryable:
			metrics.SagaRetries.WithLabelValues(c.Domain).Inc()
			return errs.Conflict(outcome.Reason)
		default:
			comp, cerr := c.Handler.OnCommandRejected(ctx, cmd, outcome.Reason)
			if cerr == nil {
				for _, compCmd := range comp {
					_, _ = c.Executor.Execute(ctx, compCmd)
				}
			}
			return retry.GiveUp(errs.Rejected("%s", outcome.Reason))
		}
	})
	return err
}
