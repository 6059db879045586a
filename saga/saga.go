// Package saga implements the saga coordinator (spec.md §4.2): a two-phase
// (prepare -> fetch destinations -> execute) protocol that consumes events,
// reads additional aggregate state by correlation, and emits new commands
// with retry and compensation semantics.
package saga

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
)

// Handler is the user-supplied saga logic.
type Handler interface {
	// Prepare returns the destinations to fetch before Execute runs.
	Prepare(ctx context.Context, source *pb.EventBook) ([]*pb.Destination, error)
	// Execute returns the commands to dispatch given the triggering
	// source book and the fetched destination state.
	Execute(ctx context.Context, source *pb.EventBook, destinations []*pb.EventBook) ([]*pb.CommandBook, error)
	// OnCommandRejected is invoked for a non-retryable rejection and may
	// return compensating commands to dispatch.
	OnCommandRejected(ctx context.Context, cmd *pb.CommandBook, reason string) ([]*pb.CommandBook, error)
}

// Coordinator subscribes to one or more domains and drives Handler.
type Coordinator struct {
	Name     string
	Handler  Handler
	Fetcher  fetcher.Fetcher
	Executor executor.Executor
	Retry    retry.Policy
	Log      *zap.Logger
}

func New(name string, handler Handler, f fetcher.Fetcher, exec executor.Executor, log *zap.Logger) *Coordinator {
	return &Coordinator{Name: name, Handler: handler, Fetcher: f, Executor: exec, Retry: retry.SagaDispatch, Log: log}
}

// Subscribe wires the coordinator's OnTrigger as a bus.Handler for the
// subscription named c.Name on the given bus, filtered to domainFilter.
func (c *Coordinator) Subscribe(b bus.Bus, domainFilter string) error {
	return b.Subscribe(c.Name, domainFilter, func(ctx context.Context, source *pb.EventBook) error {
		return c.OnTrigger(ctx, source)
	})
}

// OnTrigger runs the full prepare -> fetch -> execute -> dispatch cycle for
// one triggering EventBook.
func (c *Coordinator) OnTrigger(ctx context.Context, source *pb.EventBook) error {
	commands, err := c.prepareFetchExecute(ctx, source)
	if err != nil {
		return errs.Wrap(errs.HandlerFailed, "saga prepare/execute failed", err)
	}
	return c.dispatchSequential(ctx, source, commands)
}

func (c *Coordinator) prepareFetchExecute(ctx context.Context, source *pb.EventBook) ([]*pb.CommandBook, error) {
	destRefs, err := c.Handler.Prepare(ctx, source)
	if err != nil {
		return nil, err
	}
	destinations := make([]*pb.EventBook, 0, len(destRefs))
	for _, d := range destRefs {
		book, err := c.resolveDestination(ctx, d)
		if err != nil {
			return nil, err
		}
		destinations = append(destinations, book)
	}
	return c.Handler.Execute(ctx, source, destinations)
}

func (c *Coordinator) resolveDestination(ctx context.Context, d *pb.Destination) (*pb.EventBook, error) {
	if d.CorrelationID != "" {
		book, _, err := c.Fetcher.FetchByCorrelation(ctx, d.Domain, d.CorrelationID)
		return book, err
	}
	cover := &pb.Cover{Domain: d.Domain, Root: d.Root}
	book, _, err := c.Fetcher.Fetch(ctx, cover)
	return book, err
}

// dispatchSequential dispatches each command in order; a command's
// MergeCommutative strategy does not change this, so every command waits
// for the previous one to finish, and dispatch stops at the first command
// that fails. A retryable outcome re-runs the whole
// prepare/fetch/execute cycle so the handler sees fresh state; a rejected
// outcome invokes OnCommandRejected for compensation.
func (c *Coordinator) dispatchSequential(ctx context.Context, source *pb.EventBook, commands []*pb.CommandBook) error {
	for _, cmd := range commands {
		if err := c.dispatchOne(ctx, source, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) dispatchOne(ctx context.Context, source *pb.EventBook, cmd *pb.CommandBook) error {
	current := cmd
	_, err := retry.Do(ctx, c.Retry, func(attempt int) error {
		outcome, err := c.Executor.Execute(ctx, current)
		if err != nil {
			return err
		}
		switch outcome.Kind {
		case executor.Success:
			return nil
		case executor.Retryable:
			metrics.SagaRetries.WithLabelValues(c.Name).Inc()
			refreshed, rerr := c.prepareFetchExecute(ctx, source)
			if rerr != nil {
				return rerr
			}
			if cmdForRerun := matchByDomain(refreshed, cmd.Cover.Domain); cmdForRerun != nil {
				current = cmdForRerun
			}
			return errs.Conflict(outcome.Reason)
		default: // Rejected
			comp, cerr := c.Handler.OnCommandRejected(ctx, current, outcome.Reason)
			if cerr != nil {
				c.Log.Warn("compensation handler failed", zap.Error(cerr))
			}
			for _, compCmd := range comp {
				if derr := c.dispatchOne(ctx, source, compCmd); derr != nil {
					c.Log.Warn("compensation dispatch failed", zap.Error(derr))
				}
			}
			return retry.GiveUp(errs.Rejected("%s", outcome.Reason))
		}
	})
	return err
}

func matchByDomain(commands []*pb.CommandBook, domain string) *pb.CommandBook {
	for _, c := range commands {
		if c.Cover.Domain == domain {
			return c
		}
	}
	return nil
}
