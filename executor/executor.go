// Package executor implements the single entry point the saga and
// process-manager retry loops call into: dispatching a CommandBook to its
// domain's aggregate coordinator and classifying the result into a
// CommandOutcome (spec.md §4.6).
package executor

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/discovery"
	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/transport"
)

// Outcome is the three-way classification every executor call returns.
type Outcome struct {
	Kind         OutcomeKind
	Response     *pb.CommandResponse // set when Kind == Success
	Reason       string              // set when Kind != Success
	CurrentState *pb.EventBook       // optionally set when Kind == Retryable
}

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Rejected
	Retryable
)

// Executor dispatches a CommandBook to its domain.
type Executor interface {
	Execute(ctx context.Context, cmd *pb.CommandBook) (Outcome, error)
}

// Dispatcher is a per-domain Executor: it looks up the command's domain
// endpoint in the discovery registry and forwards over gRPC, caching one
// connection per endpoint.
type Dispatcher struct {
	Registry *discovery.Registry

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewDispatcher(registry *discovery.Registry) *Dispatcher {
	return &Dispatcher{Registry: registry, conns: make(map[string]*grpc.ClientConn)}
}

func (d *Dispatcher) connFor(endpoint string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[endpoint]; ok {
		return c, nil
	}
	c, err := transport.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	d.conns[endpoint] = c
	return c, nil
}

func (d *Dispatcher) Execute(ctx context.Context, cmd *pb.CommandBook) (Outcome, error) {
	ep, err := d.Registry.Resolve(cmd.Cover.Domain)
	if err != nil {
		return Outcome{Kind: Rejected, Reason: err.Error()}, nil
	}
	conn, err := d.connFor(ep.CommandAddress)
	if err != nil {
		return Outcome{Kind: Retryable, Reason: err.Error()}, nil
	}
	resp, err := transport.Invoke[pb.CommandBook, pb.CommandResponse](ctx, conn,
		"/"+pb.AggregateCoordinatorService+"/"+pb.MethodHandle, cmd)
	return Classify(resp, err), nil
}

// Classify maps a raw (response, error) pair from a coordinator call into
// the three-way Outcome, centralizing the retryable/rejected decision so
// every caller (saga, PM, gateway) agrees on it.
func Classify(resp *pb.CommandResponse, err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success, Response: resp}
	}
	e, ok := errs.As(err)
	if !ok {
		return Outcome{Kind: Retryable, Reason: err.Error()}
	}
	switch e.Kind {
	case errs.SequenceConflict, errs.Transport:
		return Outcome{Kind: Retryable, Reason: e.Error()}
	case errs.NotFound:
		return Outcome{Kind: Success, Response: &pb.CommandResponse{Events: &pb.EventBook{}}}
	default:
		return Outcome{Kind: Rejected, Reason: e.Error()}
	}
}

// Single adapts one fixed Executor for legacy single-domain setups where
// every command targets the same coordinator regardless of cover.domain.
type Single struct {
	Inner Executor
}

func (s *Single) Execute(ctx context.Context, cmd *pb.CommandBook) (Outcome, error) {
	return s.Inner.Execute(ctx, cmd)
}
