package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
)

func TestClassifySuccess(t *testing.T) {
	resp := &pb.CommandResponse{}
	outcome := Classify(resp, nil)
	if outcome.Kind != Success || outcome.Response != resp {
		t.Fatalf("Classify(success) = %+v", outcome)
	}
}

func TestClassifyRetryableKinds(t *testing.T) {
	for _, kind := range []errs.Kind{errs.SequenceConflict, errs.Transport} {
		outcome := Classify(nil, errs.New(kind, "x"))
		if outcome.Kind != Retryable {
			t.Fatalf("Classify(%s) = %+v, want Retryable", kind, outcome)
		}
	}
}

func TestClassifyRejectedKinds(t *testing.T) {
	for _, kind := range []errs.Kind{errs.CommandRejected, errs.InvalidArgument, errs.IntegrityFailed, errs.DecodeError, errs.HandlerFailed} {
		outcome := Classify(nil, errs.New(kind, "x"))
		if outcome.Kind != Rejected {
			t.Fatalf("Classify(%s) = %+v, want Rejected", kind, outcome)
		}
	}
}

func TestClassifyNotFoundTreatedAsEmptySuccess(t *testing.T) {
	outcome := Classify(nil, errs.New(errs.NotFound, "no such aggregate"))
	if outcome.Kind != Success {
		t.Fatalf("Classify(NotFound) = %+v, want Success", outcome)
	}
	if outcome.Response == nil || outcome.Response.Events == nil {
		t.Fatal("expected an empty-events response for NotFound")
	}
}

func TestClassifyUnclassifiedErrorIsRetryable(t *testing.T) {
	outcome := Classify(nil, errors.New("some unwrapped grpc error"))
	if outcome.Kind != Retryable {
		t.Fatalf("Classify(unclassified) = %+v, want Retryable", outcome)
	}
}

func TestSingleDelegatesToInner(t *testing.T) {
	inner := &stubExecutor{outcome: Outcome{Kind: Success}}
	single := &Single{Inner: inner}
	outcome, err := single.Execute(context.Background(), &pb.CommandBook{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Kind != Success || !inner.called {
		t.Fatal("Single should delegate to the wrapped Executor")
	}
}

type stubExecutor struct {
	outcome Outcome
	called  bool
}

func (s *stubExecutor) Execute(ctx context.Context, cmd *pb.CommandBook) (Outcome, error) {
	s.called = true
	return s.outcome, nil
}
