package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cucumber/godog"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/angzarr-io/angzarr/executor"
	"github.com/angzarr-io/angzarr/pb"
	"github.com/angzarr-io/angzarr/saga"
)

// transactionCompleted mirrors the payload the transaction domain would
// encode onto a TransactionCompleted event page.
type transactionCompleted struct {
	LoyaltyPointsEarned int `json:"loyalty_points_earned"`
}

// addLoyaltyPoints is the command payload this saga emits toward the
// loyalty domain.
type addLoyaltyPoints struct {
	Points int    `json:"points"`
	Reason string `json:"reason"`
}

const (
	transactionCompletedTypeURL = "type.googleapis.com/angzarr.v1.TransactionCompleted"
	addLoyaltyPointsTypeURL     = "type.googleapis.com/angzarr.v1.AddLoyaltyPoints"
)

// loyaltySagaHandler implements saga.Handler: it never fetches destination
// state, and it emits an AddLoyaltyPoints command whenever the triggering
// event carries a nonzero point total.
type loyaltySagaHandler struct{}

func (loyaltySagaHandler) Prepare(ctx context.Context, source *pb.EventBook) ([]*pb.Destination, error) {
	return nil, nil
}

func (loyaltySagaHandler) Execute(ctx context.Context, source *pb.EventBook, destinations []*pb.EventBook) ([]*pb.CommandBook, error) {
	for _, page := range source.Pages {
		if page.Event == nil || page.Event.TypeUrl != transactionCompletedTypeURL {
			continue
		}
		var evt transactionCompleted
		if err := json.Unmarshal(page.Event.Value, &evt); err != nil {
			return nil, err
		}
		if evt.LoyaltyPointsEarned <= 0 {
			return nil, nil
		}
		cmd := addLoyaltyPoints{Points: evt.LoyaltyPointsEarned, Reason: "transaction completed"}
		data, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		return []*pb.CommandBook{{
			Cover: &pb.Cover{Domain: "loyalty", Root: source.Cover.Root, CorrelationID: source.Cover.CorrelationID},
			Pages: []*pb.CommandPage{{Command: &anypb.Any{TypeUrl: addLoyaltyPointsTypeURL, Value: data}}},
		}}, nil
	}
	return nil, nil
}

func (loyaltySagaHandler) OnCommandRejected(ctx context.Context, cmd *pb.CommandBook, reason string) ([]*pb.CommandBook, error) {
	return nil, nil
}

// recordingExecutor implements executor.Executor, recording every dispatched
// command so the Then steps can assert on it.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []*pb.CommandBook
}

func (e *recordingExecutor) Execute(ctx context.Context, cmd *pb.CommandBook) (executor.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	return executor.Outcome{Kind: executor.Success, Response: &pb.CommandResponse{Cover: cmd.Cover}}, nil
}

type sagaTestContext struct {
	exec   *recordingExecutor
	source *pb.EventBook
}

func (c *sagaTestContext) reset() {
	c.exec = &recordingExecutor{}
	c.source = &pb.EventBook{Cover: &pb.Cover{Domain: "transaction", Root: make([]byte, 16), CorrelationID: "corr-saga-features"}}
}

func (c *sagaTestContext) aTransactionCompletedEventWithLoyaltyPointsEarned(points int) error {
	evt := transactionCompleted{LoyaltyPointsEarned: points}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	c.source.Pages = append(c.source.Pages, pb.NewEventPage(uint32(len(c.source.Pages)), &anypb.Any{TypeUrl: transactionCompletedTypeURL, Value: data}))
	return nil
}

func (c *sagaTestContext) iProcessTheSaga() error {
	coord := saga.New("loyalty-saga", loyaltySagaHandler{}, nil, c.exec, zap.NewNop())
	return coord.OnTrigger(context.Background(), c.source)
}

func (c *sagaTestContext) noCommandsAreGenerated() error {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	if len(c.exec.commands) != 0 {
		return fmt.Errorf("expected no commands, got %d", len(c.exec.commands))
	}
	return nil
}

func (c *sagaTestContext) anAddLoyaltyPointsCommandIsGenerated() error {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	if len(c.exec.commands) == 0 {
		return errors.New("expected an AddLoyaltyPoints command but none were dispatched")
	}
	return nil
}

func (c *sagaTestContext) theCommandHasDomain(domain string) error {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	if len(c.exec.commands) == 0 {
		return errors.New("no commands dispatched")
	}
	if got := c.exec.commands[0].Cover.Domain; got != domain {
		return fmt.Errorf("expected domain %q, got %q", domain, got)
	}
	return nil
}

func (c *sagaTestContext) theCommandHasPoints(points int) error {
	c.exec.mu.Lock()
	defer c.exec.mu.Unlock()
	if len(c.exec.commands) == 0 {
		return errors.New("no commands dispatched")
	}
	var cmd addLoyaltyPoints
	if err := json.Unmarshal(c.exec.commands[0].Pages[0].Command.Value, &cmd); err != nil {
		return err
	}
	if cmd.Points != points {
		return fmt.Errorf("expected points %d, got %d", points, cmd.Points)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &sagaTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	ctx.Step(`^a TransactionCompleted event with (\d+) loyalty points earned$`, tc.aTransactionCompletedEventWithLoyaltyPointsEarned)
	ctx.Step(`^I process the saga$`, tc.iProcessTheSaga)
	ctx.Step(`^no commands are generated$`, tc.noCommandsAreGenerated)
	ctx.Step(`^an AddLoyaltyPoints command is generated$`, tc.anAddLoyaltyPointsCommandIsGenerated)
	ctx.Step(`^the command has domain "([^"]*)"$`, tc.theCommandHasDomain)
	ctx.Step(`^the command has points (\d+)$`, tc.theCommandHasPoints)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"saga.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
