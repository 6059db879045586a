package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/angzarr-io/angzarr/errs"
	"github.com/angzarr-io/angzarr/pb"
)

// AMQP transport: one durable exchange, one queue per subscriber bound by
// routing key = domain, publisher confirms, consumer ack after handler
// success. Matches spec.md §4.4.
type AMQP struct {
	registry
	log       *zap.Logger
	offloader *Offloader
	dlq       DeadLetterWriter
	source    string

	conn     *amqp.Connection
	pubCh    *amqp.Channel
	exchange string

	mu      sync.Mutex
	cancels []func()
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string, log *zap.Logger, offloader *Offloader, source string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "amqp dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "amqp channel", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errs.Wrap(errs.Transport, "amqp exchange declare", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errs.Wrap(errs.Transport, "amqp confirm mode", err)
	}
	return &AMQP{log: log, offloader: offloader, source: source, conn: conn, pubCh: ch, exchange: exchange}, nil
}

func (a *AMQP) SetDeadLetterWriter(dlq DeadLetterWriter) { a.dlq = dlq }

func (a *AMQP) Publish(ctx context.Context, book *pb.EventBook) (PublishResult, error) {
	offloadedBook, offloadedCount, err := a.offloader.OffloadBook(ctx, book)
	if err != nil {
		return PublishResult{}, err
	}
	body, err := json.Marshal(offloadedBook)
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.DecodeError, "encode event book", err)
	}
	confirm, err := a.pubCh.PublishWithDeferredConfirmWithContext(ctx, a.exchange, offloadedBook.Cover.Domain, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return PublishResult{}, errs.Wrap(errs.Transport, "amqp publish", err)
	}
	if confirm != nil {
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return PublishResult{}, errs.Wrap(errs.Transport, "amqp publisher confirm", err)
		}
		if !ok {
			return PublishResult{}, errs.New(errs.Transport, "amqp broker nacked publish")
		}
	}
	return PublishResult{Delivered: 1, Offloaded: offloadedCount}, nil
}

func (a *AMQP) Subscribe(name string, domainFilter string, handler Handler) error {
	a.add(&Subscription{Name: name, DomainFilter: domainFilter, Handler: handler})
	return nil
}

// StartConsuming declares one durable queue per registered subscriber,
// bound to domainFilter (or "#" for "all domains"), and starts a consumer
// goroutine per queue.
func (a *AMQP) StartConsuming(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sub := range a.subs {
		ch, err := a.conn.Channel()
		if err != nil {
			return errs.Wrap(errs.Transport, "amqp consumer channel", err)
		}
		queueName := fmt.Sprintf("%s.%s", a.exchange, sub.Name)
		q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
		if err != nil {
			return errs.Wrap(errs.Transport, "amqp queue declare", err)
		}
		routingKey := sub.DomainFilter
		if routingKey == "" {
			routingKey = "#"
		}
		if err := ch.QueueBind(q.Name, routingKey, a.exchange, false, nil); err != nil {
			return errs.Wrap(errs.Transport, "amqp queue bind", err)
		}
		deliveries, err := ch.Consume(q.Name, sub.Name, false, false, false, false, nil)
		if err != nil {
			return errs.Wrap(errs.Transport, "amqp consume", err)
		}
		consumerCtx, cancel := context.WithCancel(ctx)
		a.cancels = append(a.cancels, cancel)
		go a.consumeLoop(consumerCtx, sub, deliveries)
	}
	return nil
}

func (a *AMQP) consumeLoop(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var book pb.EventBook
			if err := json.Unmarshal(d.Body, &book); err != nil {
				a.log.Warn("dropping malformed amqp message", zap.String("subscriber", sub.Name), zap.Error(err))
				_ = d.Ack(false)
				continue
			}
			rehydrated, err := a.offloader.RehydrateBook(ctx, &book)
			if err != nil {
				a.log.Error("rehydrate failed", zap.Error(err))
				if a.dlq != nil {
					_ = a.dlq.Write(ctx, DLQEnvelope{Cover: book.Cover, Payload: &book, Reason: err.Error(), Detail: "IntegrityFailed", SourceComponent: a.source, SourceKind: "bus:amqp"})
				}
				_ = d.Ack(false)
				continue
			}
			if err := dispatchOne(ctx, a.log, a.dlq, a.source, sub, rehydrated); err != nil {
				_ = d.Nack(false, false) // transport retry limit is enforced by the queue's DLX policy
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	for _, cancel := range a.cancels {
		cancel()
	}
	a.mu.Unlock()
	if a.pubCh != nil {
		_ = a.pubCh.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
