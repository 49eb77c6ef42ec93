package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryFunc processes one delivery body. A nil return acknowledges
// the message. A non-nil return rejects it; the subscription's requeue
// policy decides whether the broker redelivers it on the same queue or
// hands it to the queue's dead-letter exchange.
type DeliveryFunc func(ctx context.Context, body []byte) error

// Consumer manages per-queue consumers with manual acknowledgement.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger

	active sync.Map // queue -> *consumerState
}

type consumerState struct {
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

type subscription struct {
	requeue bool
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscription)

// WithRequeueOnError makes rejected deliveries go back on the same
// queue instead of through the dead-letter exchange. Queues that hold
// messages which must never be lost subscribe with this, since a queue
// without a DLX drops nacked messages outright.
func WithRequeueOnError() SubscribeOption {
	return func(s *subscription) {
		s.requeue = true
	}
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount bounds the number of unacknowledged deliveries per
// consumer channel.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the managed connection. Each
// subscription gets a dedicated channel so a poisoned queue cannot
// stall the others.
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming from queue until Unsubscribe or ctx ends.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryFunc, options ...SubscribeOption) error {
	var sub subscription
	for _, opt := range options {
		opt(&sub)
	}

	if _, exists := c.active.Load(queue); exists {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: fmt.Errorf("already subscribed")}
	}

	conn, err := c.manager.Connection()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "qos", Err: err}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &consumerState{channel: ch, cancel: cancel, done: make(chan struct{})}
	c.active.Store(queue, state)

	go c.consumeLoop(loopCtx, queue, state, deliveries, handler, sub)

	c.logger.Info("subscribed", "queue", queue, "prefetch", c.prefetchCount, "requeue", sub.requeue)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, queue string, state *consumerState, deliveries <-chan amqp.Delivery, handler DeliveryFunc, sub subscription) {
	defer func() {
		close(state.done)
		_ = state.channel.Close()
		c.active.Delete(queue)
		c.logger.Info("consumer stopped", "queue", queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			c.handle(ctx, queue, delivery, handler, sub.requeue)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler DeliveryFunc, requeue bool) {
	err := handler(ctx, delivery.Body)
	if err != nil {
		c.logger.Warn("delivery rejected",
			"queue", queue,
			"messageId", delivery.MessageId,
			"requeue", requeue,
			"error", err)
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			c.logger.Error("nack failed", "queue", queue, "error", nackErr)
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("ack failed", "queue", queue, "error", ackErr)
	}
}

// Unsubscribe stops the consumer on queue and waits for its loop to
// drain.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.active.Load(queue)
	if !ok {
		return &ConsumerError{Queue: queue, Op: "unsubscribe", Err: fmt.Errorf("no active consumer")}
	}
	state := value.(*consumerState)
	state.cancel()
	<-state.done
	return nil
}

// UnsubscribeAll stops every active consumer.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup
	c.active.Range(func(key, _ any) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("unsubscribe failed", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})
	wg.Wait()
	return nil
}

// ActiveQueues lists the queues with a live consumer.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.active.Range(func(key, _ any) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
