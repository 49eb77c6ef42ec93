// Package rabbitmq adapts the AMQP plumbing in internal/rabbitmq to
// the dispatch Transport interface. Deferred sends ride the
// delayed-message exchange; escalation rides the work queue's
// dead-letter exchange, so a handler error on the work queue lands the
// envelope on the dead-letter queue without any code moving it by
// hand. The dead-letter queue has no DLX of its own, so its consumer
// requeues rejected deliveries instead.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/renable/distq/contracts"
	"github.com/renable/distq/dispatch"
	"github.com/renable/distq/internal/rabbitmq"
)

// DefaultDelayedExchange is the delayed-message exchange deferred
// sends publish through.
const DefaultDelayedExchange = "distq.delayed"

// Transport is the RabbitMQ implementation of dispatch.Transport.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager

	delayedExchange string
	deadLetterQueue string
	logger          *slog.Logger
}

type transportConfig struct {
	delayedExchange   string
	logger            *slog.Logger
	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport.
type TransportOption func(*transportConfig)

// WithDelayedExchange overrides the delayed exchange name.
func WithDelayedExchange(name string) TransportOption {
	return func(cfg *transportConfig) {
		cfg.delayedExchange = name
	}
}

// WithTransportLogger sets the logger for the transport and its
// consumers.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *transportConfig) {
		cfg.logger = logger
	}
}

// WithConnectionOptions forwards options to the connection manager.
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *transportConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, opts...)
	}
}

// WithPublisherOptions forwards options to the publisher.
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *transportConfig) {
		cfg.publisherOptions = append(cfg.publisherOptions, opts...)
	}
}

// WithConsumerOptions forwards options to the consumer.
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *transportConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, opts...)
	}
}

// NewTransport connects to the broker and wires up the publisher and
// consumer. It does not declare any queues; call EnsureTopology once
// the destination names are resolved.
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &transportConfig{
		delayedExchange: DefaultDelayedExchange,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	manager := rabbitmq.NewConnectionManager(url,
		append([]rabbitmq.ConnectionOption{rabbitmq.WithConnectionLogger(cfg.logger)}, cfg.connectionOptions...)...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("channel pool: %w", err)
	}

	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, cfg.publisherOptions...),
		consumer: rabbitmq.NewConsumer(manager,
			append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.logger)}, cfg.consumerOptions...)...),
		topology:        rabbitmq.NewTopologyManager(pool),
		delayedExchange: cfg.delayedExchange,
		logger:          cfg.logger,
	}, nil
}

// EnsureTopology declares the work/dead-letter queue pair, the DLX
// routing between them, and the delayed exchange. Declarations are
// idempotent; every instance runs this at startup. The dead-letter
// queue name is remembered so its consumer gets the requeue policy.
func (t *Transport) EnsureTopology(ctx context.Context, workQueue, deadLetterQueue string) error {
	topo := rabbitmq.DispatchTopology(t.delayedExchange, workQueue, deadLetterQueue)
	if err := t.topology.Declare(ctx, topo); err != nil {
		return fmt.Errorf("declare dispatch topology: %w", err)
	}
	t.deadLetterQueue = deadLetterQueue
	return nil
}

// Send publishes the envelope to queue. A positive delay routes
// through the delayed exchange with an x-delay header; an immediate
// send uses the default exchange.
func (t *Transport) Send(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	exchange, msg, err := buildPublishing(t.delayedExchange, env, delay)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, exchange, queue, msg)
}

// buildPublishing maps an envelope and delay onto AMQP publishing
// terms. Journal envelopes go persistent so a broker restart cannot
// lose them; transient ones stay in memory.
func buildPublishing(delayedExchange string, env *contracts.Envelope, delay time.Duration) (exchange string, msg amqp.Publishing, err error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}

	msg = amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Timestamp:    time.Now().UTC(),
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	if env.Durability == contracts.DurabilityJournal {
		msg.DeliveryMode = amqp.Persistent
	}

	// The default exchange routes straight to the queue; only deferred
	// sends need the plugin exchange.
	if delay > 0 {
		exchange = delayedExchange
		msg.Headers = amqp.Table{"x-delay": delay.Milliseconds()}
	}
	return exchange, msg, nil
}

// Subscribe consumes queue, feeding each delivery body to handler. On
// the work queue a handler error rejects the delivery without requeue,
// which the queue's DLX turns into a dead-letter hop. On the
// dead-letter queue itself a handler error requeues the delivery:
// there is no further DLX to catch it, and a journal envelope that
// failed reprocessing must stay on the queue until it succeeds or an
// operator intervenes.
func (t *Transport) Subscribe(ctx context.Context, queue string, handler dispatch.DeliveryHandler) error {
	var opts []rabbitmq.SubscribeOption
	if t.requeueOnError(queue) {
		opts = append(opts, rabbitmq.WithRequeueOnError())
	}
	return t.consumer.Subscribe(ctx, queue, rabbitmq.DeliveryFunc(handler), opts...)
}

func (t *Transport) requeueOnError(queue string) bool {
	return queue != "" && queue == t.deadLetterQueue
}

// Unsubscribe stops the consumer on queue.
func (t *Transport) Unsubscribe(queue string) error {
	return t.consumer.Unsubscribe(queue)
}

// IsConnected reports broker connectivity, for health probes.
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close stops all consumers and tears the connection down.
func (t *Transport) Close() error {
	if err := t.consumer.UnsubscribeAll(); err != nil {
		t.logger.Warn("unsubscribe during close", "error", err)
	}
	if err := t.pool.Close(); err != nil {
		t.logger.Warn("channel pool close", "error", err)
	}
	return t.manager.Close()
}
