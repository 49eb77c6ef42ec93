// Package distq provides the main entry point for the deferred-call
// dispatch stack: handler registration, the dispatcher, the queue
// worker, the scheduler bridge, and health probes, wired over a
// RabbitMQ or Redis transport.
package distq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renable/distq/dispatch"
	"github.com/renable/distq/health"
	"github.com/renable/distq/internal/config"
	"github.com/renable/distq/internal/rabbitmq"
	rabbitmqTransport "github.com/renable/distq/transports/rabbitmq"
	"github.com/renable/distq/transports/redisq"
)

// Client owns the full dispatch stack for one service instance.
type Client struct {
	cfg        config.Config
	transport  dispatch.Transport
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	worker     *dispatch.Worker
	scheduler  *dispatch.SchedulerBridge
	health     *health.Registry
	logger     *slog.Logger
}

type clientConfig struct {
	cfg               *config.Config
	logger            *slog.Logger
	transport         dispatch.Transport
	registryOptions   []dispatch.RegistryOption
	dispatcherOptions []dispatch.DispatcherOption
	workerOptions     []dispatch.WorkerOption
	schedulerOptions  []dispatch.SchedulerOption
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cc *clientConfig) {
		cc.logger = logger
	}
}

// WithConfig supplies the configuration instead of reading the
// environment.
func WithConfig(cfg config.Config) ClientOption {
	return func(cc *clientConfig) {
		cc.cfg = &cfg
	}
}

// WithTransport injects a pre-built transport, bypassing the
// configured backend. The caller keeps ownership of its lifecycle.
func WithTransport(transport dispatch.Transport) ClientOption {
	return func(cc *clientConfig) {
		cc.transport = transport
	}
}

// WithRegistryOptions forwards options to the handler registry.
func WithRegistryOptions(opts ...dispatch.RegistryOption) ClientOption {
	return func(cc *clientConfig) {
		cc.registryOptions = append(cc.registryOptions, opts...)
	}
}

// WithDispatcherOptions forwards options to the dispatcher.
func WithDispatcherOptions(opts ...dispatch.DispatcherOption) ClientOption {
	return func(cc *clientConfig) {
		cc.dispatcherOptions = append(cc.dispatcherOptions, opts...)
	}
}

// WithWorkerOptions forwards options to the worker.
func WithWorkerOptions(opts ...dispatch.WorkerOption) ClientOption {
	return func(cc *clientConfig) {
		cc.workerOptions = append(cc.workerOptions, opts...)
	}
}

// WithSchedulerOptions forwards options to the scheduler bridge.
func WithSchedulerOptions(opts ...dispatch.SchedulerOption) ClientOption {
	return func(cc *clientConfig) {
		cc.schedulerOptions = append(cc.schedulerOptions, opts...)
	}
}

// NewClient builds the dispatch stack. Configuration comes from the
// DISTQ_* environment unless WithConfig overrides it.
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	cfg := config.Load()
	if cc.cfg != nil {
		cfg = *cc.cfg
	}

	c := &Client{
		cfg:      cfg,
		logger:   cc.logger,
		registry: dispatch.NewRegistry(cc.registryOptions...),
		health:   health.NewRegistry(),
	}

	// Destination names may carry ${...} placeholders; the broker-side
	// setup below needs them resolved now.
	destinations := dispatch.NewDestinationCache(dispatch.EnvResolver{})
	queue, err := destinations.Resolve(cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("resolve queue destination: %w", err)
	}
	deadLetter, err := destinations.Resolve(cfg.DeadLetterQueue)
	if err != nil {
		return nil, fmt.Errorf("resolve dead-letter destination: %w", err)
	}

	transport := cc.transport
	if transport == nil {
		var err error
		transport, err = c.buildTransport(ctx, queue, deadLetter)
		if err != nil {
			return nil, err
		}
	}
	c.transport = transport

	dispatcherOptions := append([]dispatch.DispatcherOption{
		dispatch.WithDispatcherLogger(cc.logger),
		dispatch.WithEnabled(cfg.Enabled),
		dispatch.WithQueues(cfg.Queue, cfg.DeadLetterQueue),
		dispatch.WithMaxRandomDelay(cfg.MaxRandomDelay),
		dispatch.WithSendWorkers(cfg.SendWorkers),
	}, cc.dispatcherOptions...)
	c.dispatcher = dispatch.NewDispatcher(c.registry, transport, dispatcherOptions...)

	c.worker = dispatch.NewWorker(c.dispatcher,
		append([]dispatch.WorkerOption{dispatch.WithWorkerLogger(cc.logger)}, cc.workerOptions...)...)

	c.scheduler = dispatch.NewSchedulerBridge(c.dispatcher,
		append([]dispatch.SchedulerOption{
			dispatch.WithSchedulerLogger(cc.logger),
			dispatch.WithElected(cfg.SchedulerElected),
		}, cc.schedulerOptions...)...)

	c.health.Register(health.NewDispatchChecker(c.dispatcher))
	switch broker := transport.(type) {
	case health.Broker:
		c.health.Register(health.NewBrokerChecker(cfg.Transport, broker))
	case *redisq.Transport:
		c.health.Register(health.NewBrokerChecker(cfg.Transport, redisBroker{broker}))
	}

	return c, nil
}

// buildTransport constructs the configured backend and prepares its
// queue topology.
func (c *Client) buildTransport(ctx context.Context, queue, deadLetter string) (dispatch.Transport, error) {
	switch c.cfg.Transport {
	case config.TransportRabbitMQ:
		transport, err := rabbitmqTransport.NewTransport(ctx, c.cfg.AMQPURL,
			rabbitmqTransport.WithTransportLogger(c.logger),
			rabbitmqTransport.WithConsumerOptions(rabbitmq.WithPrefetchCount(c.cfg.Prefetch)),
		)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq transport: %w", err)
		}
		if err := transport.EnsureTopology(ctx, queue, deadLetter); err != nil {
			_ = transport.Close()
			return nil, err
		}
		return transport, nil

	case config.TransportRedis:
		client := redis.NewClient(&redis.Options{
			Addr: c.cfg.RedisAddr,
			DB:   c.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis transport: %w", err)
		}
		return redisq.NewTransport(client,
			redisq.WithTransportLogger(c.logger),
			redisq.WithDeadLetterQueue(queue, deadLetter),
		), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", c.cfg.Transport)
	}
}

// redisBroker adapts the ping-based Redis connectivity probe to the
// health Broker surface.
type redisBroker struct {
	transport *redisq.Transport
}

func (b redisBroker) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.transport.IsConnected(ctx)
}

// Register adds a handler under the given id.
func (c *Client) Register(handlerID string, handler dispatch.Handler, options ...dispatch.RegisterOption) error {
	return c.registry.Register(handlerID, handler, options...)
}

// RegisterFunc adds a function handler under the given id.
func (c *Client) RegisterFunc(handlerID string, fn dispatch.HandlerFunc, options ...dispatch.RegisterOption) error {
	return c.registry.RegisterFunc(handlerID, fn, options...)
}

// Dispatch defers a call to a registered handler.
func (c *Client) Dispatch(ctx context.Context, handlerID string, args []any, options ...dispatch.DispatchOption) error {
	return c.dispatcher.Dispatch(ctx, handlerID, args, options...)
}

// Schedule registers a zero-argument dispatch at a fixed interval.
func (c *Client) Schedule(handlerID string, interval time.Duration, options ...dispatch.ScheduleOption) error {
	return c.scheduler.Schedule(handlerID, interval, options...)
}

// Start brings up the worker consumers and the scheduler. Call after
// all handlers are registered so deliveries never race registration.
func (c *Client) Start(ctx context.Context) error {
	if err := c.worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	c.scheduler.Start(ctx)
	c.logger.Info("distq started",
		"enabled", c.cfg.Enabled,
		"transport", c.cfg.Transport,
		"schedulerElected", c.cfg.SchedulerElected)
	return nil
}

// Dispatcher returns the dispatcher.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Registry returns the handler registry.
func (c *Client) Registry() *dispatch.Registry { return c.registry }

// Worker returns the queue worker.
func (c *Client) Worker() *dispatch.Worker { return c.worker }

// Scheduler returns the scheduler bridge.
func (c *Client) Scheduler() *dispatch.SchedulerBridge { return c.scheduler }

// Health returns the health probe registry.
func (c *Client) Health() *health.Registry { return c.health }

// Transport returns the underlying transport.
func (c *Client) Transport() dispatch.Transport { return c.transport }

// Close stops the scheduler, the worker, the dispatcher's send pool,
// and the transport, in that order.
func (c *Client) Close() error {
	c.scheduler.Stop()
	if err := c.worker.Stop(); err != nil {
		c.logger.Warn("worker stop", "error", err)
	}
	if err := c.dispatcher.Close(); err != nil {
		c.logger.Warn("dispatcher close", "error", err)
	}
	return c.transport.Close()
}
