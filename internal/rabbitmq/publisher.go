package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages in confirm mode so the broker
// acknowledges every envelope before Send returns.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	maxAttempts    int
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishAttempts sets how many times a publish is tried before
// giving up.
func WithPublishAttempts(attempts int) PublisherOption {
	return func(p *Publisher) {
		p.maxAttempts = attempts
	}
}

// NewPublisher creates a confirming publisher over the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		maxAttempts:    3,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends one message and waits for the broker to confirm it.
// Transient failures are retried with a linear backoff.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = p.publishConfirmed(ctx, exchange, routingKey, msg); lastErr == nil {
			return nil
		}
	}
	return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: lastErr}
}

func (p *Publisher) publishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		_ = ch.Close()
		return err
	}

	select {
	case confirm := <-confirms:
		p.pool.Put(ch)
		if !confirm.Ack {
			return ErrNotConfirmed
		}
		return nil
	case <-time.After(p.confirmTimeout):
		_ = ch.Close()
		return fmt.Errorf("%w: no confirmation within %s", ErrNotConfirmed, p.confirmTimeout)
	case <-ctx.Done():
		_ = ch.Close()
		return ctx.Err()
	}
}
