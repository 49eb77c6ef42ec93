package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels backed by the managed
// connection. Channels are cheap but not free; publishing reuses
// pooled ones instead of opening a channel per message.
type ChannelPool struct {
	manager *ConnectionManager
	idle    chan *amqp.Channel
	maxSize int

	mu     sync.Mutex
	closed bool
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum number of pooled channels.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a pool over the given connection manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	cp := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}
	for _, opt := range options {
		opt(cp)
	}
	if cp.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}
	cp.idle = make(chan *amqp.Channel, cp.maxSize)
	return cp, nil
}

// Get returns a usable channel, reusing an idle one when possible.
func (cp *ChannelPool) Get(ctx context.Context) (*amqp.Channel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.idle:
		// A nil channel means the pool was closed under us.
		if ch != nil && !ch.IsClosed() {
			return ch, nil
		}
		// Stale channel from before a reconnect; fall through and open
		// a fresh one.
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Put returns a channel to the pool, closing it if the pool is full.
// The closed check and the channel send happen under the same lock as
// Close, so Put can never race the pool shutdown.
func (cp *ChannelPool) Put(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		_ = ch.Close()
		return
	}
	select {
	case cp.idle <- ch:
		cp.mu.Unlock()
	default:
		cp.mu.Unlock()
		_ = ch.Close()
	}
}

// Execute runs fn with a pooled channel. The channel goes back to the
// pool on success and is discarded on failure, since AMQP closes
// channels on most protocol errors.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch); err != nil {
		_ = ch.Close()
		return err
	}
	cp.Put(ch)
	return nil
}

// Close drains and closes all idle channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.idle)
	cp.mu.Unlock()

	for ch := range cp.idle {
		_ = ch.Close()
	}
	return nil
}
