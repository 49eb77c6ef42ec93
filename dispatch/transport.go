package dispatch

import (
	"context"
	"time"

	"github.com/renable/distq/contracts"
)

// Transport moves envelopes between dispatchers and workers with
// at-least-once semantics. Implementations must support a per-message
// delivery delay up to MaxTransportDelay and native dead-lettering of
// deliveries whose handler returns an error.
type Transport interface {
	// Send enqueues an envelope on the named queue. A non-zero delay
	// defers delivery; callers are expected to clamp it to
	// MaxTransportDelay first.
	Send(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error

	// Subscribe starts delivering messages from the named queue to the
	// handler. A nil handler error acknowledges the delivery; a non-nil
	// error hands it to the transport's dead-letter mechanism.
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error

	// Unsubscribe stops consumption from the named queue.
	Unsubscribe(queue string) error

	// Close releases all transport resources.
	Close() error
}

// DeliveryHandler processes one delivery. The raw body is the JSON
// serialized envelope.
type DeliveryHandler func(ctx context.Context, body []byte) error

// MaxTransportDelay is the longest per-message delay the transport
// model supports. Resolved delays above it are silently clamped.
const MaxTransportDelay = 900 * time.Second

// ClampDelay bounds a delivery delay to what the transport supports.
func ClampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxTransportDelay {
		return MaxTransportDelay
	}
	return d
}
