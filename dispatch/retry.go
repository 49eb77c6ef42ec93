package dispatch

import (
	"math"
	"math/rand"
	"time"

	"github.com/renable/distq/contracts"
)

// MaxRetryCount is the fast-path retry budget. Once an envelope has
// been re-enqueued this many times, the next failure discards it
// (transient) or escalates it to the dead-letter path (journal).
const MaxRetryCount = 10

// Decision is the outcome of the retry policy for one failed attempt.
type Decision int

const (
	// DecisionRetry re-enqueues the envelope with a backoff delay.
	DecisionRetry Decision = iota
	// DecisionDiscard drops the envelope. Only transient envelopes are
	// ever discarded.
	DecisionDiscard
	// DecisionEscalate propagates the failure so the transport moves
	// the envelope to the dead-letter queue. Journal envelopes are
	// never silently dropped.
	DecisionEscalate
)

// String returns the decision name for logging.
func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionDiscard:
		return "discard"
	case DecisionEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Policy maps a failed delivery attempt to a retry decision and
// computes the backoff curve.
type Policy struct {
	maxRetries int
	maxDelay   time.Duration
	rng        func() float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithMaxRetries overrides the fast-path retry budget.
func WithMaxRetries(n int) PolicyOption {
	return func(p *Policy) {
		p.maxRetries = n
	}
}

// WithMaxBackoff caps the backoff curve.
func WithMaxBackoff(d time.Duration) PolicyOption {
	return func(p *Policy) {
		p.maxDelay = d
	}
}

// withJitterSource replaces the jitter source, for deterministic tests.
func withJitterSource(fn func() float64) PolicyOption {
	return func(p *Policy) {
		p.rng = fn
	}
}

// NewPolicy creates the retry policy with the standard budget and cap.
func NewPolicy(options ...PolicyOption) *Policy {
	p := &Policy{
		maxRetries: MaxRetryCount,
		maxDelay:   DefaultMaxRandomDelay,
		rng:        rand.Float64,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// OnFailure decides what happens to env after a failed attempt.
//
// Within the retry budget, and always when reprocessing from the
// dead-letter queue, the envelope is retried with its count bumped and
// a backoff delay. Past the budget, transient envelopes are discarded
// and journal envelopes escalate so the transport dead-letters them.
func (p *Policy) OnFailure(env *contracts.Envelope, fromDeadLetter bool) (Decision, *contracts.Envelope, time.Duration) {
	if env.RetryCount < p.maxRetries || fromDeadLetter {
		next := env.NextRetry()
		return DecisionRetry, next, p.Backoff(next.RetryCount)
	}

	if env.Durability == contracts.DurabilityTransient {
		return DecisionDiscard, nil, 0
	}

	return DecisionEscalate, nil, 0
}

// Backoff returns the delay before delivery attempt n+1: exponential
// growth from 10s, capped at the max delay, multiplied by a jitter in
// [0.5, 1.0) so that many workers retrying at once do not synchronize.
func (p *Policy) Backoff(retryCount int) time.Duration {
	base := 10 * math.Pow(2, float64(retryCount))
	capped := math.Min(base, p.maxDelay.Seconds())
	jittered := capped * (0.5 + 0.5*p.rng())
	return time.Duration(jittered * float64(time.Second))
}
