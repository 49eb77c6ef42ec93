package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/renable/distq/contracts"
	"github.com/tidwall/gjson"
)

// Worker consumes envelopes from the primary and dead-letter queues
// and executes them through the dispatcher's invoker. The two
// consumers share the retry machinery but differ in entry policy: the
// dead-letter consumer drops transient envelopes without executing
// them and retries journal envelopes indefinitely.
type Worker struct {
	dispatcher *Dispatcher
	policy     *Policy
	logger     *slog.Logger
	throttle   func(ctx context.Context)
}

// WorkerOption configures the Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerPolicy replaces the retry policy.
func WithWorkerPolicy(policy *Policy) WorkerOption {
	return func(w *Worker) {
		w.policy = policy
	}
}

// withThrottle replaces the poison-pill throttle, for tests.
func withThrottle(fn func(ctx context.Context)) WorkerOption {
	return func(w *Worker) {
		w.throttle = fn
	}
}

// NewWorker creates a worker bound to the dispatcher's registry,
// transport and queues.
func NewWorker(dispatcher *Dispatcher, options ...WorkerOption) *Worker {
	w := &Worker{
		dispatcher: dispatcher,
		policy:     NewPolicy(WithMaxBackoff(dispatcher.maxRandom)),
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	if w.throttle == nil {
		w.throttle = jitteredThrottle
	}

	return w
}

// Start subscribes the worker to the primary and dead-letter queues.
func (w *Worker) Start(ctx context.Context) error {
	primary, err := w.dispatcher.Queue()
	if err != nil {
		return fmt.Errorf("failed to resolve primary queue: %w", err)
	}
	deadLetter, err := w.dispatcher.DeadLetterQueue()
	if err != nil {
		return fmt.Errorf("failed to resolve dead-letter queue: %w", err)
	}

	if err := w.dispatcher.transport.Subscribe(ctx, primary, w.HandleDelivery); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", primary, err)
	}
	if err := w.dispatcher.transport.Subscribe(ctx, deadLetter, w.HandleDeadLetter); err != nil {
		_ = w.dispatcher.transport.Unsubscribe(primary)
		return fmt.Errorf("failed to subscribe to %s: %w", deadLetter, err)
	}

	w.logger.Info("dispatch worker started",
		"queue", primary,
		"deadLetterQueue", deadLetter,
	)
	return nil
}

// Stop unsubscribes the worker from both queues.
func (w *Worker) Stop() error {
	var firstErr error
	for _, resolve := range []func() (string, error){w.dispatcher.Queue, w.dispatcher.DeadLetterQueue} {
		queue, err := resolve()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := w.dispatcher.transport.Unsubscribe(queue); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleDelivery processes one delivery from the primary queue.
// Returning nil acknowledges the delivery; returning an error hands it
// to the transport's native dead-lettering.
func (w *Worker) HandleDelivery(ctx context.Context, body []byte) error {
	env, err := decodeEnvelope(body)
	if err != nil {
		w.logger.Error("failed to decode envelope from primary queue", "error", err)
		return err
	}

	execErr := w.dispatcher.process(ctx, env)
	if execErr == nil {
		return nil
	}

	w.logFailure(env, execErr, false)
	return w.applyPolicy(ctx, env, execErr, false)
}

// HandleDeadLetter processes one delivery from the dead-letter queue.
//
// Transient envelopes are dropped without being executed: the work
// will be re-issued by its own future dispatches, so re-attempting a
// message already known to be problematic is wasted effort. Journal
// envelopes are executed like primary deliveries but with the retry
// budget bypassed, so they are retried indefinitely.
func (w *Worker) HandleDeadLetter(ctx context.Context, body []byte) error {
	// Peek at the durability without decoding the whole envelope.
	if gjson.GetBytes(body, "durability").String() == string(contracts.DurabilityTransient) {
		w.logger.Debug("dropping transient envelope from dead-letter queue",
			"envelopeId", gjson.GetBytes(body, "id").String(),
			"handlerId", gjson.GetBytes(body, "handlerId").String(),
		)
		return nil
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		w.logger.Error("failed to decode envelope from dead-letter queue", "error", err)
		w.throttle(ctx)
		return err
	}

	execErr := w.dispatcher.process(ctx, env)
	if execErr == nil {
		return nil
	}

	if contracts.IsRetrySignal(execErr) {
		w.logFailure(env, execErr, true)
		return w.applyPolicy(ctx, env, execErr, true)
	}

	// An unexpected failure on a dead-lettered envelope means a poison
	// pill. Back off before re-raising so the queue does not hammer it
	// in a tight loop.
	w.logger.Error("failed to execute dead-lettered envelope",
		"envelopeId", env.ID,
		"handlerId", env.HandlerID,
		"retryCount", env.RetryCount,
		"error", execErr,
	)
	w.throttle(ctx)
	return fmt.Errorf("failed to execute dead-lettered envelope %s: %w", env.ID, execErr)
}

// applyPolicy acts on the retry decision for a failed attempt.
func (w *Worker) applyPolicy(ctx context.Context, env *contracts.Envelope, cause error, fromDeadLetter bool) error {
	decision, next, delay := w.policy.OnFailure(env, fromDeadLetter)

	switch decision {
	case DecisionRetry:
		w.logger.Info("envelope will be retried",
			"envelopeId", env.ID,
			"handlerId", env.HandlerID,
			"attempt", next.RetryCount,
			"delay", delay,
		)
		if err := w.dispatcher.send(ctx, next, delay, fromDeadLetter); err != nil {
			// Could not re-enqueue; surface the failure so the transport
			// redelivers the original.
			return fmt.Errorf("failed to re-enqueue envelope %s: %w", env.ID, err)
		}
		return nil

	case DecisionDiscard:
		w.logger.Warn("transient envelope exhausted its retries and will be discarded",
			"envelopeId", env.ID,
			"handlerId", env.HandlerID,
			"retryCount", env.RetryCount,
			"error", cause,
		)
		return nil

	default: // DecisionEscalate
		return fmt.Errorf("envelope %s for %s exhausted %d retries and will be dead-lettered: %w",
			env.ID, env.HandlerID, env.RetryCount, cause)
	}
}

// logFailure records a failed attempt: a retry signal is routine, any
// other failure is an error. The severity is the only difference.
func (w *Worker) logFailure(env *contracts.Envelope, err error, fromDeadLetter bool) {
	if contracts.IsRetrySignal(err) {
		w.logger.Info("handler requested retry",
			"envelopeId", env.ID,
			"handlerId", env.HandlerID,
			"retryCount", env.RetryCount,
			"fromDeadLetter", fromDeadLetter,
			"reason", err,
		)
		return
	}
	w.logger.Error("handler execution failed",
		"envelopeId", env.ID,
		"handlerId", env.HandlerID,
		"retryCount", env.RetryCount,
		"fromDeadLetter", fromDeadLetter,
		"error", err,
	)
}

func decodeEnvelope(body []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// jitteredThrottle sleeps 30-60 seconds, honoring cancellation.
func jitteredThrottle(ctx context.Context) {
	delay := time.Duration(float64(time.Minute) * (0.5 + 0.5*rand.Float64()))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
