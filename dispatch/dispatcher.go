package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/renable/distq/contracts"
)

// Dispatcher is the entry point for deferred calls. It decides whether
// a call executes inline or is enqueued, builds the envelope, resolves
// the delivery delay and hands off to the transport.
type Dispatcher struct {
	registry     *Registry
	invoker      Invoker
	transport    Transport
	destinations *DestinationCache
	resolver     Resolver
	queue        string
	deadLetter   string
	enabled      bool
	maxRandom    time.Duration
	senders      *sendPool
	logger       *slog.Logger
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithEnabled toggles dispatch. When disabled, every dispatch executes
// the handler synchronously through the same path a worker would use,
// which keeps tests deterministic without changing handler-visible
// behavior.
func WithEnabled(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.enabled = enabled
	}
}

// WithResolver sets the placeholder resolver for destination names and
// delay specs.
func WithResolver(resolver Resolver) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

// WithQueues sets the primary and dead-letter destination names. The
// names may contain ${...} placeholders.
func WithQueues(primary, deadLetter string) DispatcherOption {
	return func(d *Dispatcher) {
		d.queue = primary
		d.deadLetter = deadLetter
	}
}

// WithMaxRandomDelay caps "random" delays and the backoff curve.
func WithMaxRandomDelay(max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRandom = max
	}
}

// WithSendWorkers sets the size of the bounded pool that performs
// transient sends off the caller's goroutine. Clamped to [1, 32].
func WithSendWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.senders = newSendPool(n)
	}
}

// WithInvoker replaces the registry as the component that resolves and
// executes handlers.
func WithInvoker(invoker Invoker) DispatcherOption {
	return func(d *Dispatcher) {
		d.invoker = invoker
	}
}

// NewDispatcher creates a dispatcher over the given registry and
// transport.
func NewDispatcher(registry *Registry, transport Transport, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		invoker:    registry,
		transport:  transport,
		resolver:   EnvResolver{},
		queue:      "distq-work",
		deadLetter: "distq-deadletter",
		enabled:    true,
		maxRandom:  DefaultMaxRandomDelay,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	if d.senders == nil {
		d.senders = newSendPool(8)
	}
	d.destinations = NewDestinationCache(d.resolver)

	return d
}

// DispatchOption overrides registration metadata for a single call.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	durability contracts.Durability
	delaySpec  string
}

// OverrideDurability dispatches this call with a different durability
// than the handler registered.
func OverrideDurability(d contracts.Durability) DispatchOption {
	return func(o *dispatchOptions) {
		o.durability = d
	}
}

// OverrideDelay dispatches this call with a different delay spec than
// the handler registered.
func OverrideDelay(spec string) DispatchOption {
	return func(o *dispatchOptions) {
		o.delaySpec = spec
	}
}

// Dispatch enqueues a deferred call to the named handler, or executes
// it inline when the caller is the worker already processing that same
// handler.
//
// Journal sends complete synchronously so the caller observes a
// persistence failure. Transient sends are offloaded to the bounded
// send pool and never block the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, handlerID string, args []any, options ...DispatchOption) error {
	reg, err := d.registry.Lookup(handlerID)
	if err != nil {
		return err
	}

	payload, err := marshalArgs(args)
	if err != nil {
		return &contracts.InvocationError{HandlerID: handlerID, Err: err}
	}

	// A worker re-invoking the handler it is currently executing passes
	// straight through; re-enqueueing here would loop forever on
	// recursive handlers.
	if top, ok := currentExecution(ctx); ok && top == handlerID {
		return d.invoker.Invoke(ctx, handlerID, payload)
	}

	opts := dispatchOptions{durability: reg.Durability, delaySpec: reg.DelaySpec}
	for _, opt := range options {
		opt(&opts)
	}
	if !opts.durability.Valid() {
		return fmt.Errorf("durability %q is not valid", opts.durability)
	}

	env := contracts.NewEnvelope(handlerID, payload, opts.durability)

	if !d.enabled {
		d.logger.Debug("executing dispatch synchronously, dispatch disabled",
			"handlerId", handlerID)
		return d.process(ctx, env)
	}

	delay := d.resolveDelay(handlerID, opts.delaySpec)

	d.logger.Debug("queuing deferred call",
		"handlerId", handlerID,
		"durability", env.Durability,
		"delay", delay,
	)

	if env.Durability == contracts.DurabilityJournal {
		// Journal envelopes must be committed to the queue before the
		// caller continues.
		return d.send(ctx, env, delay, false)
	}

	sendCtx := context.WithoutCancel(ctx)
	submitted := d.senders.submit(func() {
		if err := d.send(sendCtx, env, delay, false); err != nil {
			d.logger.Warn("transient dispatch dropped, send failed",
				"handlerId", handlerID,
				"envelopeId", env.ID,
				"error", err,
			)
		}
	})
	if !submitted {
		d.logger.Warn("transient dispatch dropped, send pool saturated",
			"handlerId", handlerID,
			"envelopeId", env.ID,
		)
	}
	return nil
}

// process executes an envelope the way a worker delivery does: push
// the execution stack, then invoke. The worker loop and disabled-mode
// dispatch share this path so reentrancy semantics match production.
func (d *Dispatcher) process(ctx context.Context, env *contracts.Envelope) error {
	execCtx := pushExecution(ctx, env.HandlerID)
	return d.invoker.Invoke(execCtx, env.HandlerID, env.Payload)
}

// send resolves the destination and hands the envelope to the
// transport with a clamped delay.
func (d *Dispatcher) send(ctx context.Context, env *contracts.Envelope, delay time.Duration, toDeadLetter bool) error {
	name := d.queue
	if toDeadLetter {
		name = d.deadLetter
	}

	destination, err := d.destinations.Resolve(name)
	if err != nil {
		return &contracts.SendError{Destination: name, Err: err}
	}

	if err := d.transport.Send(ctx, destination, env, ClampDelay(delay)); err != nil {
		return &contracts.SendError{Destination: destination, Err: err}
	}
	return nil
}

// resolveDelay resolves a delay spec leniently: a spec that cannot be
// resolved or parsed dispatches with no delay rather than failing the
// call.
func (d *Dispatcher) resolveDelay(handlerID, spec string) time.Duration {
	delay, err := ResolveDelay(spec, d.maxRandom, d.resolver)
	if err != nil {
		d.logger.Warn("ignoring unresolvable delay spec",
			"handlerId", handlerID,
			"delaySpec", spec,
			"error", err,
		)
		return 0
	}
	return delay
}

// Status reports whether both the primary and dead-letter destinations
// are resolvable. Any failure is false, never an error.
func (d *Dispatcher) Status() bool {
	primary, err := d.destinations.Resolve(d.queue)
	if err != nil || primary == "" {
		return false
	}
	deadLetter, err := d.destinations.Resolve(d.deadLetter)
	return err == nil && deadLetter != ""
}

// Queue returns the resolved primary destination.
func (d *Dispatcher) Queue() (string, error) {
	return d.destinations.Resolve(d.queue)
}

// DeadLetterQueue returns the resolved dead-letter destination.
func (d *Dispatcher) DeadLetterQueue() (string, error) {
	return d.destinations.Resolve(d.deadLetter)
}

// Close drains the transient send pool.
func (d *Dispatcher) Close() error {
	d.senders.close()
	return nil
}

func marshalArgs(args []any) (json.RawMessage, error) {
	out := make(Args, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize argument %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}
