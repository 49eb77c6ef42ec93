package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/renable/distq/contracts"
)

// Args is the ordered argument list of a deferred call, still in its
// serialized form. Handlers decode the arguments they need.
type Args []json.RawMessage

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("failed to decode argument %d: %w", i, err)
	}
	return nil
}

// Handler executes one deferred call.
type Handler interface {
	Execute(ctx context.Context, args Args) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args Args) error

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, args Args) error {
	return f(ctx, args)
}

// Middleware wraps a handler with cross-cutting behavior. The invoker
// always resolves the outermost wrapper, so middleware applies both to
// queued executions and to inline pass-through calls.
type Middleware func(next Handler) Handler

// Registration is the metadata a handler declares at startup: its ID,
// how durable its envelopes are, and the default delivery delay spec.
type Registration struct {
	HandlerID  string
	Handler    Handler
	Durability contracts.Durability
	DelaySpec  string
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithDurability sets the durability for envelopes of this handler.
// The default is transient, matching the cheapest safe behavior.
func WithDurability(d contracts.Durability) RegisterOption {
	return func(r *Registration) {
		r.Durability = d
	}
}

// WithDelaySpec sets the default delivery delay spec: a literal number
// of seconds, "random", or a ${...} placeholder.
func WithDelaySpec(spec string) RegisterOption {
	return func(r *Registration) {
		r.DelaySpec = spec
	}
}

// Invoker resolves a handler ID and executes it with the serialized
// argument list. The Registry is the default implementation; anything
// that can route an ID to code can stand in for it.
type Invoker interface {
	Invoke(ctx context.Context, handlerID string, payload json.RawMessage) error
}

// Registry holds handler registrations keyed by handler ID and acts as
// the Invoker for both workers and inline execution.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]*Registration
	middleware []Middleware
	logger     *slog.Logger
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithHandlerMiddleware appends middleware applied around every
// handler, outermost first.
func WithHandlerMiddleware(mw ...Middleware) RegistryOption {
	return func(r *Registry) {
		r.middleware = append(r.middleware, mw...)
	}
}

// NewRegistry creates an empty handler registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		handlers: make(map[string]*Registration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register declares a handler under its ID. A handler ID must resolve
// to exactly one handler, so duplicate registrations fail.
func (r *Registry) Register(handlerID string, handler Handler, options ...RegisterOption) error {
	if handlerID == "" {
		return fmt.Errorf("handlerID cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	reg := &Registration{
		HandlerID:  handlerID,
		Handler:    handler,
		Durability: contracts.DurabilityTransient,
	}

	for _, opt := range options {
		opt(reg)
	}

	if !reg.Durability.Valid() {
		return fmt.Errorf("durability %q is not valid", reg.Durability)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handlerID]; exists {
		return fmt.Errorf("handler %q is already registered", handlerID)
	}
	r.handlers[handlerID] = reg

	r.logger.Info("registered dispatch handler",
		"handlerId", handlerID,
		"durability", reg.Durability,
		"delaySpec", reg.DelaySpec,
	)

	return nil
}

// RegisterFunc registers a function as a handler.
func (r *Registry) RegisterFunc(handlerID string, handler HandlerFunc, options ...RegisterOption) error {
	return r.Register(handlerID, handler, options...)
}

// Lookup returns the registration for a handler ID.
func (r *Registry) Lookup(handlerID string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[handlerID]
	if !ok {
		return nil, &contracts.HandlerNotFoundError{HandlerID: handlerID}
	}
	return reg, nil
}

// HandlerIDs returns the IDs of all registered handlers.
func (r *Registry) HandlerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Invoke implements Invoker: it resolves the handler, decodes the
// argument list and calls the handler through its middleware chain.
//
// Resolution and decoding failures come back as InvocationError; a
// retry signal from the handler passes through untouched.
func (r *Registry) Invoke(ctx context.Context, handlerID string, payload json.RawMessage) error {
	reg, err := r.Lookup(handlerID)
	if err != nil {
		return err
	}

	var args Args
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &args); err != nil {
			return &contracts.InvocationError{HandlerID: handlerID, Err: fmt.Errorf("failed to decode arguments: %w", err)}
		}
	}

	handler := r.wrap(reg.Handler)
	if err := handler.Execute(ctx, args); err != nil {
		if contracts.IsRetrySignal(err) {
			return err
		}
		return &contracts.InvocationError{HandlerID: handlerID, Err: err}
	}
	return nil
}

// wrap applies the registry middleware, outermost first.
func (r *Registry) wrap(handler Handler) Handler {
	result := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		result = r.middleware[i](result)
	}
	return result
}
