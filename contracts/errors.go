package contracts

import (
	"errors"
	"fmt"
)

// ErrRetry is the distinguished signal a handler returns (or wraps) to
// say "re-enqueue me with backoff, this is expected". It affects log
// severity only; the retry arithmetic is the same for any failure.
var ErrRetry = errors.New("retry requested")

// Retry wraps a reason into a retry signal so the worker re-enqueues
// the envelope without logging it as an error.
func Retry(reason string) error {
	return fmt.Errorf("%w: %s", ErrRetry, reason)
}

// IsRetrySignal reports whether err carries the retry signal.
func IsRetrySignal(err error) bool {
	return errors.Is(err, ErrRetry)
}

// HandlerNotFoundError is returned when a handler ID does not resolve
// to exactly one registered handler.
type HandlerNotFoundError struct {
	HandlerID string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for %q", e.HandlerID)
}

// InvocationError wraps a failure to resolve, deserialize arguments for
// or call a handler. It is treated like any unexpected failure for
// retry purposes but logged with full context.
type InvocationError struct {
	HandlerID string
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("failed to invoke %q: %v", e.HandlerID, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// SendError wraps a transport-level failure to enqueue an envelope.
// Journal sends surface it to the caller synchronously; transient
// sends log and swallow it.
type SendError struct {
	Destination string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send to %q: %v", e.Destination, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
