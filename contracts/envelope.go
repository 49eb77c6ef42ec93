package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Durability governs what happens to an envelope when delivery attempts
// keep failing.
type Durability string

const (
	// DurabilityJournal marks an envelope that must eventually execute.
	// It is retried with backoff and, once the fast-path retry budget is
	// exhausted, keeps cycling through the dead-letter queue until it
	// succeeds or an operator intervenes.
	DurabilityJournal Durability = "JOURNAL"

	// DurabilityTransient marks a best-effort envelope. It is retried a
	// bounded number of times and then discarded.
	DurabilityTransient Durability = "TRANSIENT"
)

// Valid reports whether d is a known durability level.
func (d Durability) Valid() bool {
	return d == DurabilityJournal || d == DurabilityTransient
}

// Envelope is the unit of work transmitted through the queue: a handler
// ID plus the serialized argument list of one deferred call.
//
// HandlerID and Durability are immutable for the lifetime of an
// envelope. Only RetryCount changes, incremented by the retry path on
// every re-enqueue after a failed attempt.
type Envelope struct {
	ID         string          `json:"id"`
	HandlerID  string          `json:"handlerId"`
	Payload    json.RawMessage `json:"payload"`
	Durability Durability      `json:"durability"`
	RetryCount int             `json:"retryCount"`
	CreatedAt  string          `json:"createdAt,omitempty"`
}

// NewEnvelope creates an envelope for a fresh dispatch with a zero
// retry count. The payload is the already-serialized argument list and
// is never inspected by the dispatcher.
func NewEnvelope(handlerID string, payload json.RawMessage, durability Durability) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		HandlerID:  handlerID,
		Payload:    payload,
		Durability: durability,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate checks the invariants a transport relies on before sending.
func (e *Envelope) Validate() error {
	if e.HandlerID == "" {
		return fmt.Errorf("envelope handlerId cannot be empty")
	}
	if !e.Durability.Valid() {
		return fmt.Errorf("envelope durability %q is not valid", e.Durability)
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("envelope retryCount cannot be negative")
	}
	return nil
}

// NextRetry returns a copy of the envelope for re-enqueueing after a
// failed attempt. Everything except the retry count is preserved.
func (e *Envelope) NextRetry() *Envelope {
	next := *e
	next.RetryCount = e.RetryCount + 1
	return &next
}
