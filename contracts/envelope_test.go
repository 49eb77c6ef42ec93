package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("starts at retry count zero", func(t *testing.T) {
		env := NewEnvelope("billing.Recalculate", json.RawMessage(`[42]`), DurabilityJournal)

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, "billing.Recalculate", env.HandlerID)
		assert.Equal(t, DurabilityJournal, env.Durability)
		assert.Equal(t, 0, env.RetryCount)
		assert.NotEmpty(t, env.CreatedAt)
	})

	t.Run("payload survives a wire round trip untouched", func(t *testing.T) {
		env := NewEnvelope("mail.Send", json.RawMessage(`["a@b.c",{"subject":"hi"}]`), DurabilityTransient)

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var decoded Envelope
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.JSONEq(t, `["a@b.c",{"subject":"hi"}]`, string(decoded.Payload))
		assert.Equal(t, DurabilityTransient, decoded.Durability)
	})
}

func TestEnvelopeValidate(t *testing.T) {
	valid := NewEnvelope("svc.Do", json.RawMessage(`[]`), DurabilityJournal)
	assert.NoError(t, valid.Validate())

	t.Run("rejects empty handler id", func(t *testing.T) {
		env := *valid
		env.HandlerID = ""
		assert.Error(t, env.Validate())
	})

	t.Run("rejects unknown durability", func(t *testing.T) {
		env := *valid
		env.Durability = "BEST_EFFORT"
		assert.Error(t, env.Validate())
	})

	t.Run("rejects negative retry count", func(t *testing.T) {
		env := *valid
		env.RetryCount = -1
		assert.Error(t, env.Validate())
	})
}

func TestNextRetry(t *testing.T) {
	env := NewEnvelope("svc.Do", json.RawMessage(`[1]`), DurabilityJournal)

	next := env.NextRetry()
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, 0, env.RetryCount, "original must not mutate")
	assert.Equal(t, env.ID, next.ID)
	assert.Equal(t, env.HandlerID, next.HandlerID)
	assert.Equal(t, env.Durability, next.Durability)

	assert.Equal(t, 2, next.NextRetry().RetryCount)
}

func TestRetrySignal(t *testing.T) {
	t.Run("detects wrapped signal", func(t *testing.T) {
		err := Retry("lock held by another worker")
		assert.True(t, IsRetrySignal(err))
		assert.True(t, IsRetrySignal(errors.Join(errors.New("outer"), err)))
	})

	t.Run("plain errors are not a signal", func(t *testing.T) {
		assert.False(t, IsRetrySignal(errors.New("boom")))
		assert.False(t, IsRetrySignal(nil))
	})
}

func TestErrorTypes(t *testing.T) {
	t.Run("invocation error unwraps", func(t *testing.T) {
		cause := errors.New("bad argument count")
		err := &InvocationError{HandlerID: "svc.Do", Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "svc.Do")
	})

	t.Run("send error unwraps", func(t *testing.T) {
		cause := errors.New("broker unavailable")
		err := &SendError{Destination: "dispatch-queue", Err: cause}
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "dispatch-queue")
	})

	t.Run("handler not found names the handler", func(t *testing.T) {
		err := &HandlerNotFoundError{HandlerID: "ghost.Do"}
		assert.Contains(t, err.Error(), "ghost.Do")
	})
}
