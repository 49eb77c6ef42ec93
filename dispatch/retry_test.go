package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/renable/distq/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func journalEnvelope(retries int) *contracts.Envelope {
	env := contracts.NewEnvelope("svc.Do", json.RawMessage(`[]`), contracts.DurabilityJournal)
	env.RetryCount = retries
	return env
}

func transientEnvelope(retries int) *contracts.Envelope {
	env := contracts.NewEnvelope("svc.Do", json.RawMessage(`[]`), contracts.DurabilityTransient)
	env.RetryCount = retries
	return env
}

func TestPolicyOnFailure(t *testing.T) {
	policy := NewPolicy()

	t.Run("retries within the budget", func(t *testing.T) {
		for _, durability := range []func(int) *contracts.Envelope{journalEnvelope, transientEnvelope} {
			for retries := 0; retries < MaxRetryCount; retries++ {
				decision, next, delay := policy.OnFailure(durability(retries), false)
				require.Equal(t, DecisionRetry, decision)
				require.Equal(t, retries+1, next.RetryCount)
				require.Greater(t, delay, time.Duration(0))
			}
		}
	})

	t.Run("discards exhausted transient envelopes", func(t *testing.T) {
		for _, retries := range []int{MaxRetryCount, MaxRetryCount + 1, 50} {
			decision, next, _ := policy.OnFailure(transientEnvelope(retries), false)
			assert.Equal(t, DecisionDiscard, decision)
			assert.Nil(t, next)
		}
	})

	t.Run("escalates exhausted journal envelopes", func(t *testing.T) {
		for _, retries := range []int{MaxRetryCount, MaxRetryCount + 1, 50} {
			decision, next, _ := policy.OnFailure(journalEnvelope(retries), false)
			assert.Equal(t, DecisionEscalate, decision)
			assert.Nil(t, next)
		}
	})

	t.Run("never escalates from the dead-letter path", func(t *testing.T) {
		for _, retries := range []int{0, MaxRetryCount, 100, 10000} {
			decision, next, _ := policy.OnFailure(journalEnvelope(retries), true)
			require.Equal(t, DecisionRetry, decision)
			require.Equal(t, retries+1, next.RetryCount)
		}
	})

	t.Run("retry count only ever grows", func(t *testing.T) {
		env := journalEnvelope(0)
		for i := 0; i < 5; i++ {
			_, next, _ := policy.OnFailure(env, true)
			require.Equal(t, env.RetryCount+1, next.RetryCount)
			env = next
		}
	})
}

func TestPolicyBackoff(t *testing.T) {
	t.Run("grows exponentially without jitter", func(t *testing.T) {
		// Pin the jitter multiplier at its upper bound.
		policy := NewPolicy(withJitterSource(func() float64 { return 1.0 }))

		assert.Equal(t, 20*time.Second, policy.Backoff(1))
		assert.Equal(t, 40*time.Second, policy.Backoff(2))
		assert.Equal(t, 80*time.Second, policy.Backoff(3))
		assert.Equal(t, 640*time.Second, policy.Backoff(6))
	})

	t.Run("caps at the max delay", func(t *testing.T) {
		policy := NewPolicy(withJitterSource(func() float64 { return 1.0 }))

		for _, n := range []int{7, 10, 30, 63} {
			assert.Equal(t, DefaultMaxRandomDelay, policy.Backoff(n))
		}
	})

	t.Run("never exceeds the cap regardless of jitter", func(t *testing.T) {
		policy := NewPolicy()
		for n := 0; n < 64; n++ {
			assert.LessOrEqual(t, policy.Backoff(n), DefaultMaxRandomDelay)
		}
	})

	t.Run("jitter stays within half to full delay", func(t *testing.T) {
		policy := NewPolicy()
		for i := 0; i < 100; i++ {
			delay := policy.Backoff(2)
			assert.GreaterOrEqual(t, delay, 20*time.Second)
			assert.Less(t, delay, 40*time.Second+time.Millisecond)
		}
	})

	t.Run("non-decreasing in expectation", func(t *testing.T) {
		policy := NewPolicy(withJitterSource(func() float64 { return 0.5 }))
		prev := time.Duration(0)
		for n := 1; n < 20; n++ {
			delay := policy.Backoff(n)
			assert.GreaterOrEqual(t, delay, prev)
			prev = delay
		}
	})

	t.Run("honors a custom cap", func(t *testing.T) {
		policy := NewPolicy(
			WithMaxBackoff(60*time.Second),
			withJitterSource(func() float64 { return 1.0 }),
		)
		assert.Equal(t, 60*time.Second, policy.Backoff(5))
	})
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "retry", DecisionRetry.String())
	assert.Equal(t, "discard", DecisionDiscard.String())
	assert.Equal(t, "escalate", DecisionEscalate.String())
}
