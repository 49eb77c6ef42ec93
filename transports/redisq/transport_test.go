package redisq

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renable/distq/contracts"
)

var testRedisAddr = os.Getenv("REDIS_ADDR")

func newTestTransport(t *testing.T, options ...TransportOption) *Transport {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if testRedisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	opts := append([]TransportOption{
		WithBlockInterval(100 * time.Millisecond),
		WithClaimMinIdle(time.Second),
	}, options...)
	tr := NewTransport(client, opts...)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func uniqueQueue(t *testing.T) string {
	t.Helper()
	return "distq-test-" + t.Name() + "-" + time.Now().Format("150405.000")
}

func TestRedisTransportRoundTrip(t *testing.T) {
	tr := newTestTransport(t)
	queue := uniqueQueue(t)

	received := make(chan *contracts.Envelope, 1)
	require.NoError(t, tr.Subscribe(context.Background(), queue, func(ctx context.Context, body []byte) error {
		var env contracts.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return err
		}
		received <- &env
		return nil
	}))

	env := contracts.NewEnvelope("svc.Do", json.RawMessage(`["x"]`), contracts.DurabilityJournal)
	require.NoError(t, tr.Send(context.Background(), queue, env, 0))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "svc.Do", got.HandlerID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRedisTransportDelayedSend(t *testing.T) {
	tr := newTestTransport(t)
	queue := uniqueQueue(t)

	received := make(chan time.Time, 1)
	require.NoError(t, tr.Subscribe(context.Background(), queue, func(ctx context.Context, body []byte) error {
		received <- time.Now()
		return nil
	}))

	env := contracts.NewEnvelope("svc.Do", nil, contracts.DurabilityTransient)
	sent := time.Now()
	require.NoError(t, tr.Send(context.Background(), queue, env, time.Second))

	select {
	case deliveredAt := <-received:
		assert.GreaterOrEqual(t, deliveredAt.Sub(sent), time.Second,
			"envelope must not arrive before its release time")
	case <-time.After(10 * time.Second):
		t.Fatal("delayed envelope never promoted")
	}
}

func TestRedisTransportDeadLetterMove(t *testing.T) {
	queue := "distq-test-dlq-src-" + time.Now().Format("150405.000")
	dlq := queue + "-dlq"
	tr := newTestTransport(t, WithDeadLetterQueue(queue, dlq))

	moved := make(chan []byte, 1)
	require.NoError(t, tr.Subscribe(context.Background(), dlq, func(ctx context.Context, body []byte) error {
		moved <- body
		return nil
	}))
	require.NoError(t, tr.Subscribe(context.Background(), queue, func(ctx context.Context, body []byte) error {
		return assert.AnError
	}))

	env := contracts.NewEnvelope("svc.Broken", nil, contracts.DurabilityJournal)
	require.NoError(t, tr.Send(context.Background(), queue, env, 0))

	select {
	case body := <-moved:
		var got contracts.Envelope
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(10 * time.Second):
		t.Fatal("rejected envelope never reached the dead-letter stream")
	}
}
