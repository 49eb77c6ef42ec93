// Package redisq implements the dispatch Transport on Redis Streams.
//
// Each queue maps to one stream read through a consumer group, plus a
// sorted set holding deferred envelopes keyed by their release time.
// Redis has no broker-side dead-lettering, so the transport moves
// rejected entries to the configured dead-letter stream itself, and an
// auto-claim loop re-delivers entries whose consumer died mid-flight.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/renable/distq/contracts"
	"github.com/renable/distq/dispatch"
)

const (
	bodyField      = "body"
	delayedSuffix  = ":delayed"
	promoteBatch   = 64
	readBatch      = 16
	defaultGroup   = "distq"
	defaultBlock   = 2 * time.Second
	defaultMinIdle = 5 * time.Minute
)

// Transport is the Redis Streams implementation of dispatch.Transport.
type Transport struct {
	client       redis.UniversalClient
	group        string
	consumerName string
	block        time.Duration
	claimMinIdle time.Duration
	deadLetters  map[string]string
	logger       *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TransportOption configures the transport.
type TransportOption func(*Transport)

// WithGroup sets the consumer group name.
func WithGroup(group string) TransportOption {
	return func(t *Transport) {
		t.group = group
	}
}

// WithConsumerName names this instance inside the consumer group.
func WithConsumerName(name string) TransportOption {
	return func(t *Transport) {
		t.consumerName = name
	}
}

// WithBlockInterval sets how long a read blocks waiting for entries.
func WithBlockInterval(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.block = d
	}
}

// WithClaimMinIdle sets how long a pending entry may sit unacknowledged
// before another consumer claims it.
func WithClaimMinIdle(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.claimMinIdle = d
	}
}

// WithDeadLetterQueue maps a work queue to the stream that receives
// its rejected envelopes. Queues without a mapping rely on auto-claim
// redelivery alone.
func WithDeadLetterQueue(queue, deadLetterQueue string) TransportOption {
	return func(t *Transport) {
		t.deadLetters[queue] = deadLetterQueue
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport builds a transport over an existing Redis client.
func NewTransport(client redis.UniversalClient, options ...TransportOption) *Transport {
	t := &Transport{
		client:       client,
		group:        defaultGroup,
		consumerName: "distq-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		block:        defaultBlock,
		claimMinIdle: defaultMinIdle,
		deadLetters:  make(map[string]string),
		logger:       slog.Default(),
		subs:         make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Send appends the envelope to the queue's stream, or parks it in the
// delayed set when delay is positive.
func (t *Transport) Send(ctx context.Context, queue string, env *contracts.Envelope, delay time.Duration) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := t.client.ZAdd(ctx, queue+delayedSuffix, redis.Z{Score: readyAt, Member: string(body)}).Err(); err != nil {
			return fmt.Errorf("park delayed envelope: %w", err)
		}
		return nil
	}

	if err := t.append(ctx, queue, string(body)); err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

func (t *Transport) append(ctx context.Context, stream, body string) error {
	return t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{bodyField: body},
	}).Err()
}

// Subscribe starts the consume loop for queue. Entries the handler
// accepts are acknowledged; rejected ones move to the queue's
// dead-letter stream when one is mapped.
func (t *Transport) Subscribe(ctx context.Context, queue string, handler dispatch.DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.subs[queue]; exists {
		return fmt.Errorf("redisq: already subscribed to %q", queue)
	}

	// Start the group at 0 so envelopes enqueued before the first
	// worker came up still get delivered.
	err := t.client.XGroupCreateMkStream(ctx, queue, t.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	t.subs[queue] = sub

	go t.consumeLoop(loopCtx, queue, sub, handler)

	t.logger.Info("subscribed", "stream", queue, "group", t.group, "consumer", t.consumerName)
	return nil
}

func (t *Transport) consumeLoop(ctx context.Context, queue string, sub *subscription, handler dispatch.DeliveryHandler) {
	defer close(sub.done)

	for {
		if ctx.Err() != nil {
			return
		}

		t.promoteDue(ctx, queue)
		t.claimStale(ctx, queue, handler)

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumerName,
			Streams:  []string{queue, ">"},
			Count:    readBatch,
			Block:    t.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			t.logger.Error("stream read failed", "stream", queue, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				t.deliver(ctx, queue, msg, handler)
			}
		}
	}
}

// promoteDue moves delayed envelopes whose release time has passed
// onto the live stream. ZREM only after a successful XADD, so a crash
// in between duplicates rather than drops.
func (t *Transport) promoteDue(ctx context.Context, queue string) {
	key := queue + delayedSuffix
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	for _, body := range due {
		if err := t.append(ctx, queue, body); err != nil {
			t.logger.Error("promote delayed envelope failed", "stream", queue, "error", err)
			return
		}
		if err := t.client.ZRem(ctx, key, body).Err(); err != nil {
			t.logger.Error("remove promoted envelope failed", "stream", queue, "error", err)
			return
		}
	}
}

// claimStale adopts pending entries whose original consumer has gone
// quiet and runs them through the handler again.
func (t *Transport) claimStale(ctx context.Context, queue string, handler dispatch.DeliveryHandler) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    t.group,
		Consumer: t.consumerName,
		MinIdle:  t.claimMinIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return
	}

	t.logger.Info("claimed stale entries", "stream", queue, "count", len(msgs))
	for _, msg := range msgs {
		t.deliver(ctx, queue, msg, handler)
	}
}

func (t *Transport) deliver(ctx context.Context, queue string, msg redis.XMessage, handler dispatch.DeliveryHandler) {
	body, ok := msg.Values[bodyField].(string)
	if !ok {
		t.logger.Warn("entry without body field acknowledged and dropped", "stream", queue, "id", msg.ID)
		t.ack(ctx, queue, msg.ID)
		return
	}

	if err := handler(ctx, []byte(body)); err != nil {
		t.deadLetter(ctx, queue, msg.ID, body, err)
		return
	}
	t.ack(ctx, queue, msg.ID)
}

// deadLetter moves a rejected entry to the mapped dead-letter stream.
// With no mapping the entry stays pending and comes back through
// auto-claim.
func (t *Transport) deadLetter(ctx context.Context, queue, id, body string, cause error) {
	dlq, ok := t.deadLetters[queue]
	if !ok {
		t.logger.Warn("rejected entry left pending for redelivery",
			"stream", queue, "id", id, "error", cause)
		return
	}

	if err := t.append(ctx, dlq, body); err != nil {
		// Leave it pending; auto-claim retries the move later.
		t.logger.Error("dead-letter move failed", "stream", queue, "id", id, "error", err)
		return
	}
	t.ack(ctx, queue, id)
	t.logger.Warn("entry dead-lettered", "stream", queue, "deadLetter", dlq, "id", id, "error", cause)
}

func (t *Transport) ack(ctx context.Context, queue, id string) {
	if err := t.client.XAck(ctx, queue, t.group, id).Err(); err != nil {
		t.logger.Error("ack failed", "stream", queue, "id", id, "error", err)
	}
}

// Unsubscribe stops the consume loop for queue.
func (t *Transport) Unsubscribe(queue string) error {
	t.mu.Lock()
	sub, ok := t.subs[queue]
	if ok {
		delete(t.subs, queue)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("redisq: no subscription for %q", queue)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// IsConnected reports whether Redis answers a ping, for health probes.
func (t *Transport) IsConnected(ctx context.Context) bool {
	return t.client.Ping(ctx).Err() == nil
}

// Close stops all consume loops and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return t.client.Close()
}
