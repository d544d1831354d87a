package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
	"agentpipe/pkg/backoff"
)

var _ ports.Bus = (*Client)(nil)

func (c *Client) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Topic = topic
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w: %w", domain.ErrNonRetryable, err)
	}

	// Fail fast after a bounded number of attempts when the bus is
	// unreachable; the caller decides whether to buffer.
	var last error
	for attempt := 1; attempt <= c.cfg.PublishAttempts; attempt++ {
		err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(topic),
			Values: map[string]interface{}{"envelope": b},
		}).Err()
		if err == nil {
			return nil
		}
		last = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.ExponentialJitter(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt)):
		}
	}
	return last
}

func (c *Client) Subscribe(ctx context.Context, topic, consumer string) (<-chan domain.Envelope, error) {
	if err := c.ensureGroup(ctx, topic); err != nil {
		return nil, err
	}

	out := make(chan domain.Envelope)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(ctx, topic, consumer, out)
	}()
	go func() {
		defer wg.Done()
		c.reclaimLoop(ctx, topic, consumer, out)
	}()
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (c *Client) readLoop(ctx context.Context, topic, consumer string, out chan<- domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: consumer,
			Streams:  []string{streamKey(topic), ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("read group failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.deliver(ctx, topic, msg, 0, out)
			}
		}
	}
}

// reclaimLoop re-delivers messages whose consumer went silent past the
// visibility timeout, dead-lettering those over the delivery limit.
func (c *Client) reclaimLoop(ctx context.Context, topic, consumer string, out chan<- domain.Envelope) {
	ticker := time.NewTicker(c.cfg.VisibilityTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(topic),
			Group:    c.cfg.Group,
			Consumer: consumer,
			MinIdle:  c.cfg.VisibilityTimeout,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).Error().Err(err).Str("topic", topic).Msg("autoclaim failed")
			}
			continue
		}

		for _, msg := range msgs {
			attempt := c.deliveryCount(ctx, topic, msg.ID)
			c.deliver(ctx, topic, msg, attempt, out)
		}
	}
}

// deliver decodes one stream message and pushes it to the subscriber.
// Undecodable payloads are a serialization failure: non-retryable, straight
// to the dead-letter stream.
func (c *Client) deliver(ctx context.Context, topic string, msg redis.XMessage, attempt int, out chan<- domain.Envelope) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("stream_id", msg.ID).Msg("undecodable message, dead-lettering")
		c.deadLetter(ctx, topic, domain.Envelope{ID: msg.ID, Topic: topic, StreamID: msg.ID}, "serialization: "+err.Error(), attempt)
		_ = c.rdb.XAck(ctx, streamKey(topic), c.cfg.Group, msg.ID).Err()
		return
	}
	env.Topic = topic
	env.StreamID = msg.ID
	if attempt > env.DeliveryAttempt {
		env.DeliveryAttempt = attempt
	}

	if env.DeliveryAttempt >= c.cfg.MaxDeliveries {
		c.deadLetter(ctx, topic, *env, "delivery limit exceeded", env.DeliveryAttempt)
		_ = c.rdb.XAck(ctx, streamKey(topic), c.cfg.Group, msg.ID).Err()
		return
	}

	select {
	case out <- *env:
	case <-ctx.Done():
	}
}

// deliveryCount reads the PEL delivery counter for a claimed message.
func (c *Client) deliveryCount(ctx context.Context, topic, id string) int {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(topic),
		Group:  c.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return int(pending[0].RetryCount)
}

func (c *Client) Ack(ctx context.Context, env domain.Envelope) error {
	return c.rdb.XAck(ctx, streamKey(env.Topic), c.cfg.Group, env.StreamID).Err()
}

// Nack removes the delivery from the pending list and either schedules a
// delayed redelivery with backoff or dead-letters the envelope.
func (c *Client) Nack(ctx context.Context, env domain.Envelope, cause error) error {
	if err := c.Ack(ctx, env); err != nil {
		return err
	}

	attempt := env.DeliveryAttempt + 1
	if !ports.IsRetryable(cause) {
		return c.deadLetter(ctx, env.Topic, env, "non-retryable: "+cause.Error(), attempt)
	}
	if attempt >= c.cfg.MaxDeliveries {
		return c.deadLetter(ctx, env.Topic, env, "retries exhausted: "+cause.Error(), attempt)
	}

	env.DeliveryAttempt = attempt
	env.StreamID = ""
	due := time.Now().Add(backoff.ExponentialJitter(c.cfg.BaseBackoff, c.cfg.MaxBackoff, attempt))
	b, err := json.Marshal(env)
	if err != nil {
		return c.deadLetter(ctx, env.Topic, env, "serialization: "+err.Error(), attempt)
	}
	return c.rdb.ZAdd(ctx, delayedZSet, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: b,
	}).Err()
}

func (c *Client) deadLetter(ctx context.Context, topic string, env domain.Envelope, reason string, attempts int) error {
	entry := ports.DeadLetter{Envelope: env, Reason: reason, Attempts: attempts}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	log.Ctx(ctx).Warn().
		Str("topic", topic).
		Str("correlation_id", env.CorrelationID).
		Str("reason", reason).
		Msg("message dead-lettered")
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(topic),
		Values: map[string]interface{}{"entry": b},
	}).Err()
}

func decodeEnvelope(msg redis.XMessage) (*domain.Envelope, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return nil, errors.New("missing envelope field")
	}
	var env domain.Envelope
	switch v := raw.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			return nil, err
		}
	case []byte:
		if err := json.Unmarshal(v, &env); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unexpected envelope type")
	}
	return &env, nil
}
