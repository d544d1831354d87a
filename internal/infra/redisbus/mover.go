package redisbus

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/domain"
)

// Mover drains due envelopes from the delayed set back onto their topic
// streams. Run one per deployment alongside any subscriber process.
type Mover struct {
	c        *Client
	interval time.Duration
}

func NewMover(c *Client, interval time.Duration) *Mover {
	return &Mover{c: c, interval: interval}
}

func (m *Mover) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.moveDue(ctx); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("moving delayed envelopes failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Mover) moveDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := m.c.rdb.ZRangeByScore(ctx, delayedZSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 128,
	}).Result()
	if err != nil || len(members) == 0 {
		return err
	}

	for _, member := range members {
		var env domain.Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			// Poisoned member, drop it rather than loop forever.
			log.Ctx(ctx).Error().Err(err).Msg("dropping undecodable delayed envelope")
			_ = m.c.rdb.ZRem(ctx, delayedZSet, member).Err()
			continue
		}
		err := m.c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(env.Topic),
			Values: map[string]interface{}{"envelope": member},
		}).Err()
		if err == nil {
			_ = m.c.rdb.ZRem(ctx, delayedZSet, member).Err()
		}
	}
	return nil
}
