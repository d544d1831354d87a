package redisbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/config"
)

const (
	streamPrefix = "bus:"
	dlqSuffix    = ":dlq"
	delayedZSet  = "bus:delayed"
)

type Client struct {
	cfg config.Bus
	rdb *redis.Client
}

func New(rcfg config.Redis, bcfg config.Bus) *Client {
	log.Info().Msgf("connecting to redis at %s", rcfg.Addr)
	rdb := redis.NewClient(&redis.Options{
		Addr:     rcfg.Addr,
		Password: rcfg.Password,
		DB:       rcfg.DB,
	})
	return &Client{cfg: bcfg, rdb: rdb}
}

// NewWithRedis wraps an existing connection, shared with the state store.
func NewWithRedis(rdb *redis.Client, bcfg config.Bus) *Client {
	return &Client{cfg: bcfg, rdb: rdb}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	return nil
}

// ensureGroup creates the topic stream and consumer group if missing.
func (c *Client) ensureGroup(ctx context.Context, topic string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamKey(topic), c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", topic, err)
	}
	return nil
}

func streamKey(topic string) string { return streamPrefix + topic }
func dlqKey(topic string) string    { return streamPrefix + topic + dlqSuffix }
