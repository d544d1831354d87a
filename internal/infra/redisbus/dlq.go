package redisbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"agentpipe/internal/ports"
)

var _ ports.DeadLetterReader = (*Client)(nil)

// ReadDLQ returns the newest dead-lettered entries for a topic.
func (c *Client) ReadDLQ(ctx context.Context, topic string, limit int) ([]ports.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := c.rdb.XRevRangeN(ctx, dlqKey(topic), "+", "-", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]ports.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}
		var entry ports.DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
