package redisstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

var _ ports.RateLimiter = (*RateLimiter)(nil)

// RateLimiter enforces per-platform publish budgets with atomic counters
// keyed by clock hour and day, plus a last-publish timestamp for the minimum
// interval between posts.
type RateLimiter struct {
	rdb      *redis.Client
	profiles map[string]domain.PlatformProfile
	now      func() time.Time
}

func NewRateLimiter(rdb *redis.Client, profiles map[string]domain.PlatformProfile) *RateLimiter {
	return &RateLimiter{rdb: rdb, profiles: profiles, now: time.Now}
}

func (l *RateLimiter) Acquire(ctx context.Context, platform string) (bool, time.Duration, error) {
	profile, ok := l.profiles[platform]
	if !ok {
		return false, 0, fmt.Errorf("%w: unknown platform %q", domain.ErrNonRetryable, platform)
	}
	limit := profile.RateLimit
	now := l.now()

	lastKey := "rate:" + platform + ":last"
	var last time.Time
	lastUnix, err := l.rdb.Get(ctx, lastKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, err
	}
	if err == nil {
		last = time.Unix(lastUnix, 0)
	}
	if wait := spacingWait(limit, now, last); wait > 0 {
		return false, wait, nil
	}

	hourKey := fmt.Sprintf("rate:%s:h:%s", platform, now.Format("2006010215"))
	dayKey := fmt.Sprintf("rate:%s:d:%s", platform, now.Format("20060102"))

	hourCount, err := l.incrWithExpiry(ctx, hourKey, 2*time.Hour)
	if err != nil {
		return false, 0, err
	}
	dayCount, err := l.incrWithExpiry(ctx, dayKey, 48*time.Hour)
	if err != nil {
		_ = l.rdb.Decr(ctx, hourKey).Err()
		return false, 0, err
	}

	if ok, retryAfter := budgetVerdict(limit, now, hourCount, dayCount); !ok {
		_ = l.rdb.Decr(ctx, hourKey).Err()
		_ = l.rdb.Decr(ctx, dayKey).Err()
		return false, retryAfter, nil
	}

	if err := l.rdb.Set(ctx, lastKey, now.Unix(), 48*time.Hour).Err(); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// spacingWait returns how much of the minimum interval between consecutive
// posts is still outstanding. A zero last means no prior post.
func spacingWait(limit domain.RateLimit, now, last time.Time) time.Duration {
	if limit.MinInterval() <= 0 || last.IsZero() {
		return 0
	}
	if elapsed := now.Sub(last); elapsed < limit.MinInterval() {
		return limit.MinInterval() - elapsed
	}
	return 0
}

// budgetVerdict checks the post-increment counters against the hourly and
// daily budgets. A zero budget means unlimited.
func budgetVerdict(limit domain.RateLimit, now time.Time, hourCount, dayCount int64) (bool, time.Duration) {
	if limit.Hourly > 0 && hourCount > int64(limit.Hourly) {
		return false, untilNextHour(now)
	}
	if limit.Daily > 0 && dayCount > int64(limit.Daily) {
		return false, untilNextDay(now)
	}
	return true, 0
}

func (l *RateLimiter) incrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now)
}
