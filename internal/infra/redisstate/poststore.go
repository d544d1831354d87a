package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

var _ ports.PostStore = (*PostStore)(nil)

// PostStore persists scheduled posts, performance records and the rolling
// score history used as a per-content-type benchmark.
type PostStore struct {
	rdb     *redis.Client
	history int
}

func NewPostStore(rdb *redis.Client, historyWindow int) *PostStore {
	if historyWindow <= 0 {
		historyWindow = 50
	}
	return &PostStore{rdb: rdb, history: historyWindow}
}

func pendingKey(platform string) string { return "posts:pending:" + platform }

// SavePost writes the record and keeps the per-platform pending index in
// step: scheduled posts are members of a ZSET scored by target time, any
// other status removes them.
func (s *PostStore) SavePost(ctx context.Context, p domain.ScheduledPost) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal post: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "post:"+p.TaskID, b, 0)
		if p.Status == domain.PostScheduled {
			pipe.ZAdd(ctx, pendingKey(p.Platform), redis.Z{
				Score:  float64(p.TargetTime.Unix()),
				Member: p.TaskID,
			})
		} else {
			pipe.ZRem(ctx, pendingKey(p.Platform), p.TaskID)
		}
		return nil
	})
	return err
}

func (s *PostStore) GetPost(ctx context.Context, taskID string) (*domain.ScheduledPost, error) {
	b, err := s.rdb.Get(ctx, "post:"+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var p domain.ScheduledPost
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("unmarshal post %s: %w", taskID, err)
	}
	return &p, nil
}

func (s *PostStore) PendingPosts(ctx context.Context, platform string) ([]domain.ScheduledPost, error) {
	ids, err := s.rdb.ZRange(ctx, pendingKey(platform), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	posts := make([]domain.ScheduledPost, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPost(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				_ = s.rdb.ZRem(ctx, pendingKey(platform), id).Err()
				continue
			}
			return nil, err
		}
		// The index can lag the record, filter on the record's own status.
		if p.Status == domain.PostScheduled {
			posts = append(posts, *p)
		}
	}
	return posts, nil
}

func (s *PostStore) SavePerformance(ctx context.Context, r domain.PerformanceRecord) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal performance record: %w", err)
	}
	historyKey := "perf:scores:" + r.ContentType
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "perf:"+r.ScheduledPostID, b, 0)
		pipe.LPush(ctx, historyKey, strconv.FormatFloat(r.RawScore, 'f', -1, 64))
		pipe.LTrim(ctx, historyKey, 0, int64(s.history-1))
		return nil
	})
	return err
}

func (s *PostStore) RecentScores(ctx context.Context, contentType string, limit int) ([]float64, error) {
	if limit <= 0 || limit > s.history {
		limit = s.history
	}
	vals, err := s.rdb.LRange(ctx, "perf:scores:"+contentType, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	scores := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		scores = append(scores, f)
	}
	return scores, nil
}
