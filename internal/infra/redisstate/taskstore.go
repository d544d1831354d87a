package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

var _ ports.TaskStore = (*TaskStore)(nil)

// TaskStore persists tasks as JSON values with per-status index sets and a
// per-agent in-flight set. Status transitions run under WATCH so a task keeps
// at most one active assignment.
type TaskStore struct {
	rdb *redis.Client
}

func NewTaskStore(rdb *redis.Client) *TaskStore {
	return &TaskStore{rdb: rdb}
}

func taskKey(id string) string             { return "task:" + id }
func cancelKey(id string) string           { return "task:" + id + ":cancelled" }
func statusKey(s domain.TaskStatus) string { return "tasks:status:" + string(s) }
func inflightKey(agent string) string      { return "agent:inflight:" + agent }

func (s *TaskStore) Save(ctx context.Context, t domain.Task) error {
	t.UpdatedAt = time.Now()
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(t.ID), b, 0)
		pipe.SAdd(ctx, statusKey(t.Status), t.ID)
		return nil
	})
	return err
}

func (s *TaskStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	b, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var t domain.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

func (s *TaskStore) Transition(ctx context.Context, id string, from, to domain.TaskStatus, mutate func(*domain.Task)) (*domain.Task, error) {
	var result *domain.Task
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, taskKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrNotFound
			}
			return err
		}
		var t domain.Task
		if err := json.Unmarshal(b, &t); err != nil {
			return fmt.Errorf("unmarshal task %s: %w", id, err)
		}
		if t.Status != from {
			return fmt.Errorf("%w: task %s is %s, expected %s", domain.ErrConflict, id, t.Status, from)
		}

		prevAgent := t.AssignedAgentID
		t.Status = to
		if mutate != nil {
			mutate(&t)
		}
		t.UpdatedAt = time.Now()

		nb, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, taskKey(id), nb, 0)
			pipe.SRem(ctx, statusKey(from), id)
			pipe.SAdd(ctx, statusKey(to), id)

			// In-flight bookkeeping: a task counts against its agent
			// from assignment until it leaves the active states.
			if to == domain.StatusAssigned && t.AssignedAgentID != "" {
				pipe.SAdd(ctx, inflightKey(t.AssignedAgentID), id)
			}
			if activeStatus(from) && !activeStatus(to) && prevAgent != "" {
				pipe.SRem(ctx, inflightKey(prevAgent), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &t
		return nil
	}, taskKey(id))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("%w: task %s", domain.ErrConflict, id)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func activeStatus(s domain.TaskStatus) bool {
	return s == domain.StatusAssigned || s == domain.StatusInProgress
}

func (s *TaskStore) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	ids, err := s.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				_ = s.rdb.SRem(ctx, statusKey(status), id).Err()
				continue
			}
			return nil, err
		}
		// Index sets can lag the records themselves, filter by the
		// record's own status.
		if t.Status == status {
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}

func (s *TaskStore) InFlight(ctx context.Context, agentID string) (int, error) {
	n, err := s.rdb.SCard(ctx, inflightKey(agentID)).Result()
	return int(n), err
}

func (s *TaskStore) Cancel(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, cancelKey(id), "1", 0).Err(); err != nil {
		return err
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	_, err = s.Transition(ctx, id, t.Status, domain.StatusCancelled, nil)
	if errors.Is(err, domain.ErrConflict) {
		// Raced with another transition; the flag alone stops any
		// further side effects.
		return nil
	}
	return err
}

func (s *TaskStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(id)).Result()
	return n > 0, err
}

// MarkProcessed is the replay guard: SETNX on the correlation id per stage.
func (s *TaskStore) MarkProcessed(ctx context.Context, correlationID, stage string) (bool, error) {
	key := "processed:" + stage + ":" + correlationID
	set, err := s.rdb.SetNX(ctx, key, "1", 24*time.Hour).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
