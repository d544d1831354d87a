package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

var _ ports.Registry = (*Registry)(nil)

const hbPrefix = "agent:hb:"

// Registry keeps one TTL key per agent holding its latest heartbeat. A key
// that expired means the agent is dead; liveness below that is computed from
// heartbeat age.
type Registry struct {
	rdb      *redis.Client
	interval time.Duration
	ttl      time.Duration
}

func NewRegistry(rdb *redis.Client, interval, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, interval: interval, ttl: ttl}
}

func (r *Registry) Beat(ctx context.Context, hb domain.Heartbeat) error {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now()
	}
	b, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return r.rdb.Set(ctx, hbPrefix+hb.AgentID, b, r.ttl).Err()
}

func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	return r.rdb.Del(ctx, hbPrefix+agentID).Err()
}

func (r *Registry) Get(ctx context.Context, agentID string) (*domain.Agent, error) {
	b, err := r.rdb.Get(ctx, hbPrefix+agentID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	agent, err := r.decode(b)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Eligible scans heartbeat keys and returns live agents able to run taskType,
// healthy ones first, degraded after. Dead agents never appear: their keys
// have expired.
func (r *Registry) Eligible(ctx context.Context, taskType domain.TaskType) ([]domain.Agent, error) {
	var healthy, degraded []domain.Agent

	iter := r.rdb.Scan(ctx, 0, hbPrefix+"*", 64).Iterator()
	for iter.Next(ctx) {
		b, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		agent, err := r.decode(b)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("key", iter.Val()).Msg("skipping undecodable heartbeat")
			continue
		}
		if !agent.CanHandle(taskType) {
			continue
		}
		switch agent.Status {
		case domain.AgentHealthy:
			healthy = append(healthy, *agent)
		case domain.AgentDegraded:
			degraded = append(degraded, *agent)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return append(healthy, degraded...), nil
}

func (r *Registry) decode(b []byte) (*domain.Agent, error) {
	var hb domain.Heartbeat
	if err := json.Unmarshal(b, &hb); err != nil {
		return nil, err
	}
	status := domain.Liveness(hb.Timestamp, time.Now(), r.interval)
	// An agent reporting itself degraded stays degraded even with fresh
	// heartbeats.
	if hb.Status == domain.AgentDegraded && status == domain.AgentHealthy {
		status = domain.AgentDegraded
	}
	return &domain.Agent{
		ID:            hb.AgentID,
		Type:          hb.Type,
		Capabilities:  hb.Capabilities,
		Status:        status,
		LastHeartbeat: hb.Timestamp,
	}, nil
}
