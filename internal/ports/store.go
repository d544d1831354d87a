package ports

import (
	"context"
	"time"

	"agentpipe/internal/domain"
)

// TaskStore persists task records across process restarts.
type TaskStore interface {
	Save(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)

	// Transition moves a task from one status to another. It fails with
	// domain.ErrConflict when the stored status no longer matches from,
	// which keeps a task at one active assignment at a time.
	Transition(ctx context.Context, id string, from, to domain.TaskStatus, mutate func(*domain.Task)) (*domain.Task, error)

	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error)

	// InFlight returns the number of non-terminal tasks assigned to the
	// agent, used for least-loaded assignment.
	InFlight(ctx context.Context, agentID string) (int, error)

	Cancel(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)

	// MarkProcessed records that correlationID was handled by stage and
	// reports whether it had been already. Backing for replay no-ops.
	MarkProcessed(ctx context.Context, correlationID, stage string) (alreadyDone bool, err error)
}

// Registry tracks agent heartbeats and computes liveness.
type Registry interface {
	Beat(ctx context.Context, hb domain.Heartbeat) error
	Deregister(ctx context.Context, agentID string) error
	Get(ctx context.Context, agentID string) (*domain.Agent, error)

	// Eligible returns live agents able to run taskType, healthy agents
	// first. Degraded agents are included only as fallback material.
	Eligible(ctx context.Context, taskType domain.TaskType) ([]domain.Agent, error)
}

// RateLimiter guards per-platform publish budgets with rolling counters.
type RateLimiter interface {
	// Acquire consumes one publish slot for the platform. When the hourly
	// or daily budget is exhausted or the minimum interval since the last
	// publish has not elapsed, ok is false and retryAfter says how long to
	// defer.
	Acquire(ctx context.Context, platform string) (ok bool, retryAfter time.Duration, err error)
}

// PostStore persists scheduled posts and their performance records.
type PostStore interface {
	SavePost(ctx context.Context, p domain.ScheduledPost) error
	GetPost(ctx context.Context, taskID string) (*domain.ScheduledPost, error)

	// PendingPosts returns the platform's posts still in scheduled status,
	// ordered by target time. Dispatch queues rebuild from it on startup.
	PendingPosts(ctx context.Context, platform string) ([]domain.ScheduledPost, error)

	SavePerformance(ctx context.Context, r domain.PerformanceRecord) error

	// RecentScores returns up to limit prior performance scores for the
	// content type, newest first. Benchmark input for normalization.
	RecentScores(ctx context.Context, contentType string, limit int) ([]float64, error)
}
