package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"agentpipe/internal/agent"
	"agentpipe/internal/config"
	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
	"agentpipe/internal/ports"
)

// Engine is the publisher stage: a specialized consumer that schedules
// approved content into an optimal slot, formats it per platform, pushes it
// through the rate-limited dispatch queue, and records performance.
type Engine struct {
	runner      *agent.Runner
	bus         ports.Bus
	store       ports.TaskStore
	posts       ports.PostStore
	limiter     ports.RateLimiter
	platforms   map[string]ports.Platform
	profiles    map[string]domain.PlatformProfile
	dispatchers map[string]*dispatcher
	metrics     *metrics.Collector
	cfg         config.Publisher
	now         func() time.Time
	log         zerolog.Logger
}

func NewEngine(
	bus ports.Bus,
	store ports.TaskStore,
	registry ports.Registry,
	posts ports.PostStore,
	limiter ports.RateLimiter,
	platforms map[string]ports.Platform,
	profiles map[string]domain.PlatformProfile,
	mc *metrics.Collector,
	cfg config.Publisher,
	hbInterval time.Duration,
	log zerolog.Logger,
) *Engine {
	e := &Engine{
		bus:         bus,
		store:       store,
		posts:       posts,
		limiter:     limiter,
		platforms:   platforms,
		profiles:    profiles,
		dispatchers: map[string]*dispatcher{},
		metrics:     mc,
		cfg:         cfg,
		now:         time.Now,
		log:         log.With().Str("component", "publisher").Logger(),
	}
	e.runner = agent.NewRunner(domain.AgentPublisher, nil, bus, store, registry, mc, hbInterval, log)
	e.runner.RegisterAsync(domain.TypePublish, e.Schedule)

	for name, platform := range platforms {
		profile, ok := profiles[name]
		if !ok {
			e.log.Warn().Str("platform", name).Msg("platform has no profile, skipping")
			continue
		}
		e.dispatchers[name] = newDispatcher(e, platform, profile, log)
	}
	return e
}

// Run reloads pending posts, starts one dispatcher per platform, then the
// agent loop. Blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.rehydrate(ctx); err != nil {
		return err
	}
	for _, d := range e.dispatchers {
		go d.run(ctx)
	}
	return e.runner.Run(ctx)
}

// rehydrate rebuilds each platform queue from the post store so a restart
// does not orphan scheduled posts.
func (e *Engine) rehydrate(ctx context.Context) error {
	for name, d := range e.dispatchers {
		posts, err := e.posts.PendingPosts(ctx, name)
		if err != nil {
			return fmt.Errorf("pending posts for %s: %w", name, err)
		}
		requeued := 0
		for _, post := range posts {
			task, err := e.store.Get(ctx, post.TaskID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			if task.Status.Terminal() {
				continue
			}
			d.push(&job{post: post, task: *task})
			requeued++
		}
		if requeued > 0 {
			e.log.Info().Str("platform", name).Int("count", requeued).Msg("requeued pending posts")
		}
	}
	return nil
}

// Schedule is the async publish-stage handler: it picks the slot, formats,
// persists the scheduled post, and enqueues it. The result is reported only
// after dispatch and tracking settle.
func (e *Engine) Schedule(ctx context.Context, task domain.Task) error {
	platformName := task.Payload["platform"]
	if platformName == "" {
		platformName = "linkedin"
	}
	d, ok := e.dispatchers[platformName]
	if !ok {
		return fmt.Errorf("%w: no dispatcher for platform %q", domain.ErrNonRetryable, platformName)
	}

	content := ParseContent(task.Payload["content"])
	if content.Body == "" {
		return fmt.Errorf("%w: publish task carries no content", domain.ErrNonRetryable)
	}

	formatted, err := Format(content, d.profile)
	if err != nil {
		return err
	}

	inputs, err := e.timingInputs(task)
	if err != nil {
		return err
	}
	slot := OptimalSlot(e.now(), e.cfg.WindowDays, inputs)

	post := domain.ScheduledPost{
		TaskID:           task.ID,
		Platform:         platformName,
		FormattedContent: formatted,
		TargetTime:       slot,
		Status:           domain.PostScheduled,
	}
	if err := e.posts.SavePost(ctx, post); err != nil {
		return fmt.Errorf("save scheduled post: %w", err)
	}

	e.log.Info().
		Str("task_id", task.ID).
		Str("platform", platformName).
		Time("target_time", slot).
		Msg("post scheduled")
	d.push(&job{post: post, task: task})
	return nil
}

// timingInputs reads the audience metadata off the task. Missing metadata is
// allowed: zero signals make every slot equal and the earliest wins.
func (e *Engine) timingInputs(task domain.Task) (TimingInputs, error) {
	raw, ok := task.Payload["audience"]
	if !ok || raw == "" {
		return TimingInputs{}, nil
	}
	var in TimingInputs
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return TimingInputs{}, fmt.Errorf("audience metadata: %w: %w", domain.ErrNonRetryable, err)
	}
	return in, nil
}

// recordRetry appends a platform-level failure to the task's history and
// bumps its retry count. It goes through the guarded transition so a
// concurrent reaper or cancellation is never overwritten; if the task moved
// in the meantime, that transition wins and the bookkeeping is skipped.
func (e *Engine) recordRetry(ctx context.Context, taskID string, cause error) {
	t, err := e.store.Get(ctx, taskID)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", taskID).Msg("retry bookkeeping failed")
		return
	}
	if t.Status.Terminal() {
		return
	}
	_, err = e.store.Transition(ctx, taskID, t.Status, t.Status, func(t *domain.Task) {
		t.RetryCount++
		t.Failures = append(t.Failures, domain.TaskFailure{
			Attempt:   t.RetryCount,
			AgentID:   t.AssignedAgentID,
			Class:     "retryable",
			Error:     cause.Error(),
			Timestamp: time.Now(),
		})
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		e.log.Error().Err(err).Str("task_id", taskID).Msg("retry bookkeeping failed")
	}
}
