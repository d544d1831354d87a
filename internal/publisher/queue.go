package publisher

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
	"agentpipe/pkg/backoff"
)

// job is one scheduled post plus the task it settles and its platform-level
// retry count.
type job struct {
	post     domain.ScheduledPost
	task     domain.Task
	attempts int
}

// jobHeap orders jobs by target time, earliest first.
type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].post.TargetTime.Before(h[j].post.TargetTime) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// dispatcher is the single writer for one platform. One goroutine pops due
// jobs off the heap, so two posts can never race the same platform.
type dispatcher struct {
	engine   *Engine
	platform ports.Platform
	profile  domain.PlatformProfile

	mu   sync.Mutex
	jobs jobHeap
	wake chan struct{}
	log  zerolog.Logger
}

func newDispatcher(e *Engine, platform ports.Platform, profile domain.PlatformProfile, log zerolog.Logger) *dispatcher {
	d := &dispatcher{
		engine:   e,
		platform: platform,
		profile:  profile,
		wake:     make(chan struct{}, 1),
		log:      log.With().Str("platform", profile.Name).Logger(),
	}
	heap.Init(&d.jobs)
	return d
}

func (d *dispatcher) push(j *job) {
	d.mu.Lock()
	heap.Push(&d.jobs, j)
	depth := len(d.jobs)
	d.mu.Unlock()

	d.engine.metrics.QueueDepth.WithLabelValues(d.profile.Name).Set(float64(depth))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// peek returns the earliest job without removing it.
func (d *dispatcher) peek() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		return nil
	}
	return d.jobs[0]
}

func (d *dispatcher) pop() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.jobs) == 0 {
		return nil
	}
	j := heap.Pop(&d.jobs).(*job)
	d.engine.metrics.QueueDepth.WithLabelValues(d.profile.Name).Set(float64(len(d.jobs)))
	return j
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		next := d.peek()
		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}

		wait := time.Until(next.post.TargetTime)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-d.wake:
				// An earlier job may have arrived, re-peek.
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if j := d.pop(); j != nil {
			d.dispatch(ctx, j)
		}
	}
}

// dispatch runs one publish attempt, deferring on rate limits and backing
// off on retryable platform failures.
func (d *dispatcher) dispatch(ctx context.Context, j *job) {
	log := d.log.With().Str("task_id", j.task.ID).Logger()

	// Last cancellation check before the externally visible side effect.
	cancelled, err := d.engine.store.IsCancelled(ctx, j.task.ID)
	if err != nil {
		d.requeue(ctx, j, time.Now().Add(10*time.Second))
		return
	}
	if cancelled {
		log.Info().Msg("task cancelled before dispatch")
		j.post.Status = domain.PostFailed
		j.post.FailureReason = "cancelled"
		_ = d.engine.posts.SavePost(ctx, j.post)
		return
	}

	ok, retryAfter, err := d.engine.limiter.Acquire(ctx, d.profile.Name)
	if err != nil {
		log.Error().Err(err).Msg("rate limiter unavailable")
		d.requeue(ctx, j, time.Now().Add(10*time.Second))
		return
	}
	if !ok {
		next := time.Now().Add(retryAfter)
		log.Info().Time("deferred_to", next).Msg("rate limit reached, deferring")
		d.requeue(ctx, j, next)
		return
	}

	j.post.Status = domain.PostPosting
	_ = d.engine.posts.SavePost(ctx, j.post)

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	externalID, pubErr := d.platform.Publish(callCtx, j.post.FormattedContent)
	cancel()

	if pubErr == nil {
		j.post.Status = domain.PostPosted
		j.post.ExternalPostID = externalID
		if err := d.engine.posts.SavePost(ctx, j.post); err != nil {
			log.Error().Err(err).Msg("saving posted state failed")
		}
		d.engine.metrics.Publishes.WithLabelValues(d.profile.Name, "success").Inc()
		log.Info().Str("external_post_id", externalID).Msg("published")
		go d.engine.track(ctx, j.task, j.post)
		return
	}

	// MaxRetries counts retries after the initial attempt.
	if ports.IsRetryable(pubErr) && j.attempts < d.engine.cfg.MaxRetries {
		j.attempts++
		d.engine.metrics.Publishes.WithLabelValues(d.profile.Name, "retry").Inc()
		d.engine.recordRetry(ctx, j.task.ID, pubErr)
		delay := backoff.ExponentialJitter(time.Second, 5*time.Minute, j.attempts)
		log.Warn().Err(pubErr).Dur("backoff", delay).Int("attempt", j.attempts).Msg("publish failed, retrying")
		d.requeue(ctx, j, time.Now().Add(delay))
		return
	}

	// Exhausted or non-retryable: record and surface, never drop.
	j.post.Status = domain.PostFailed
	j.post.FailureReason = pubErr.Error()
	_ = d.engine.posts.SavePost(ctx, j.post)
	d.engine.metrics.Publishes.WithLabelValues(d.profile.Name, "failure").Inc()
	log.Error().Err(pubErr).Msg("publish failed permanently")

	reportErr := pubErr
	if !ports.IsRetryable(pubErr) && !errors.Is(pubErr, domain.ErrNonRetryable) {
		reportErr = errors.Join(domain.ErrNonRetryable, pubErr)
	}
	if err := d.engine.runner.Report(ctx, j.task, nil, reportErr); err != nil {
		log.Error().Err(err).Msg("result report failed")
	}
}

func (d *dispatcher) requeue(ctx context.Context, j *job, at time.Time) {
	j.post.TargetTime = at
	j.post.Status = domain.PostScheduled
	if err := d.engine.posts.SavePost(ctx, j.post); err != nil {
		d.log.Error().Err(err).Str("task_id", j.task.ID).Msg("saving deferred post failed")
	}
	d.push(j)
}
