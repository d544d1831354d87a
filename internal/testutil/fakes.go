// Package testutil provides in-memory doubles for the pipeline's ports.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

// FakeBus records publishes and lets tests feed subscriptions by hand.
type FakeBus struct {
	mu        sync.Mutex
	Published map[string][]domain.Envelope
	Acked     []domain.Envelope
	Nacked    []domain.Envelope
	subs      map[string]chan domain.Envelope
}

var _ ports.Bus = (*FakeBus)(nil)

func NewFakeBus() *FakeBus {
	return &FakeBus{
		Published: map[string][]domain.Envelope{},
		subs:      map[string]chan domain.Envelope{},
	}
}

func (b *FakeBus) Publish(_ context.Context, topic string, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	env.Topic = topic
	b.Published[topic] = append(b.Published[topic], env)
	return nil
}

func (b *FakeBus) Subscribe(ctx context.Context, topic, _ string) (<-chan domain.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.Envelope, 16)
	b.subs[topic] = ch
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Deliver pushes an envelope into a topic's subscription.
func (b *FakeBus) Deliver(topic string, env domain.Envelope) {
	b.mu.Lock()
	ch := b.subs[topic]
	b.mu.Unlock()
	env.Topic = topic
	ch <- env
}

func (b *FakeBus) Ack(_ context.Context, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Acked = append(b.Acked, env)
	return nil
}

func (b *FakeBus) Nack(_ context.Context, env domain.Envelope, _ error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Nacked = append(b.Nacked, env)
	return nil
}

// TopicCount returns how many envelopes were published to a topic.
func (b *FakeBus) TopicCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published[topic])
}

// LastPublished returns the newest envelope on a topic, or nil.
func (b *FakeBus) LastPublished(topic string) *domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	envs := b.Published[topic]
	if len(envs) == 0 {
		return nil
	}
	env := envs[len(envs)-1]
	return &env
}

// MemStore is an in-memory ports.TaskStore.
type MemStore struct {
	mu        sync.Mutex
	Tasks     map[string]domain.Task
	CancelSet map[string]bool
	processed map[string]bool
}

var _ ports.TaskStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		Tasks:     map[string]domain.Task{},
		CancelSet: map[string]bool{},
		processed: map[string]bool{},
	}
}

func (s *MemStore) Save(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now()
	s.Tasks[t.ID] = t
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (s *MemStore) Transition(_ context.Context, id string, from, to domain.TaskStatus, mutate func(*domain.Task)) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status != from {
		return nil, domain.ErrConflict
	}
	t.Status = to
	if mutate != nil {
		mutate(&t)
	}
	t.UpdatedAt = time.Now()
	s.Tasks[id] = t
	return &t, nil
}

func (s *MemStore) ListByStatus(_ context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemStore) InFlight(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.Tasks {
		if t.AssignedAgentID == agentID &&
			(t.Status == domain.StatusAssigned || t.Status == domain.StatusInProgress) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelSet[id] = true
	return nil
}

func (s *MemStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelSet[id], nil
}

func (s *MemStore) MarkProcessed(_ context.Context, correlationID, stage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stage + ":" + correlationID
	if s.processed[key] {
		return true, nil
	}
	s.processed[key] = true
	return false, nil
}

// FakeRegistry serves a fixed agent set.
type FakeRegistry struct {
	mu     sync.Mutex
	Agents []domain.Agent
	Beats  []domain.Heartbeat
}

var _ ports.Registry = (*FakeRegistry)(nil)

func (r *FakeRegistry) Beat(_ context.Context, hb domain.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Beats = append(r.Beats, hb)
	return nil
}

func (r *FakeRegistry) Deregister(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.Agents {
		if a.ID == agentID {
			r.Agents = append(r.Agents[:i], r.Agents[i+1:]...)
			break
		}
	}
	return nil
}

func (r *FakeRegistry) Get(_ context.Context, agentID string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.Agents {
		if a.ID == agentID {
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *FakeRegistry) Eligible(_ context.Context, taskType domain.TaskType) ([]domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var healthy, degraded []domain.Agent
	for _, a := range r.Agents {
		if !a.CanHandle(taskType) {
			continue
		}
		switch a.Status {
		case domain.AgentHealthy:
			healthy = append(healthy, a)
		case domain.AgentDegraded:
			degraded = append(degraded, a)
		}
	}
	return append(healthy, degraded...), nil
}

// MemPosts is an in-memory ports.PostStore.
type MemPosts struct {
	mu      sync.Mutex
	Posts   map[string]domain.ScheduledPost
	Records []domain.PerformanceRecord
	Scores  map[string][]float64
}

var _ ports.PostStore = (*MemPosts)(nil)

func NewMemPosts() *MemPosts {
	return &MemPosts{
		Posts:  map[string]domain.ScheduledPost{},
		Scores: map[string][]float64{},
	}
}

func (p *MemPosts) SavePost(_ context.Context, post domain.ScheduledPost) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Posts[post.TaskID] = post
	return nil
}

func (p *MemPosts) GetPost(_ context.Context, taskID string) (*domain.ScheduledPost, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	post, ok := p.Posts[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &post, nil
}

func (p *MemPosts) PendingPosts(_ context.Context, platform string) ([]domain.ScheduledPost, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ScheduledPost
	for _, post := range p.Posts {
		if post.Platform == platform && post.Status == domain.PostScheduled {
			out = append(out, post)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetTime.Before(out[j].TargetTime) })
	return out, nil
}

func (p *MemPosts) SavePerformance(_ context.Context, r domain.PerformanceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Records = append(p.Records, r)
	p.Scores[r.ContentType] = append([]float64{r.RawScore}, p.Scores[r.ContentType]...)
	return nil
}

func (p *MemPosts) RecentScores(_ context.Context, contentType string, limit int) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	scores := p.Scores[contentType]
	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}

// ScriptedLimiter replays a fixed sequence of limiter answers.
type ScriptedLimiter struct {
	mu      sync.Mutex
	Answers []LimiterAnswer
	Calls   int
}

type LimiterAnswer struct {
	OK         bool
	RetryAfter time.Duration
}

var _ ports.RateLimiter = (*ScriptedLimiter)(nil)

func (l *ScriptedLimiter) Acquire(_ context.Context, _ string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	if len(l.Answers) == 0 {
		return true, 0, nil
	}
	a := l.Answers[0]
	if len(l.Answers) > 1 {
		l.Answers = l.Answers[1:]
	}
	return a.OK, a.RetryAfter, nil
}

// ScriptedPlatform fails with the queued errors, then succeeds.
type ScriptedPlatform struct {
	mu       sync.Mutex
	name     string
	Errs     []error
	Publishs int
	Metrics  domain.RawMetrics
}

var _ ports.Platform = (*ScriptedPlatform)(nil)

func NewScriptedPlatform(name string, errs ...error) *ScriptedPlatform {
	return &ScriptedPlatform{name: name, Errs: errs}
}

func (p *ScriptedPlatform) Name() string { return p.name }

func (p *ScriptedPlatform) Publish(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Publishs++
	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		return "", err
	}
	return "ext-" + p.name, nil
}

func (p *ScriptedPlatform) FetchMetrics(_ context.Context, _ string) (domain.RawMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Metrics, nil
}
