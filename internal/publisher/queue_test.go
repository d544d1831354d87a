package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"agentpipe/internal/config"
	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
	"agentpipe/internal/ports"
	"agentpipe/internal/testutil"
)

type engineFixture struct {
	engine   *Engine
	bus      *testutil.FakeBus
	store    *testutil.MemStore
	posts    *testutil.MemPosts
	limiter  *testutil.ScriptedLimiter
	platform *testutil.ScriptedPlatform
}

func newEngineFixture(t *testing.T, platform *testutil.ScriptedPlatform) *engineFixture {
	t.Helper()
	bus := testutil.NewFakeBus()
	store := testutil.NewMemStore()
	posts := testutil.NewMemPosts()
	limiter := &testutil.ScriptedLimiter{}
	cfg := config.Publisher{
		WindowDays:      7,
		MaxRetries:      3,
		MetricsDelay:    time.Millisecond,
		BenchmarkWindow: 50,
	}
	e := NewEngine(
		bus, store, &testutil.FakeRegistry{}, posts, limiter,
		map[string]ports.Platform{platform.Name(): platform},
		DefaultProfiles(),
		metrics.New(prometheus.NewRegistry()),
		cfg, time.Minute, zerolog.Nop(),
	)
	return &engineFixture{engine: e, bus: bus, store: store, posts: posts, limiter: limiter, platform: platform}
}

func publishTask(id string) domain.Task {
	return domain.Task{
		ID:   id,
		Type: domain.TypePublish,
		Payload: map[string]string{
			"platform": "linkedin",
			"content":  "A short insight about pipelines.",
		},
		Status:     domain.StatusInProgress,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}
}

func waitForResult(t *testing.T, bus *testutil.FakeBus) domain.TaskResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env := bus.LastPublished(domain.TopicResults); env != nil {
			var res domain.TaskResult
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no task result published in time")
	return domain.TaskResult{}
}

func TestScheduleEnqueuesScheduledPost(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))
	ctx := context.Background()

	task := publishTask("pub-1")
	_ = fx.store.Save(ctx, task)

	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	post, err := fx.posts.GetPost(ctx, "pub-1")
	if err != nil {
		t.Fatalf("scheduled post not persisted: %v", err)
	}
	if post.Status != domain.PostScheduled {
		t.Fatalf("post status = %s, want scheduled", post.Status)
	}
	if post.FormattedContent == "" {
		t.Fatal("post has no formatted content")
	}
	if !post.TargetTime.After(time.Now()) {
		t.Fatalf("target time %v not in the future", post.TargetTime)
	}

	d := fx.engine.dispatchers["linkedin"]
	if d.peek() == nil {
		t.Fatal("job not enqueued on the platform dispatcher")
	}
}

func TestScheduleRejectsUnknownPlatform(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))

	task := publishTask("pub-2")
	task.Payload["platform"] = "myspace"
	err := fx.engine.Schedule(context.Background(), task)
	if err == nil {
		t.Fatal("unknown platform accepted")
	}
	if !errors.Is(err, domain.ErrNonRetryable) {
		t.Fatalf("error not non-retryable: %v", err)
	}
}

func TestDispatchRetriesRateLimitResponsesThenSucceeds(t *testing.T) {
	limited := &ports.PlatformError{StatusCode: 429, Message: "too many requests"}
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin", limited, limited))
	ctx := context.Background()

	task := publishTask("pub-3")
	_ = fx.store.Save(ctx, task)
	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	// Drive the dispatcher by hand instead of waiting out the backoff.
	d := fx.engine.dispatchers["linkedin"]
	for i := 0; i < 3; i++ {
		j := d.pop()
		if j == nil {
			t.Fatalf("attempt %d: queue empty", i+1)
		}
		d.dispatch(ctx, j)
	}

	if fx.platform.Publishs != 3 {
		t.Fatalf("platform called %d times, want 3", fx.platform.Publishs)
	}
	post, _ := fx.posts.GetPost(ctx, "pub-3")
	if post.Status != domain.PostPosted {
		t.Fatalf("post status = %s, want posted", post.Status)
	}
	if post.ExternalPostID != "ext-linkedin" {
		t.Fatalf("external id = %q", post.ExternalPostID)
	}

	stored, _ := fx.store.Get(ctx, "pub-3")
	if stored.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", stored.RetryCount)
	}
	if len(stored.Failures) != 2 {
		t.Fatalf("failure history has %d entries, want 2", len(stored.Failures))
	}

	res := waitForResult(t, fx.bus)
	if !res.Success {
		t.Fatalf("result not successful: %+v", res)
	}
	if res.Output["external_post_id"] != "ext-linkedin" {
		t.Fatalf("result output missing external id: %v", res.Output)
	}
	if len(fx.posts.Records) != 1 {
		t.Fatalf("%d performance records, want 1", len(fx.posts.Records))
	}
}

func TestDispatchDefersOnLocalRateLimit(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))
	fx.limiter.Answers = []testutil.LimiterAnswer{{OK: false, RetryAfter: 30 * time.Minute}}
	ctx := context.Background()

	task := publishTask("pub-4")
	_ = fx.store.Save(ctx, task)
	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	d := fx.engine.dispatchers["linkedin"]
	before := time.Now()
	d.dispatch(ctx, d.pop())

	if fx.platform.Publishs != 0 {
		t.Fatal("platform called despite the local rate limit")
	}
	j := d.peek()
	if j == nil {
		t.Fatal("deferred job not requeued")
	}
	if j.post.TargetTime.Before(before.Add(29 * time.Minute)) {
		t.Fatalf("deferred only until %v, want ~30m out", j.post.TargetTime)
	}
	if j.attempts != 0 {
		t.Fatalf("deferral consumed a publish attempt: %d", j.attempts)
	}
	post, _ := fx.posts.GetPost(ctx, "pub-4")
	if post.Status != domain.PostScheduled {
		t.Fatalf("post status = %s, want scheduled", post.Status)
	}
}

func TestDispatchFailsPermanentlyOnContentRejection(t *testing.T) {
	rejected := &ports.PlatformError{StatusCode: 422, Message: "content rejected"}
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin", rejected))
	ctx := context.Background()

	task := publishTask("pub-5")
	_ = fx.store.Save(ctx, task)
	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	d := fx.engine.dispatchers["linkedin"]
	d.dispatch(ctx, d.pop())

	if fx.platform.Publishs != 1 {
		t.Fatalf("platform called %d times, want 1", fx.platform.Publishs)
	}
	post, _ := fx.posts.GetPost(ctx, "pub-5")
	if post.Status != domain.PostFailed {
		t.Fatalf("post status = %s, want failed", post.Status)
	}
	if post.FailureReason == "" {
		t.Fatal("no failure reason recorded")
	}

	res := waitForResult(t, fx.bus)
	if res.Success {
		t.Fatal("rejected publish reported success")
	}
	if !strings.Contains(res.Error, domain.ErrNonRetryable.Error()) {
		t.Fatalf("error %q not marked non-retryable", res.Error)
	}
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	limited := &ports.PlatformError{StatusCode: 503, Message: "upstream down"}
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin", limited, limited, limited, limited, limited))
	ctx := context.Background()

	task := publishTask("pub-6")
	_ = fx.store.Save(ctx, task)
	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	d := fx.engine.dispatchers["linkedin"]
	for i := 0; i < 5; i++ {
		j := d.pop()
		if j == nil {
			break
		}
		d.dispatch(ctx, j)
	}

	// One initial attempt plus MaxRetries=3 retries.
	if fx.platform.Publishs != 4 {
		t.Fatalf("platform called %d times, want 4", fx.platform.Publishs)
	}
	post, _ := fx.posts.GetPost(ctx, "pub-6")
	if post.Status != domain.PostFailed {
		t.Fatalf("post status = %s, want failed after budget exhaustion", post.Status)
	}
	stored, _ := fx.store.Get(ctx, "pub-6")
	if stored.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", stored.RetryCount)
	}
	res := waitForResult(t, fx.bus)
	if res.Success {
		t.Fatal("exhausted publish reported success")
	}
}

func TestRunRehydratesScheduledPosts(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))
	ctx := context.Background()

	// Pending work left behind by a previous process.
	pending := publishTask("pub-pending")
	_ = fx.store.Save(ctx, pending)
	_ = fx.posts.SavePost(ctx, domain.ScheduledPost{
		TaskID: "pub-pending", Platform: "linkedin",
		FormattedContent: "still waiting", TargetTime: time.Now().Add(2 * time.Hour),
		Status: domain.PostScheduled,
	})

	// A settled task's post must not come back.
	settled := publishTask("pub-settled")
	settled.Status = domain.StatusCompleted
	_ = fx.store.Save(ctx, settled)
	_ = fx.posts.SavePost(ctx, domain.ScheduledPost{
		TaskID: "pub-settled", Platform: "linkedin",
		FormattedContent: "old", TargetTime: time.Now().Add(time.Hour),
		Status: domain.PostScheduled,
	})

	// Already posted, filtered by the pending index.
	_ = fx.posts.SavePost(ctx, domain.ScheduledPost{
		TaskID: "pub-done", Platform: "linkedin",
		FormattedContent: "done", TargetTime: time.Now().Add(time.Hour),
		Status: domain.PostPosted,
	})

	if err := fx.engine.rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate failed: %v", err)
	}

	d := fx.engine.dispatchers["linkedin"]
	j := d.pop()
	if j == nil {
		t.Fatal("pending post not requeued")
	}
	if j.post.TaskID != "pub-pending" || j.task.ID != "pub-pending" {
		t.Fatalf("requeued wrong job: post %q task %q", j.post.TaskID, j.task.ID)
	}
	if extra := d.pop(); extra != nil {
		t.Fatalf("settled work requeued: %q", extra.post.TaskID)
	}
}

func TestRecordRetrySkipsSettledTask(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))
	ctx := context.Background()

	task := publishTask("pub-gone")
	task.Status = domain.StatusCancelled
	_ = fx.store.Save(ctx, task)

	fx.engine.recordRetry(ctx, "pub-gone", errors.New("late failure"))

	got, _ := fx.store.Get(ctx, "pub-gone")
	if got.RetryCount != 0 || len(got.Failures) != 0 {
		t.Fatalf("bookkeeping touched a settled task: retries=%d failures=%d",
			got.RetryCount, len(got.Failures))
	}
}

func TestDispatchSkipsCancelledTask(t *testing.T) {
	fx := newEngineFixture(t, testutil.NewScriptedPlatform("linkedin"))
	ctx := context.Background()

	task := publishTask("pub-7")
	_ = fx.store.Save(ctx, task)
	if err := fx.engine.Schedule(ctx, task); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	_ = fx.store.Cancel(ctx, "pub-7")

	d := fx.engine.dispatchers["linkedin"]
	d.dispatch(ctx, d.pop())

	if fx.platform.Publishs != 0 {
		t.Fatal("cancelled task reached the platform")
	}
	post, _ := fx.posts.GetPost(ctx, "pub-7")
	if post.Status != domain.PostFailed || post.FailureReason != "cancelled" {
		t.Fatalf("post = %s/%q, want failed/cancelled", post.Status, post.FailureReason)
	}
	if n := fx.bus.TopicCount(domain.TopicResults); n != 0 {
		t.Fatal("result published for a cancelled dispatch")
	}
}
