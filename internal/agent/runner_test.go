package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
	"agentpipe/internal/testutil"
)

func newTestRunner(t *testing.T, handlers map[domain.TaskType]Handler) (*Runner, *testutil.FakeBus, *testutil.MemStore) {
	t.Helper()
	bus := testutil.NewFakeBus()
	store := testutil.NewMemStore()
	mc := metrics.New(prometheus.NewRegistry())
	r := NewRunner(domain.AgentGenerator, handlers, bus, store, &testutil.FakeRegistry{}, mc, time.Minute, zerolog.Nop())
	return r, bus, store
}

func taskEnvelope(t *testing.T, task domain.Task) domain.Envelope {
	t.Helper()
	b, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return domain.Envelope{Payload: b, CorrelationID: task.ID}
}

func reportedResult(t *testing.T, bus *testutil.FakeBus) domain.TaskResult {
	t.Helper()
	env := bus.LastPublished(domain.TopicResults)
	if env == nil {
		t.Fatal("no result published")
	}
	var res domain.TaskResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res
}

func TestProcessRunsHandlerAndReports(t *testing.T) {
	calls := 0
	r, bus, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(_ context.Context, task domain.Task) (map[string]string, error) {
			calls++
			return map[string]string{"content": "draft for " + task.Payload["opportunity"]}, nil
		},
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t1", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
		Payload: map[string]string{"opportunity": "ai"},
	}
	_ = store.Save(ctx, task)

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}

	got, _ := store.Get(ctx, "t1")
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
	res := reportedResult(t, bus)
	if !res.Success || res.AgentID != r.ID() {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output["content"] == "" {
		t.Fatal("handler output missing from result")
	}
}

func TestDuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	calls := 0
	r, bus, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(context.Context, domain.Task) (map[string]string, error) {
			calls++
			return nil, nil
		},
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t2", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)

	env := taskEnvelope(t, task)
	if err := r.process(ctx, env); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := r.process(ctx, env); err != nil {
		t.Fatalf("duplicate delivery failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if n := bus.TopicCount(domain.TopicResults); n != 1 {
		t.Fatalf("%d results published, want 1", n)
	}
}

func TestRetryDeliveryRunsHandlerAgain(t *testing.T) {
	calls := 0
	r, _, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(context.Context, domain.Task) (map[string]string, error) {
			calls++
			return nil, nil
		},
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t3", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)
	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}

	// Orchestrator retry: same correlation id, bumped retry count.
	task.RetryCount = 1
	_ = store.Save(ctx, task)
	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("retry attempt failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times, want 2 (one per attempt)", calls)
	}
}

func TestCancelledTaskSkipsHandler(t *testing.T) {
	calls := 0
	r, bus, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(context.Context, domain.Task) (map[string]string, error) {
			calls++
			return nil, nil
		},
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t4", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)
	_ = store.Cancel(ctx, "t4")

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if calls != 0 {
		t.Fatal("handler ran for a cancelled task")
	}
	if n := bus.TopicCount(domain.TopicResults); n != 0 {
		t.Fatal("result published for a cancelled task")
	}
}

func TestStaleAssignmentDropped(t *testing.T) {
	calls := 0
	r, bus, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(context.Context, domain.Task) (map[string]string, error) {
			calls++
			return nil, nil
		},
	})
	ctx := context.Background()

	// Reassigned to someone else after this delivery was queued.
	task := domain.Task{
		ID: "t5", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: "other-agent",
	}
	_ = store.Save(ctx, task)

	stale := task
	stale.AssignedAgentID = r.ID()
	if err := r.process(ctx, taskEnvelope(t, stale)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if calls != 0 {
		t.Fatal("handler ran on a stale assignment")
	}
	if n := bus.TopicCount(domain.TopicResults); n != 0 {
		t.Fatal("result published for a stale assignment")
	}

	got, _ := store.Get(ctx, "t5")
	if got.Status != domain.StatusAssigned {
		t.Fatalf("stale delivery mutated the task: %s", got.Status)
	}
}

func TestHandlerFailureReportedNotRetriedLocally(t *testing.T) {
	r, bus, store := newTestRunner(t, map[domain.TaskType]Handler{
		domain.TypeGenerateContent: func(context.Context, domain.Task) (map[string]string, error) {
			return nil, errors.New("model unavailable")
		},
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t6", Type: domain.TypeGenerateContent,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("handler failure must not bubble up: %v", err)
	}
	res := reportedResult(t, bus)
	if res.Success {
		t.Fatal("failed handler reported success")
	}
	if res.Error != "model unavailable" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestUnknownTypeReportsNonRetryable(t *testing.T) {
	r, bus, store := newTestRunner(t, nil)
	ctx := context.Background()

	task := domain.Task{
		ID: "t7", Type: domain.TypeQualityCheck,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	res := reportedResult(t, bus)
	if res.Success {
		t.Fatal("missing handler reported success")
	}
	if !strings.HasPrefix(res.Error, domain.ErrNonRetryable.Error()) {
		t.Fatalf("error %q not marked non-retryable", res.Error)
	}
}

func TestAsyncHandlerOwnsTheReport(t *testing.T) {
	r, bus, store := newTestRunner(t, nil)
	started := 0
	r.RegisterAsync(domain.TypePublish, func(context.Context, domain.Task) error {
		started++
		return nil
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t8", Type: domain.TypePublish,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if started != 1 {
		t.Fatalf("async handler started %d times, want 1", started)
	}
	// No result yet: the async owner reports when its work settles.
	if n := bus.TopicCount(domain.TopicResults); n != 0 {
		t.Fatalf("%d results published before async completion", n)
	}

	got, _ := store.Get(ctx, "t8")
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestAsyncStartFailureReported(t *testing.T) {
	r, bus, store := newTestRunner(t, nil)
	r.RegisterAsync(domain.TypePublish, func(context.Context, domain.Task) error {
		return errors.New("bad schedule payload")
	})
	ctx := context.Background()

	task := domain.Task{
		ID: "t9", Type: domain.TypePublish,
		Status: domain.StatusAssigned, AssignedAgentID: r.ID(),
	}
	_ = store.Save(ctx, task)

	if err := r.process(ctx, taskEnvelope(t, task)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	res := reportedResult(t, bus)
	if res.Success {
		t.Fatal("failed async start reported success")
	}
}
