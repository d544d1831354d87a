package agent

import (
	"context"
	"errors"
	"testing"

	"agentpipe/internal/domain"
)

func TestMonitorHandlerRequiresTopic(t *testing.T) {
	ctx := context.Background()

	out, err := MonitorHandler(ctx, domain.Task{Payload: map[string]string{"topic": "distributed systems"}})
	if err != nil {
		t.Fatalf("MonitorHandler failed: %v", err)
	}
	if out["opportunity"] != "distributed systems" {
		t.Fatalf("opportunity = %q", out["opportunity"])
	}

	_, err = MonitorHandler(ctx, domain.Task{Payload: map[string]string{}})
	if !errors.Is(err, domain.ErrNonRetryable) {
		t.Fatalf("missing topic: err = %v, want non-retryable", err)
	}
}

func TestQCHandlerRequiresVerdict(t *testing.T) {
	ctx := context.Background()

	out, err := QCHandler(ctx, domain.Task{Payload: map[string]string{"quality_score": "0.85"}})
	if err != nil {
		t.Fatalf("QCHandler failed: %v", err)
	}
	if out["quality_score"] != "0.85" {
		t.Fatalf("verdict not forwarded: %v", out)
	}

	_, err = QCHandler(ctx, domain.Task{Payload: map[string]string{"content": "draft"}})
	if !errors.Is(err, domain.ErrNonRetryable) {
		t.Fatalf("missing verdict: err = %v, want non-retryable", err)
	}
}

func TestGenerateHandlerMissingContentIsRetryable(t *testing.T) {
	_, err := GenerateHandler(context.Background(), domain.Task{Payload: map[string]string{"opportunity": "ai"}})
	if err == nil {
		t.Fatal("missing content accepted")
	}
	if errors.Is(err, domain.ErrNonRetryable) {
		t.Fatal("producer hiccup must stay retryable")
	}
}

func TestHandlersForCoversEveryWorkerType(t *testing.T) {
	for _, typ := range []domain.AgentType{
		domain.AgentMonitor, domain.AgentGenerator, domain.AgentQC, domain.AgentLearner,
	} {
		handlers, err := HandlersFor(typ)
		if err != nil {
			t.Fatalf("HandlersFor(%s) failed: %v", typ, err)
		}
		if len(handlers) == 0 {
			t.Fatalf("HandlersFor(%s) returned no handlers", typ)
		}
	}
	if _, err := HandlersFor(domain.AgentPublisher); err == nil {
		t.Fatal("publisher has no sync handlers, HandlersFor must refuse it")
	}
}
