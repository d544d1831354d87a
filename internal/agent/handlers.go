package agent

import (
	"context"
	"fmt"

	"agentpipe/internal/domain"
)

// Stage handlers below are the contract boundary to the external
// collaborators: news ingestion supplies the opportunity, the
// content-generation producer supplies payload["content"], the
// quality-control producer supplies the approval flag and score. The
// handlers validate and shuttle those fields; their internals live outside
// this module.

// MonitorHandler accepts the trigger payload and forwards the opportunity to
// the generation stage.
func MonitorHandler(ctx context.Context, t domain.Task) (map[string]string, error) {
	topic, ok := t.Payload["topic"]
	if !ok || topic == "" {
		return nil, fmt.Errorf("%w: trigger carries no topic", domain.ErrNonRetryable)
	}
	return map[string]string{"opportunity": topic}, nil
}

// GenerateHandler requires the upstream producer's content to be present.
func GenerateHandler(ctx context.Context, t domain.Task) (map[string]string, error) {
	content, ok := t.Payload["content"]
	if !ok || content == "" {
		return nil, fmt.Errorf("content producer supplied no content for %q", t.Payload["opportunity"])
	}
	return map[string]string{"content": content}, nil
}

// QCHandler forwards the quality-control producer's verdict. A missing
// verdict is a hard failure: unreviewed content never reaches the publisher.
func QCHandler(ctx context.Context, t domain.Task) (map[string]string, error) {
	score, hasScore := t.Payload["quality_score"]
	approved, hasFlag := t.Payload["approved"]
	if !hasScore && !hasFlag {
		return nil, fmt.Errorf("%w: no quality verdict on task", domain.ErrNonRetryable)
	}
	out := map[string]string{}
	if hasScore {
		out["quality_score"] = score
	}
	if hasFlag {
		out["approved"] = approved
	}
	return out, nil
}

// LearnHandler closes the loop: it receives the publish stage's performance
// score and hands it to whatever learning backend consumes the payload.
func LearnHandler(ctx context.Context, t domain.Task) (map[string]string, error) {
	if _, ok := t.Payload["performance_score"]; !ok {
		return nil, fmt.Errorf("no performance score to learn from")
	}
	return map[string]string{"learned": "true"}, nil
}

// HandlersFor maps an agent type to its default stage handlers.
func HandlersFor(typ domain.AgentType) (map[domain.TaskType]Handler, error) {
	switch typ {
	case domain.AgentMonitor:
		return map[domain.TaskType]Handler{domain.TypeMonitorOpportunity: MonitorHandler}, nil
	case domain.AgentGenerator:
		return map[domain.TaskType]Handler{domain.TypeGenerateContent: GenerateHandler}, nil
	case domain.AgentQC:
		return map[domain.TaskType]Handler{domain.TypeQualityCheck: QCHandler}, nil
	case domain.AgentLearner:
		return map[domain.TaskType]Handler{domain.TypeLearn: LearnHandler}, nil
	default:
		return nil, fmt.Errorf("no default handlers for agent type %q", typ)
	}
}
