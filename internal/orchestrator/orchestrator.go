package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentpipe/internal/config"
	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
	"agentpipe/internal/ports"
)

// Orchestrator owns the task lifecycle: it turns trigger events into pipeline
// tasks, assigns them to live agents, advances the DAG on results, and
// retries, reassigns or dead-letters on failure.
type Orchestrator struct {
	bus      ports.Bus
	store    ports.TaskStore
	registry ports.Registry
	metrics  *metrics.Collector
	cfg      config.Orchestrator
	log      zerolog.Logger
}

func New(bus ports.Bus, store ports.TaskStore, registry ports.Registry, mc *metrics.Collector, cfg config.Orchestrator, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:      bus,
		store:    store,
		registry: registry,
		metrics:  mc,
		cfg:      cfg,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) Run(ctx context.Context) error {
	triggers, err := o.bus.Subscribe(ctx, domain.TopicTriggers, "orchestrator")
	if err != nil {
		return fmt.Errorf("subscribe triggers: %w", err)
	}
	results, err := o.bus.Subscribe(ctx, domain.TopicResults, "orchestrator")
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}

	go o.reapLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-triggers:
			if !ok {
				return nil
			}
			o.handleEnvelope(ctx, env, o.handleTrigger)
		case env, ok := <-results:
			if !ok {
				return nil
			}
			o.handleEnvelope(ctx, env, o.handleResult)
		}
	}
}

func (o *Orchestrator) handleEnvelope(ctx context.Context, env domain.Envelope, h func(context.Context, domain.Envelope) error) {
	if err := h(ctx, env); err != nil {
		o.log.Error().Err(err).Str("correlation_id", env.CorrelationID).Msg("envelope handling failed")
		if err := o.bus.Nack(ctx, env, err); err != nil {
			o.log.Error().Err(err).Msg("nack failed")
		}
		return
	}
	if err := o.bus.Ack(ctx, env); err != nil {
		o.log.Error().Err(err).Msg("ack failed")
	}
}

// handleTrigger creates the pipeline's root task from an external trigger
// event. The root task id is the trigger's correlation id: the durable record
// itself is the replay guard, so a crash mid-trigger loses nothing and a
// redelivery finds the task already created.
func (o *Orchestrator) handleTrigger(ctx context.Context, env domain.Envelope) error {
	id := env.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := o.store.Get(ctx, id); err == nil {
		o.log.Debug().Str("correlation_id", env.CorrelationID).Msg("duplicate trigger, skipping")
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	var payload map[string]string
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("trigger payload: %w: %w", domain.ErrNonRetryable, err)
		}
	}

	task := domain.Task{
		ID:         id,
		Type:       domain.TypeMonitorOpportunity,
		Payload:    payload,
		Status:     domain.StatusPending,
		MaxRetries: o.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	}
	if err := o.store.Save(ctx, task); err != nil {
		return err
	}
	o.log.Info().Str("task_id", task.ID).Msg("pipeline started")
	return o.assign(ctx, task)
}

// handleResult advances the DAG. Success completes the task and spawns the
// next stage; failure retries or dead-letters. The replay guard keys off the
// message id and covers both branches: a redelivered failure result must not
// burn a second retry.
func (o *Orchestrator) handleResult(ctx context.Context, env domain.Envelope) error {
	done, err := o.store.MarkProcessed(ctx, env.ID, "result")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	var res domain.TaskResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return fmt.Errorf("result payload: %w: %w", domain.ErrNonRetryable, err)
	}

	task, err := o.store.Get(ctx, res.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		// Late result for an already settled task.
		return nil
	}

	if !res.Success {
		class := "retryable"
		// Agents prefix non-retryable failures with the sentinel text.
		if strings.HasPrefix(res.Error, domain.ErrNonRetryable.Error()) {
			class = "non_retryable"
		}
		return o.handleFailure(ctx, *task, class, res.Error)
	}

	completed, err := o.store.Transition(ctx, task.ID, task.Status, domain.StatusCompleted, func(t *domain.Task) {
		for k, v := range res.Output {
			if t.Payload == nil {
				t.Payload = map[string]string{}
			}
			t.Payload[k] = v
		}
	})
	if err != nil {
		return err
	}
	o.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(domain.StatusCompleted)).Inc()
	o.log.Info().Str("task_id", task.ID).Str("type", string(task.Type)).Msg("task completed")

	return o.advance(ctx, *completed)
}

// advance creates the next stage's task once the parent is completed,
// enforcing the quality gate between quality-check and publish.
func (o *Orchestrator) advance(ctx context.Context, parent domain.Task) error {
	next, ok := NextStage(parent.Type)
	if !ok {
		o.log.Info().Str("task_id", parent.ID).Msg("pipeline chain finished")
		return nil
	}

	if parent.Type == domain.TypeQualityCheck && !o.approved(parent) {
		o.escalate(ctx, parent.ID, "quality gate rejected content",
			fmt.Sprintf("score %q below threshold %.2f", parent.Payload["quality_score"], o.cfg.QCThreshold))
		return nil
	}

	child := domain.Task{
		ID:           uuid.NewString(),
		Type:         next,
		Payload:      clone(parent.Payload),
		Status:       domain.StatusPending,
		Priority:     parent.Priority,
		MaxRetries:   o.cfg.MaxRetries,
		ParentTaskID: parent.ID,
		CreatedAt:    time.Now(),
	}
	if err := o.store.Save(ctx, child); err != nil {
		return err
	}
	return o.assign(ctx, child)
}

// approved reads the quality-control verdict out of the task payload.
func (o *Orchestrator) approved(t domain.Task) bool {
	if t.Payload["approved"] == "false" {
		return false
	}
	raw, ok := t.Payload["quality_score"]
	if !ok {
		// No score reported: the explicit flag decides.
		return t.Payload["approved"] == "true"
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false
	}
	return score >= o.cfg.QCThreshold
}

// handleFailure walks failed -> retrying -> assigned while retries remain,
// then failed -> dead_lettered with an escalation.
func (o *Orchestrator) handleFailure(ctx context.Context, task domain.Task, class, errMsg string) error {
	o.metrics.TaskFailures.WithLabelValues(string(task.Type), class).Inc()

	failed, err := o.store.Transition(ctx, task.ID, task.Status, domain.StatusFailed, func(t *domain.Task) {
		t.Failures = append(t.Failures, domain.TaskFailure{
			Attempt:   t.RetryCount + 1,
			AgentID:   t.AssignedAgentID,
			Class:     class,
			Error:     errMsg,
			Timestamp: time.Now(),
		})
	})
	if err != nil {
		return err
	}

	if class == "non_retryable" || failed.RetryCount >= failed.MaxRetries {
		return o.deadLetter(ctx, *failed, errMsg)
	}

	retrying, err := o.store.Transition(ctx, failed.ID, domain.StatusFailed, domain.StatusRetrying, func(t *domain.Task) {
		t.RetryCount++
		t.AssignedAgentID = ""
	})
	if err != nil {
		return err
	}
	o.log.Warn().
		Str("task_id", task.ID).
		Int("retry", retrying.RetryCount).
		Int("max_retries", retrying.MaxRetries).
		Str("error", errMsg).
		Msg("task retrying")
	return o.assign(ctx, *retrying)
}

func (o *Orchestrator) deadLetter(ctx context.Context, task domain.Task, errMsg string) error {
	_, err := o.store.Transition(ctx, task.ID, domain.StatusFailed, domain.StatusDeadLettered, nil)
	if err != nil {
		return err
	}
	o.metrics.TasksProcessed.WithLabelValues(string(task.Type), string(domain.StatusDeadLettered)).Inc()
	o.escalate(ctx, task.ID, "task dead-lettered", errMsg)
	return nil
}

// escalate raises the side-channel notification. It is logged and published,
// never retried.
func (o *Orchestrator) escalate(ctx context.Context, taskID, reason, detail string) {
	o.metrics.Escalations.Inc()
	o.log.Error().
		Str("task_id", taskID).
		Str("reason", reason).
		Str("detail", detail).
		Msg("escalation")

	b, err := json.Marshal(domain.Escalation{
		TaskID:    taskID,
		Reason:    reason,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, domain.TopicEscalations, domain.Envelope{
		Payload:       b,
		CorrelationID: taskID,
	}); err != nil {
		o.log.Error().Err(err).Msg("escalation publish failed")
	}
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
