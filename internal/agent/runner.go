package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
	"agentpipe/internal/ports"
)

// Handler executes one task type. The returned map is merged into the task
// payload for the next pipeline stage.
type Handler func(ctx context.Context, t domain.Task) (map[string]string, error)

// AsyncHandler starts work that finishes later; the owning component reports
// the outcome itself through Report. Used by the publisher, whose dispatch
// can sit in the queue for days.
type AsyncHandler func(ctx context.Context, t domain.Task) error

// Runner is the generic agent process: it heartbeats, consumes its stage
// topics, executes handlers, and reports results. All coordination goes
// through the bus; no agent ever calls another.
type Runner struct {
	id       string
	typ      domain.AgentType
	handlers map[domain.TaskType]Handler
	async    map[domain.TaskType]AsyncHandler

	bus      ports.Bus
	store    ports.TaskStore
	registry ports.Registry
	metrics  *metrics.Collector

	hbInterval time.Duration
	log        zerolog.Logger
}

func NewRunner(typ domain.AgentType, handlers map[domain.TaskType]Handler, bus ports.Bus, store ports.TaskStore, registry ports.Registry, mc *metrics.Collector, hbInterval time.Duration, log zerolog.Logger) *Runner {
	id := string(typ) + "-" + uuid.NewString()[:8]
	if handlers == nil {
		handlers = map[domain.TaskType]Handler{}
	}
	return &Runner{
		id:         id,
		typ:        typ,
		handlers:   handlers,
		async:      map[domain.TaskType]AsyncHandler{},
		bus:        bus,
		store:      store,
		registry:   registry,
		metrics:    mc,
		hbInterval: hbInterval,
		log:        log.With().Str("agent_id", id).Logger(),
	}
}

func (r *Runner) ID() string { return r.id }

// RegisterAsync wires an async handler for a task type. Must be called
// before Run.
func (r *Runner) RegisterAsync(t domain.TaskType, h AsyncHandler) {
	r.async[t] = h
}

// Capabilities are the task types this runner has handlers for.
func (r *Runner) Capabilities() []domain.TaskType {
	caps := make([]domain.TaskType, 0, len(r.handlers)+len(r.async))
	for t := range r.handlers {
		caps = append(caps, t)
	}
	for t := range r.async {
		caps = append(caps, t)
	}
	return caps
}

func (r *Runner) Run(ctx context.Context) error {
	go r.heartbeatLoop(ctx)

	for _, taskType := range r.Capabilities() {
		envs, err := r.bus.Subscribe(ctx, domain.StageTopic(taskType), r.id)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", taskType, err)
		}
		go r.consume(ctx, envs)
	}

	<-ctx.Done()
	// Graceful shutdown removes the registry entry immediately instead of
	// waiting for the TTL.
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.registry.Deregister(dctx, r.id); err != nil {
		r.log.Error().Err(err).Msg("deregister failed")
	}
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, envs <-chan domain.Envelope) {
	for env := range envs {
		if err := r.process(ctx, env); err != nil {
			r.log.Error().Err(err).Str("correlation_id", env.CorrelationID).Msg("processing failed")
			if err := r.bus.Nack(ctx, env, err); err != nil {
				r.log.Error().Err(err).Msg("nack failed")
			}
			continue
		}
		if err := r.bus.Ack(ctx, env); err != nil {
			r.log.Error().Err(err).Msg("ack failed")
		}
	}
}

// process runs one delivery end to end. Handler failures are reported as task
// results and the delivery is acked: retry policy is the orchestrator's call,
// not the bus's. Only infrastructure errors bubble up into a nack.
func (r *Runner) process(ctx context.Context, env domain.Envelope) error {
	var task domain.Task
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		return fmt.Errorf("task payload: %w: %w", domain.ErrNonRetryable, err)
	}

	log := r.log.With().Str("task_id", task.ID).Str("type", string(task.Type)).Logger()

	// Replay guard: the same attempt delivered twice must not execute
	// twice. Keyed by correlation id and attempt so orchestrator retries
	// do run again.
	guard := string(task.Type) + ":" + strconv.Itoa(task.RetryCount)
	done, err := r.store.MarkProcessed(ctx, env.CorrelationID, guard)
	if err != nil {
		return err
	}
	if done {
		log.Debug().Msg("duplicate delivery, skipping")
		return nil
	}

	// Cancellation check before any side effect.
	cancelled, err := r.store.IsCancelled(ctx, task.ID)
	if err != nil {
		return err
	}
	if cancelled {
		log.Info().Msg("task cancelled, aborting")
		return nil
	}

	current, err := r.store.Get(ctx, task.ID)
	if err != nil {
		return err
	}
	if current.Status != domain.StatusAssigned || current.AssignedAgentID != r.id {
		// Stale delivery: the task was reassigned or already settled.
		log.Debug().Str("status", string(current.Status)).Msg("dropping stale assignment")
		return nil
	}

	if _, err := r.store.Transition(ctx, task.ID, domain.StatusAssigned, domain.StatusInProgress, nil); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	if ah, ok := r.async[task.Type]; ok {
		if err := ah(ctx, *current); err != nil {
			log.Warn().Err(err).Msg("async handler failed to start")
			return r.Report(ctx, task, nil, err)
		}
		// The async owner reports when its work settles.
		return nil
	}

	handler, ok := r.handlers[task.Type]
	if !ok {
		return r.Report(ctx, task, nil, fmt.Errorf("%w: no handler for %s", domain.ErrNonRetryable, task.Type))
	}

	output, handleErr := handler(ctx, *current)
	if handleErr != nil {
		log.Warn().Err(handleErr).Msg("handler failed")
	} else {
		log.Info().Msg("handler finished")
	}
	return r.Report(ctx, task, output, handleErr)
}

// Report publishes the task result to the orchestrator.
func (r *Runner) Report(ctx context.Context, task domain.Task, output map[string]string, handleErr error) error {
	res := domain.TaskResult{
		TaskID:  task.ID,
		AgentID: r.id,
		Success: handleErr == nil,
		Output:  output,
	}
	if handleErr != nil {
		res.Error = handleErr.Error()
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := r.bus.Publish(ctx, domain.TopicResults, domain.Envelope{
		Payload:       b,
		CorrelationID: task.ID,
	}); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	r.metrics.TasksProcessed.WithLabelValues(string(task.Type), resultLabel(handleErr)).Inc()
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
