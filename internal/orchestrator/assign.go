package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"agentpipe/internal/domain"
)

// assign finds the least-loaded capable live agent and hands the task to it
// over the bus. With no eligible agent the task stays pending and the reaper
// retries the assignment.
func (o *Orchestrator) assign(ctx context.Context, task domain.Task) error {
	agents, err := o.registry.Eligible(ctx, task.Type)
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	if len(agents) == 0 {
		o.log.Warn().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("no live agents, task stays pending")
		if task.Status != domain.StatusPending {
			_, err := o.store.Transition(ctx, task.ID, task.Status, domain.StatusPending, nil)
			return err
		}
		return nil
	}

	chosen, err := o.leastLoaded(ctx, agents)
	if err != nil {
		return err
	}
	// Only a degraded fallback is available: take it, flag the task.
	atRisk := chosen.Status == domain.AgentDegraded

	assigned, err := o.store.Transition(ctx, task.ID, task.Status, domain.StatusAssigned, func(t *domain.Task) {
		t.AssignedAgentID = chosen.ID
		t.AtRisk = atRisk
	})
	if err != nil {
		return err
	}
	if atRisk {
		o.log.Warn().Str("task_id", task.ID).Str("agent_id", chosen.ID).Msg("assigned to degraded agent, task at risk")
	}

	b, err := json.Marshal(assigned)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return o.bus.Publish(ctx, domain.StageTopic(task.Type), domain.Envelope{
		Payload:       b,
		CorrelationID: task.ID,
	})
}

// leastLoaded picks by current in-flight count. Healthy agents come first in
// the eligible slice, so a degraded agent wins only when no healthy one
// exists.
func (o *Orchestrator) leastLoaded(ctx context.Context, agents []domain.Agent) (domain.Agent, error) {
	healthy := agents[:0:0]
	for _, a := range agents {
		if a.Status == domain.AgentHealthy {
			healthy = append(healthy, a)
		}
	}
	pool := healthy
	if len(pool) == 0 {
		pool = agents
	}

	best := pool[0]
	bestLoad := -1
	for _, a := range pool {
		load, err := o.store.InFlight(ctx, a.ID)
		if err != nil {
			return domain.Agent{}, err
		}
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = a, load
		}
	}
	return best, nil
}
