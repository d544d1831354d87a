package orchestrator

import (
	"context"
	"time"

	"agentpipe/internal/domain"
)

// reapLoop periodically sweeps for timed-out assignments, stuck pending
// tasks, and stalled chains.
func (o *Orchestrator) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.reapTimeouts(ctx)
		o.retryPending(ctx)
		o.detectStalls(ctx)
	}
}

// reapTimeouts fails tasks whose agent never reported a result within the
// deadline. The failure path reassigns while retries remain.
func (o *Orchestrator) reapTimeouts(ctx context.Context) {
	for _, status := range []domain.TaskStatus{domain.StatusAssigned, domain.StatusInProgress} {
		tasks, err := o.store.ListByStatus(ctx, status)
		if err != nil {
			o.log.Error().Err(err).Msg("timeout sweep failed")
			return
		}
		for _, t := range tasks {
			if time.Since(t.UpdatedAt) < o.cfg.TimeoutFor(string(t.Type)) {
				continue
			}
			o.log.Warn().
				Str("task_id", t.ID).
				Str("agent_id", t.AssignedAgentID).
				Msg("task timed out, reclaiming")
			if err := o.handleFailure(ctx, t, "timeout", "no result within deadline"); err != nil {
				o.log.Error().Err(err).Str("task_id", t.ID).Msg("timeout handling failed")
			}
		}
	}
}

// retryPending re-runs assignment for tasks parked while no agent was live.
func (o *Orchestrator) retryPending(ctx context.Context) {
	tasks, err := o.store.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		o.log.Error().Err(err).Msg("pending sweep failed")
		return
	}
	for _, t := range tasks {
		if err := o.assign(ctx, t); err != nil {
			o.log.Error().Err(err).Str("task_id", t.ID).Msg("reassignment failed")
		}
	}
}

// detectStalls escalates chains whose stage has made no progress for the
// stall timeout. Downstream stages are never started for a stalled chain;
// that falls out of the DAG rule because the stage never completes.
func (o *Orchestrator) detectStalls(ctx context.Context) {
	for _, status := range []domain.TaskStatus{domain.StatusPending, domain.StatusRetrying} {
		tasks, err := o.store.ListByStatus(ctx, status)
		if err != nil {
			o.log.Error().Err(err).Msg("stall sweep failed")
			return
		}
		for _, t := range tasks {
			if time.Since(t.CreatedAt) < o.cfg.StallTimeout {
				continue
			}
			// One escalation per stalled task, not one per sweep.
			done, err := o.store.MarkProcessed(ctx, t.ID, "stall")
			if err != nil || done {
				continue
			}
			o.escalate(ctx, t.ID, "pipeline stage stalled",
				"no completion after "+o.cfg.StallTimeout.String())
		}
	}
}
