package agent

import (
	"context"
	"time"

	"agentpipe/internal/domain"
)

// heartbeatLoop writes the liveness signal every interval. The registry TTL
// outlives a few missed beats; after that the agent reads as dead and the
// orchestrator stops assigning to it.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	beat := func() {
		if err := r.registry.Beat(ctx, domain.Heartbeat{
			AgentID:      r.id,
			Type:         r.typ,
			Capabilities: r.Capabilities(),
			Status:       domain.AgentHealthy,
			Timestamp:    time.Now(),
		}); err != nil {
			r.log.Error().Err(err).Msg("heartbeat failed")
			return
		}
		r.metrics.Heartbeats.Inc()
	}

	beat()
	ticker := time.NewTicker(r.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
