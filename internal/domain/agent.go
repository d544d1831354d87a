package domain

import "time"

type AgentType string

const (
	AgentMonitor   AgentType = "monitor"
	AgentGenerator AgentType = "generator"
	AgentQC        AgentType = "qc"
	AgentPublisher AgentType = "publisher"
	AgentLearner   AgentType = "learner"
)

type AgentStatus string

const (
	AgentHealthy  AgentStatus = "healthy"
	AgentDegraded AgentStatus = "degraded"
	AgentDead     AgentStatus = "dead"
)

type Agent struct {
	ID            string      `json:"id"`
	Type          AgentType   `json:"type"`
	Capabilities  []TaskType  `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// CanHandle reports whether the agent advertises taskType as a capability.
func (a Agent) CanHandle(taskType TaskType) bool {
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Heartbeat is the periodic liveness signal an agent writes to the registry.
type Heartbeat struct {
	AgentID      string      `json:"agent_id"`
	Type         AgentType   `json:"type"`
	Capabilities []TaskType  `json:"capabilities"`
	Status       AgentStatus `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Liveness derives the agent state from heartbeat age. Below one interval the
// agent is healthy, between one and three intervals degraded, beyond that dead
// (in the registry the key has usually expired by then anyway).
func Liveness(lastBeat, now time.Time, interval time.Duration) AgentStatus {
	age := now.Sub(lastBeat)
	switch {
	case age < interval:
		return AgentHealthy
	case age < 3*interval:
		return AgentDegraded
	default:
		return AgentDead
	}
}
