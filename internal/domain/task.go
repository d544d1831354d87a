package domain

import "time"

type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusAssigned     TaskStatus = "assigned"
	StatusInProgress   TaskStatus = "in_progress"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusRetrying     TaskStatus = "retrying"
	StatusDeadLettered TaskStatus = "dead_lettered"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered || s == StatusCancelled
}

type TaskType string

const (
	TypeMonitorOpportunity TaskType = "monitor-opportunity"
	TypeGenerateContent    TaskType = "generate-content"
	TypeQualityCheck       TaskType = "quality-check"
	TypePublish            TaskType = "publish"
	TypeLearn              TaskType = "learn"
)

type Task struct {
	ID              string            `json:"id"`
	Type            TaskType          `json:"type"`
	Payload         map[string]string `json:"payload"`
	Status          TaskStatus        `json:"status"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty"`
	Priority        int               `json:"priority"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	ParentTaskID    string            `json:"parent_task_id,omitempty"`
	AtRisk          bool              `json:"at_risk,omitempty"`
	Failures        []TaskFailure     `json:"failures,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TaskFailure is one entry in a task's failure history. Dead-lettered tasks
// keep the full list so an operator can reconstruct every attempt.
type TaskFailure struct {
	Attempt   int       `json:"attempt"`
	AgentID   string    `json:"agent_id,omitempty"`
	Class     string    `json:"class"` // retryable | non_retryable | timeout
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskResult is what an agent reports back after working a task.
type TaskResult struct {
	TaskID  string            `json:"task_id"`
	AgentID string            `json:"agent_id"`
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Output  map[string]string `json:"output,omitempty"`
}
