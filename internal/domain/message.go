package domain

import "time"

// Envelope wraps every payload that crosses the bus. Delivery is
// at-least-once; consumers must treat processing as idempotent keyed by
// CorrelationID.
type Envelope struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	Payload         []byte    `json:"payload"`
	CorrelationID   string    `json:"correlation_id"`
	DeliveryAttempt int       `json:"delivery_attempt"`
	Timestamp       time.Time `json:"timestamp"`

	// StreamID is the transport-level message id, set on claim and needed
	// for ack. Never serialized into the envelope body.
	StreamID string `json:"-"`
}

// Topics. Stage topics carry task assignments, one consumer group per stage.
const (
	TopicResults     = "task.results"
	TopicEscalations = "escalations"
	TopicTriggers    = "task.triggers"
)

// StageTopic returns the bus topic agents of the given capability consume.
func StageTopic(t TaskType) string {
	return "tasks." + string(t)
}

// Escalation is a side-channel notification, logged and alerted on, never
// retried.
type Escalation struct {
	TaskID    string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
