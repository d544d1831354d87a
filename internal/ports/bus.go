package ports

import (
	"context"

	"agentpipe/internal/domain"
)

// Bus is durable topic pub/sub with at-least-once delivery. Unacked messages
// reappear after the visibility timeout; messages past the delivery limit land
// on the topic's dead-letter stream.
type Bus interface {
	Publish(ctx context.Context, topic string, env domain.Envelope) error

	// Subscribe joins the topic's consumer group. Deliveries stop and the
	// channel closes when ctx is done. Each envelope must be Acked or
	// Nacked exactly once.
	Subscribe(ctx context.Context, topic, consumer string) (<-chan domain.Envelope, error)

	Ack(ctx context.Context, env domain.Envelope) error

	// Nack schedules a delayed redelivery with exponential backoff, or
	// dead-letters the envelope when the attempt limit is reached or the
	// cause is non-retryable.
	Nack(ctx context.Context, env domain.Envelope, cause error) error
}

// DeadLetter is one entry on a topic's dead-letter stream.
type DeadLetter struct {
	Envelope domain.Envelope `json:"envelope"`
	Reason   string          `json:"reason"`
	Attempts int             `json:"attempts"`
}

// DeadLetterReader lists dead-lettered messages for operator review.
type DeadLetterReader interface {
	ReadDLQ(ctx context.Context, topic string, limit int) ([]DeadLetter, error)
}
