package ports

import (
	"context"
	"errors"
	"fmt"

	"agentpipe/internal/domain"
)

// Platform is the abstract publish contract one social network implements.
// Concrete wiring (LinkedIn and friends) lives outside this module.
type Platform interface {
	Name() string
	Publish(ctx context.Context, formattedContent string) (externalPostID string, err error)
	FetchMetrics(ctx context.Context, externalPostID string) (domain.RawMetrics, error)
}

// PlatformError carries the HTTP status a platform API answered with.
type PlatformError struct {
	StatusCode int
	Message    string
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error %d: %s", e.StatusCode, e.Message)
}

// Retryable: timeouts, 429 and 5xx answers. Auth failures and content
// rejections are not.
func (e *PlatformError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable classifies a publish failure. Anything tagged non-retryable or
// rejected by the platform with a 4xx other than 429 must not be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrNonRetryable) || errors.Is(err, domain.ErrCancelled) {
		return false
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}
