// Package platform holds stand-in implementations of the external publish
// contract. Real network wiring (LinkedIn and friends) is deployed as a
// separate collaborator implementing ports.Platform.
package platform

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/domain"
	"agentpipe/internal/ports"
)

var _ ports.Platform = (*Simulated)(nil)

// Simulated accepts every publish and fabricates plausible metrics. Used by
// local runs and demos where no real network credentials exist.
type Simulated struct {
	name string

	mu    sync.Mutex
	posts map[string]domain.RawMetrics
}

func NewSimulated(name string) *Simulated {
	return &Simulated{name: name, posts: map[string]domain.RawMetrics{}}
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Publish(ctx context.Context, formattedContent string) (string, error) {
	id := "sim-" + uuid.NewString()
	impressions := 200 + rand.Intn(5000)
	s.mu.Lock()
	s.posts[id] = domain.RawMetrics{
		Impressions: impressions,
		Clicks:      impressions / 20,
		Likes:       impressions / 40,
		Comments:    impressions / 200,
		Shares:      impressions / 400,
	}
	s.mu.Unlock()
	log.Ctx(ctx).Info().Str("platform", s.name).Str("external_post_id", id).
		Int("content_len", len(formattedContent)).Msg("simulated publish")
	return id, nil
}

func (s *Simulated) FetchMetrics(ctx context.Context, externalPostID string) (domain.RawMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.posts[externalPostID]
	if !ok {
		return domain.RawMetrics{}, &ports.PlatformError{StatusCode: 404, Message: "unknown post"}
	}
	return m, nil
}

// SimulatedSet builds one simulated platform per profile.
func SimulatedSet(profiles map[string]domain.PlatformProfile) map[string]ports.Platform {
	out := make(map[string]ports.Platform, len(profiles))
	for name := range profiles {
		out[name] = NewSimulated(name)
	}
	return out
}
