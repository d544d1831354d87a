package publisher

import (
	"context"
	"strconv"
	"time"

	"agentpipe/internal/domain"
)

// Composite weights over raw engagement signals. Comments and shares count
// most, raw reach least.
const (
	weightImpressions = 0.10
	weightClicks      = 0.20
	weightLikes       = 0.15
	weightComments    = 0.20
	weightShares      = 0.20
	weightEngagement  = 0.15
)

// EngagementRate is interactions per impression.
func EngagementRate(m domain.RawMetrics) float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Clicks+m.Likes+m.Comments+m.Shares) / float64(m.Impressions)
}

// CompositeScore is the weighted sum of the raw signals plus the engagement
// rate scaled to the same magnitude.
func CompositeScore(m domain.RawMetrics) float64 {
	rate := EngagementRate(m)
	return weightImpressions*float64(m.Impressions) +
		weightClicks*float64(m.Clicks) +
		weightLikes*float64(m.Likes) +
		weightComments*float64(m.Comments) +
		weightShares*float64(m.Shares) +
		weightEngagement*rate*100
}

// Normalize divides a raw composite by the mean of the rolling benchmark for
// the content type. With no history the raw score stands as-is, so the first
// posts of a content type define the baseline.
func Normalize(raw float64, benchmark []float64) float64 {
	if len(benchmark) == 0 {
		return raw
	}
	var sum float64
	for _, b := range benchmark {
		sum += b
	}
	mean := sum / float64(len(benchmark))
	if mean == 0 {
		return raw
	}
	return raw / mean
}

// track polls platform metrics after the settle delay, stores the
// performance record, and completes the publish task with the score in its
// payload for the learning stage.
func (e *Engine) track(ctx context.Context, task domain.Task, post domain.ScheduledPost) {
	log := e.log.With().Str("task_id", task.ID).Str("platform", post.Platform).Logger()

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.MetricsDelay):
	}

	platform := e.platforms[post.Platform]
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	raw, err := platform.FetchMetrics(callCtx, post.ExternalPostID)
	cancel()
	if err != nil {
		// The post is live; a metrics outage must not fail the task.
		log.Warn().Err(err).Msg("metrics fetch failed, scoring with empty metrics")
		raw = domain.RawMetrics{}
	}

	contentType := task.Payload["content_type"]
	if contentType == "" {
		contentType = "post"
	}

	rate := EngagementRate(raw)
	composite := CompositeScore(raw)
	benchmark, err := e.posts.RecentScores(ctx, contentType, e.cfg.BenchmarkWindow)
	if err != nil {
		log.Warn().Err(err).Msg("benchmark lookup failed")
	}
	score := Normalize(composite, benchmark)

	record := domain.PerformanceRecord{
		ScheduledPostID:  post.TaskID,
		ContentType:      contentType,
		Metrics:          raw,
		EngagementRate:   rate,
		RawScore:         composite,
		PerformanceScore: score,
		RecordedAt:       time.Now(),
	}
	if err := e.posts.SavePerformance(ctx, record); err != nil {
		log.Error().Err(err).Msg("saving performance record failed")
	}

	output := map[string]string{
		"external_post_id":  post.ExternalPostID,
		"platform":          post.Platform,
		"engagement_rate":   strconv.FormatFloat(rate, 'f', 4, 64),
		"performance_score": strconv.FormatFloat(score, 'f', 4, 64),
	}
	if err := e.runner.Report(ctx, task, output, nil); err != nil {
		log.Error().Err(err).Msg("result report failed")
	}
	log.Info().Float64("score", score).Float64("engagement_rate", rate).Msg("performance recorded")
}
