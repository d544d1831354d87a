package domain

import "time"

type PostStatus string

const (
	PostScheduled PostStatus = "scheduled"
	PostPosting   PostStatus = "posting"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
)

type ScheduledPost struct {
	TaskID           string     `json:"task_id"`
	Platform         string     `json:"platform"`
	FormattedContent string     `json:"formatted_content"`
	TargetTime       time.Time  `json:"target_time"`
	Status           PostStatus `json:"status"`
	ExternalPostID   string     `json:"external_post_id,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// RawMetrics is what a platform reports for a single post.
type RawMetrics struct {
	Impressions int `json:"impressions"`
	Clicks      int `json:"clicks"`
	Likes       int `json:"likes"`
	Comments    int `json:"comments"`
	Shares      int `json:"shares"`
}

type PerformanceRecord struct {
	ScheduledPostID string     `json:"scheduled_post_id"`
	ContentType     string     `json:"content_type"`
	Metrics         RawMetrics `json:"metrics"`
	EngagementRate  float64    `json:"engagement_rate"`
	// RawScore is the unnormalized composite; the rolling benchmark is
	// built from these so normalization has a stable base.
	RawScore         float64   `json:"raw_score"`
	PerformanceScore float64   `json:"performance_score"`
	RecordedAt       time.Time `json:"recorded_at"`
}
