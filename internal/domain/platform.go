package domain

import "time"

// RateLimit is a platform's publish budget. Counters roll per clock hour and
// day; MinIntervalMinutes is the floor between two consecutive posts.
type RateLimit struct {
	Daily              int `json:"daily"`
	Hourly             int `json:"hourly"`
	MinIntervalMinutes int `json:"min_interval_minutes"`
}

func (r RateLimit) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMinutes) * time.Minute
}

// PlatformProfile is the static formatting and rate-limit envelope of one
// target network.
type PlatformProfile struct {
	Name        string    `json:"name"`
	MaxLength   int       `json:"max_length"`
	MaxHashtags int       `json:"max_hashtags"`
	MaxMentions int       `json:"max_mentions"`
	MaxURLs     int       `json:"max_urls"`
	MaxImages   int       `json:"max_images"`
	RateLimit   RateLimit `json:"rate_limit"`
}
