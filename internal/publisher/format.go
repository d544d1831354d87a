package publisher

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentpipe/internal/domain"
)

// Content is the publish payload before platform formatting.
type Content struct {
	Body     string   `json:"body"`
	Hashtags []string `json:"hashtags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	URLs     []string `json:"urls,omitempty"`
	Images   []string `json:"images,omitempty"`
}

// ParseContent accepts either a structured JSON content object or a bare
// text body.
func ParseContent(raw string) Content {
	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err == nil && c.Body != "" {
		return c
	}
	return Content{Body: raw}
}

// Format fits content into a platform's profile: the body is truncated at a
// word boundary, excess hashtags and mentions are dropped from the end of
// their lists, and content over the image ceiling is rejected outright.
func Format(c Content, p domain.PlatformProfile) (string, error) {
	if len(c.Images) > p.MaxImages {
		return "", fmt.Errorf("%w: %d images exceed platform limit %d", domain.ErrNonRetryable, len(c.Images), p.MaxImages)
	}

	body := TruncateWords(c.Body, p.MaxLength)
	hashtags := trimList(c.Hashtags, p.MaxHashtags)
	mentions := trimList(c.Mentions, p.MaxMentions)
	urls := trimList(c.URLs, p.MaxURLs)

	parts := []string{body}
	if len(mentions) > 0 {
		parts = append(parts, strings.Join(mentions, " "))
	}
	if len(urls) > 0 {
		parts = append(parts, strings.Join(urls, "\n"))
	}
	if len(hashtags) > 0 {
		parts = append(parts, strings.Join(hashtags, " "))
	}
	return strings.Join(parts, "\n\n"), nil
}

// TruncateWords cuts s to at most max characters without breaking a word,
// marking the cut with an ellipsis.
func TruncateWords(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const ellipsis = "..."
	cut := max - len(ellipsis)
	if cut <= 0 {
		return s[:max]
	}
	candidate := s[:cut]
	if idx := strings.LastIndexAny(candidate, " \n\t"); idx > 0 {
		candidate = strings.TrimRight(candidate[:idx], " \n\t")
	}
	return candidate + ellipsis
}

func trimList(items []string, max int) []string {
	if max < 0 || len(items) <= max {
		return items
	}
	return items[:max]
}
