package publisher

import (
	"errors"
	"strings"
	"testing"

	"agentpipe/internal/domain"
)

func linkedinProfile() domain.PlatformProfile {
	return DefaultProfiles()["linkedin"]
}

func TestTruncateWordsAtBoundary(t *testing.T) {
	body := strings.Repeat("insight ", 437) + "tail"
	if len(body) <= 3000 {
		t.Fatalf("fixture too short: %d", len(body))
	}

	got := TruncateWords(body, 3000)
	if len(got) > 3000 {
		t.Fatalf("truncated length %d exceeds 3000", len(got))
	}
	trimmed := strings.TrimSuffix(got, "...")
	// Every kept token must be a whole word from the source.
	for _, word := range strings.Fields(trimmed) {
		if word != "insight" && word != "tail" {
			t.Fatalf("word broken mid-way: %q", word)
		}
	}
}

func TestTruncateWordsShortInputUntouched(t *testing.T) {
	if got := TruncateWords("short post", 3000); got != "short post" {
		t.Fatalf("short input modified: %q", got)
	}
}

func TestFormatTrimsListsFromEnd(t *testing.T) {
	c := Content{
		Body:     "launch announcement",
		Hashtags: []string{"#a", "#b", "#c", "#d", "#e", "#f", "#g"},
		Mentions: []string{"@x", "@y", "@z", "@w", "@v", "@u"},
	}
	got, err := Format(c, linkedinProfile())
	if err != nil {
		t.Fatalf("format failed: %v", err)
	}
	if strings.Contains(got, "#f") || strings.Contains(got, "#g") {
		t.Fatalf("excess hashtags not trimmed: %q", got)
	}
	if !strings.Contains(got, "#e") {
		t.Fatalf("kept hashtags missing: %q", got)
	}
	if strings.Contains(got, "@u") {
		t.Fatalf("excess mentions not trimmed: %q", got)
	}
}

func TestFormatRejectsTooManyImages(t *testing.T) {
	c := Content{
		Body:   "gallery",
		Images: make([]string, 10),
	}
	_, err := Format(c, linkedinProfile())
	if err == nil {
		t.Fatal("expected rejection over image limit")
	}
	if !errors.Is(err, domain.ErrNonRetryable) {
		t.Fatalf("image rejection must be non-retryable, got %v", err)
	}
}

func TestParseContentFallsBackToPlainText(t *testing.T) {
	c := ParseContent("just a plain update")
	if c.Body != "just a plain update" {
		t.Fatalf("plain text body lost: %q", c.Body)
	}

	c = ParseContent(`{"body":"structured","hashtags":["#go"]}`)
	if c.Body != "structured" || len(c.Hashtags) != 1 {
		t.Fatalf("structured content not parsed: %+v", c)
	}
}
