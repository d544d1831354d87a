package publisher

import (
	"encoding/json"
	"fmt"

	"agentpipe/internal/domain"
)

// DefaultProfiles are the shipped platform envelopes. The LinkedIn numbers
// follow the upstream guidance of three to five hashtags and the 3000
// character post ceiling. Deployments override via PLATFORM_PROFILES.
func DefaultProfiles() map[string]domain.PlatformProfile {
	return map[string]domain.PlatformProfile{
		"linkedin": {
			Name:        "linkedin",
			MaxLength:   3000,
			MaxHashtags: 5,
			MaxMentions: 5,
			MaxURLs:     3,
			MaxImages:   9,
			RateLimit:   domain.RateLimit{Daily: 25, Hourly: 5, MinIntervalMinutes: 30},
		},
		"x": {
			Name:        "x",
			MaxLength:   280,
			MaxHashtags: 3,
			MaxMentions: 3,
			MaxURLs:     2,
			MaxImages:   4,
			RateLimit:   domain.RateLimit{Daily: 100, Hourly: 15, MinIntervalMinutes: 10},
		},
		"facebook": {
			Name:        "facebook",
			MaxLength:   5000,
			MaxHashtags: 5,
			MaxMentions: 10,
			MaxURLs:     5,
			MaxImages:   10,
			RateLimit:   domain.RateLimit{Daily: 35, Hourly: 8, MinIntervalMinutes: 20},
		},
	}
}

// LoadProfiles merges a JSON override (a map of profile objects keyed by
// platform name) over the defaults.
func LoadProfiles(override string) (map[string]domain.PlatformProfile, error) {
	profiles := DefaultProfiles()
	if override == "" {
		return profiles, nil
	}
	var extra map[string]domain.PlatformProfile
	if err := json.Unmarshal([]byte(override), &extra); err != nil {
		return nil, fmt.Errorf("parse platform profiles: %w", err)
	}
	for name, p := range extra {
		if p.Name == "" {
			p.Name = name
		}
		profiles[name] = p
	}
	return profiles, nil
}
