package publisher

import "time"

// Factor weights for slot scoring. Audience activity dominates; competitor
// crowding is an avoidance term.
const (
	weightActivity   = 0.4
	weightHistorical = 0.3
	weightTrend      = 0.2
	weightCompetitor = 0.1
)

// TimingInputs hold the four signals slot scoring runs on, supplied through
// the task's audience metadata. Activity is a weekday-by-hour heatmap; the
// other three are hour-of-day curves. All values are expected in [0, 1].
type TimingInputs struct {
	Activity   [7][24]float64 `json:"activity"`
	Historical [24]float64    `json:"historical"`
	Trend      [24]float64    `json:"trend"`
	Competitor [24]float64    `json:"competitor"`
}

// SlotScore is the composite score for one candidate hour. Pure arithmetic,
// no clock and no randomness.
func SlotScore(in TimingInputs, weekday time.Weekday, hour int) float64 {
	return weightActivity*in.Activity[weekday][hour] +
		weightHistorical*in.Historical[hour] +
		weightTrend*in.Trend[hour] +
		weightCompetitor*(1-in.Competitor[hour])
}

// OptimalSlot picks the highest-scoring whole hour within the scheduling
// window, starting at the next full hour after now. Ties go to the earliest
// slot; equal inputs always yield the same answer.
func OptimalSlot(now time.Time, windowDays int, in TimingInputs) time.Time {
	if windowDays <= 0 {
		windowDays = 7
	}
	start := now.Truncate(time.Hour).Add(time.Hour)

	best := start
	bestScore := -1.0
	for i := 0; i < windowDays*24; i++ {
		slot := start.Add(time.Duration(i) * time.Hour)
		score := SlotScore(in, slot.Weekday(), slot.Hour())
		if score > bestScore {
			best, bestScore = slot, score
		}
	}
	return best
}
