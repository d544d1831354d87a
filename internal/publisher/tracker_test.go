package publisher

import (
	"math"
	"testing"

	"agentpipe/internal/domain"
)

func TestEngagementRate(t *testing.T) {
	m := domain.RawMetrics{Impressions: 1000, Clicks: 30, Likes: 50, Comments: 15, Shares: 5}
	if got, want := EngagementRate(m), 0.1; math.Abs(got-want) > 1e-9 {
		t.Fatalf("engagement rate = %v, want %v", got, want)
	}

	if got := EngagementRate(domain.RawMetrics{}); got != 0 {
		t.Fatalf("zero impressions must yield rate 0, got %v", got)
	}
}

func TestCompositeScoreMonotonic(t *testing.T) {
	base := domain.RawMetrics{Impressions: 1000, Clicks: 10, Likes: 10, Comments: 5, Shares: 2}
	better := base
	better.Shares += 20

	if CompositeScore(better) <= CompositeScore(base) {
		t.Fatal("more shares must never lower the composite score")
	}
}

func TestNormalizeAgainstBenchmark(t *testing.T) {
	cases := []struct {
		name      string
		raw       float64
		benchmark []float64
		want      float64
	}{
		{"no history keeps raw", 42, nil, 42},
		{"at benchmark scores 1", 100, []float64{100, 100, 100}, 1},
		{"double benchmark scores 2", 200, []float64{50, 150}, 2},
		{"zero benchmark keeps raw", 10, []float64{0, 0}, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.raw, tc.benchmark); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Normalize(%v, %v) = %v, want %v", tc.raw, tc.benchmark, got, tc.want)
			}
		})
	}
}
