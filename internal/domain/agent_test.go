package domain

import (
	"testing"
	"time"
)

func TestLiveness(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Second

	cases := []struct {
		name string
		age  time.Duration
		want AgentStatus
	}{
		{"fresh beat is healthy", 5 * time.Second, AgentHealthy},
		{"just under interval is healthy", 14 * time.Second, AgentHealthy},
		{"one interval is degraded", 15 * time.Second, AgentDegraded},
		{"two intervals is degraded", 30 * time.Second, AgentDegraded},
		{"four missed beats is dead", 60 * time.Second, AgentDead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Liveness(now.Add(-tc.age), now, interval); got != tc.want {
				t.Fatalf("Liveness(age=%v) = %s, want %s", tc.age, got, tc.want)
			}
		})
	}
}

func TestCanHandle(t *testing.T) {
	a := Agent{Capabilities: []TaskType{TypeGenerateContent}}
	if !a.CanHandle(TypeGenerateContent) {
		t.Fatal("advertised capability not matched")
	}
	if a.CanHandle(TypePublish) {
		t.Fatal("unadvertised capability matched")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []TaskStatus{StatusCompleted, StatusDeadLettered, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	active := []TaskStatus{StatusPending, StatusAssigned, StatusInProgress, StatusFailed, StatusRetrying}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
