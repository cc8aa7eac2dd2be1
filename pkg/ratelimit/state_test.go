package ratelimit

import (
	"testing"
	"time"
)

func TestState_Thresholds(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(30 * time.Second)

	tests := []struct {
		name       string
		state      State
		critical   bool
		throttling bool
		healthy    bool
	}{
		{"unknown", State{Remaining: -1}, false, false, true},
		{"healthy", State{Remaining: 150, ResetAt: future}, false, false, true},
		{"between warning and healthy", State{Remaining: 70, ResetAt: future}, false, false, false},
		{"warning", State{Remaining: 20, ResetAt: future}, false, true, false},
		{"critical", State{Remaining: 3, ResetAt: future}, true, false, false},
		{"window already reset", State{Remaining: 3, ResetAt: now.Add(-time.Second)}, false, false, false},
		{"warning without reset time", State{Remaining: 20}, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			s.LastUpdate = now
			s.UpdateHealth()

			if got := s.NeedsCriticalWait(now); got != tt.critical {
				t.Errorf("NeedsCriticalWait() = %v, want %v", got, tt.critical)
			}
			if got := s.NeedsThrottling(now); got != tt.throttling {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.throttling)
			}
			if s.IsHealthy != tt.healthy {
				t.Errorf("IsHealthy = %v, want %v", s.IsHealthy, tt.healthy)
			}
		})
	}
}

func TestState_RequiredWait(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		state State
		want  time.Duration
	}{
		{"nothing pending", State{Remaining: 200}, 0},
		{"retry-after", State{Remaining: 200, NotBefore: now.Add(7 * time.Second)}, 7 * time.Second},
		{"expired retry-after", State{Remaining: 200, NotBefore: now.Add(-time.Second)}, 0},
		{"critical waits for reset", State{Remaining: 1, ResetAt: now.Add(20 * time.Second)}, 20 * time.Second},
		{"longest wins", State{Remaining: 1, ResetAt: now.Add(5 * time.Second), NotBefore: now.Add(9 * time.Second)}, 9 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.RequiredWait(now); got != tt.want {
				t.Errorf("RequiredWait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_IsStale(t *testing.T) {
	now := time.Now()
	s := State{LastUpdate: now.Add(-2 * time.Minute)}

	if !s.IsStale(now, time.Minute) {
		t.Error("Expected state older than maxAge to be stale")
	}
	if s.IsStale(now, 5*time.Minute) {
		t.Error("Expected state younger than maxAge to be fresh")
	}
}

func TestState_IsCurrent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		state State
		want  bool
	}{
		{"unknown", State{Remaining: -1, LastUpdate: now}, false},
		{"fresh", State{Remaining: 20, LastUpdate: now.Add(-time.Minute)}, true},
		{"fresh with future reset", State{Remaining: 20, LastUpdate: now, ResetAt: now.Add(time.Minute)}, true},
		{"reset passed", State{Remaining: 20, LastUpdate: now, ResetAt: now.Add(-time.Second)}, false},
		{"older than max age", State{Remaining: 20, LastUpdate: now.Add(-StateMaxAge - time.Second)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsCurrent(now); got != tt.want {
				t.Errorf("IsCurrent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_ThrottlingEndsWhenStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := State{Remaining: 20, LastUpdate: now}

	if !s.NeedsThrottling(now) {
		t.Fatal("Expected fresh warning state to throttle")
	}
	if s.NeedsThrottling(now.Add(2 * time.Hour)) {
		t.Error("Expected throttling to stop once the state is stale")
	}
}
