// Package ratelimit tracks Azure DevOps rate limit state and delays
// requests when the service asks clients to back off.
// It reads the X-RateLimit-Remaining, X-RateLimit-Limit,
// X-RateLimit-Reset and Retry-After response headers.
package ratelimit

import (
	"time"
)

// Redis key formats for shared rate limit state. %s is the organization.
const (
	RedisKeyState      = "wit:rate_limit:%s:state"
	RedisKeyRetryAfter = "wit:rate_limit:%s:retry_after"
)

// Thresholds on X-RateLimit-Remaining (TSTUs left in the sliding window).
const (
	// RemainingThresholdCritical makes requests wait for the window reset.
	RemainingThresholdCritical = 10

	// RemainingThresholdWarning applies a short delay before each request.
	RemainingThresholdWarning = 50

	// RemainingThresholdHealthy indicates normal operation.
	RemainingThresholdHealthy = 100
)

// StateMaxAge is how long a reported Remaining value is trusted. The
// service only sends rate limit headers while it delays a caller, so a
// recovered window is never reported.
const StateMaxAge = 5 * time.Minute

// State is the last rate limit state reported by the service.
type State struct {
	// Remaining is X-RateLimit-Remaining. -1 when the service has not
	// reported it.
	Remaining int `json:"remaining"`

	// Limit is X-RateLimit-Limit.
	Limit int `json:"limit"`

	// ResetAt is X-RateLimit-Reset (unix seconds).
	ResetAt time.Time `json:"reset_at"`

	// NotBefore is when a Retry-After delay ends.
	NotBefore time.Time `json:"not_before"`

	// LastUpdate is when this state was recorded.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining is unknown or >= RemainingThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// unknownState is used before any response carried rate limit headers.
func unknownState(now time.Time) *State {
	return &State{
		Remaining:  -1,
		LastUpdate: now,
		IsHealthy:  true,
	}
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// IsCurrent reports whether Remaining still describes the active window:
// it is known, its window has not reset and it is younger than StateMaxAge.
func (s *State) IsCurrent(now time.Time) bool {
	if s.Remaining < 0 {
		return false
	}
	if !s.ResetAt.IsZero() && !s.ResetAt.After(now) {
		return false
	}
	return !s.IsStale(now, StateMaxAge)
}

// NeedsCriticalWait returns true if requests must wait for the window reset.
func (s *State) NeedsCriticalWait(now time.Time) bool {
	return s.Remaining >= 0 && s.Remaining < RemainingThresholdCritical && s.ResetAt.After(now)
}

// NeedsThrottling returns true if requests should be delayed a little.
func (s *State) NeedsThrottling(now time.Time) bool {
	return s.IsCurrent(now) && s.Remaining < RemainingThresholdWarning && !s.NeedsCriticalWait(now)
}

// RequiredWait returns how long a request must wait before it is sent.
func (s *State) RequiredWait(now time.Time) time.Duration {
	var wait time.Duration
	if d := s.NotBefore.Sub(now); d > wait {
		wait = d
	}
	if s.NeedsCriticalWait(now) {
		if d := s.ResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining < 0 || s.Remaining >= RemainingThresholdHealthy
}
