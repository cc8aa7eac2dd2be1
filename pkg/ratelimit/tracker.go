package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned when the required wait exceeds the tracker's MaxWait.
var ErrBlocked = errors.New("request blocked by rate limit")

// ThrottleDelay is applied before each request in the warning band.
const ThrottleDelay = time.Second

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wit_rate_limit_remaining",
		Help: "X-RateLimit-Remaining reported by the service",
	})

	rateLimitDelaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_rate_limit_delays_total",
		Help: "Total number of requests delayed by the rate limit tracker",
	}, []string{"reason"}) // "retry_after", "critical", "throttle"

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_rate_limit_blocks_total",
		Help: "Total number of requests rejected because the wait exceeded the limit",
	})
)

// Tracker records rate limit headers and gates requests.
// With a Redis client the state is shared by every process harvesting
// the same organization; without one it lives in memory.
type Tracker struct {
	redis     *redis.Client
	namespace string
	logger    zerolog.Logger

	// MaxWait bounds how long Wait blocks before returning ErrBlocked.
	MaxWait time.Duration

	mu    sync.Mutex
	local *State

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, namespace string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:     redisClient,
		namespace: namespace,
		logger:    logger,
		MaxWait:   5 * time.Minute,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Tracker) stateKey() string      { return fmt.Sprintf(RedisKeyState, t.namespace) }
func (t *Tracker) retryAfterKey() string { return fmt.Sprintf(RedisKeyRetryAfter, t.namespace) }

// GetState returns the current rate limit state.
// Returns an unknown, healthy state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	now := t.now()

	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.localState(now), nil
	}
	return t.readShared(ctx, t.redis, now)
}

// localState returns a copy of the in-memory state. t.mu must be held.
func (t *Tracker) localState(now time.Time) *State {
	if t.local == nil {
		return unknownState(now)
	}
	s := *t.local
	return &s
}

// redisGetter is satisfied by *redis.Client and *redis.Tx.
type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (t *Tracker) readShared(ctx context.Context, rdb redisGetter, now time.Time) (*State, error) {
	data, err := rdb.Get(ctx, t.stateKey()).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := unknownState(now)
	if err == nil {
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("parse rate limit state: %w", err)
		}
	}

	// Retry-After lives in its own key so it expires with the delay.
	notBefore, err := rdb.Get(ctx, t.retryAfterKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get retry-after: %w", err)
	}
	if err == nil {
		state.NotBefore = time.UnixMilli(notBefore)
	}

	return state, nil
}

// headerUpdate holds the rate limit values parsed from one response.
type headerUpdate struct {
	remaining    int
	hasRemaining bool
	limit        int
	hasLimit     bool
	resetAt      time.Time
	retryAfter   time.Duration
}

func parseHeaders(headers http.Header, now time.Time) (headerUpdate, error) {
	var u headerUpdate

	if remainStr := headers.Get("X-RateLimit-Remaining"); remainStr != "" {
		remain, err := strconv.Atoi(remainStr)
		if err != nil {
			return u, fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
		}
		u.remaining, u.hasRemaining = remain, true
	}
	if limitStr := headers.Get("X-RateLimit-Limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			u.limit, u.hasLimit = limit, true
		}
	}
	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		reset, err := strconv.ParseInt(resetStr, 10, 64)
		if err != nil {
			return u, fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
		}
		u.resetAt = time.Unix(reset, 0)
	}
	u.retryAfter = ParseRetryAfter(headers.Get("Retry-After"), now)
	return u, nil
}

func (u headerUpdate) apply(state *State, now time.Time) {
	state.LastUpdate = now
	if u.hasRemaining {
		state.Remaining = u.remaining
	}
	if u.hasLimit {
		state.Limit = u.limit
	}
	if !u.resetAt.IsZero() {
		state.ResetAt = u.resetAt
	}
	if u.retryAfter > 0 {
		state.NotBefore = now.Add(u.retryAfter)
	}
	state.UpdateHealth()
}

// maxUpdateAttempts bounds optimistic transaction retries on the shared state.
const maxUpdateAttempts = 10

// UpdateFromHeaders parses rate limit headers and records the new state.
// Responses without rate limit headers leave the state unchanged.
// Concurrent updates are applied one at a time, in memory under the
// tracker's mutex and in Redis inside a WATCH transaction.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	if headers.Get("X-RateLimit-Remaining") == "" && headers.Get("Retry-After") == "" {
		return nil
	}

	now := t.now()
	update, err := parseHeaders(headers, now)
	if err != nil {
		return err
	}

	var state *State
	if t.redis == nil {
		t.mu.Lock()
		state = t.localState(now)
		update.apply(state, now)
		s := *state
		t.local = &s
		t.mu.Unlock()
	} else {
		state, err = t.updateShared(ctx, update, now)
		if err != nil {
			return err
		}
	}

	if state.Remaining >= 0 {
		rateLimitRemaining.Set(float64(state.Remaining))
	}

	switch {
	case update.retryAfter > 0:
		t.logger.Warn().
			Dur("retry_after", update.retryAfter).
			Int("remaining", state.Remaining).
			Msg("Service requested Retry-After delay")
	case state.NeedsCriticalWait(now):
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit CRITICAL - requests will wait for reset")
	case state.NeedsThrottling(now):
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

func (t *Tracker) updateShared(ctx context.Context, update headerUpdate, now time.Time) (*State, error) {
	var state *State
	txf := func(tx *redis.Tx) error {
		s, err := t.readShared(ctx, tx, now)
		if err != nil {
			return err
		}
		update.apply(s, now)

		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal rate limit state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, t.stateKey(), data, time.Hour)
			if update.retryAfter > 0 {
				pipe.Set(ctx, t.retryAfterKey(), s.NotBefore.UnixMilli(), update.retryAfter)
			}
			return nil
		})
		if err != nil {
			return err
		}
		state = s
		return nil
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := t.redis.Watch(ctx, txf, t.stateKey(), t.retryAfterKey())
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}
	return nil, fmt.Errorf("store rate limit state in redis: %w", redis.TxFailedErr)
}

// Wait blocks until a request may be sent.
// Returns ErrBlocked when the required wait exceeds MaxWait.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}

	now := t.now()
	wait := state.RequiredWait(now)
	reason := "retry_after"
	if state.NeedsCriticalWait(now) {
		reason = "critical"
	}
	if wait <= 0 && state.NeedsThrottling(now) {
		wait = ThrottleDelay
		reason = "throttle"
	}
	if wait <= 0 {
		return nil
	}

	if t.MaxWait > 0 && wait > t.MaxWait {
		rateLimitBlocksTotal.Inc()
		t.logger.Error().
			Dur("wait", wait).
			Dur("max_wait", t.MaxWait).
			Msg("Rate limit wait exceeds maximum - blocking request")
		return fmt.Errorf("%w: would wait %s", ErrBlocked, wait)
	}

	rateLimitDelaysTotal.WithLabelValues(reason).Inc()
	t.logger.Warn().
		Str("reason", reason).
		Dur("wait", wait).
		Int("remaining", state.Remaining).
		Msg("Delaying request for rate limit")

	return t.sleep(ctx, wait)
}

// ParseRetryAfter parses a Retry-After value given in seconds or as an
// HTTP date. Invalid values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
