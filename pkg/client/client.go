// Package client provides the Azure DevOps work item tracking REST client
// with rate limiting, caching, and error handling.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/wit-harvester/pkg/cache"
	"github.com/Sternrassler/wit-harvester/pkg/ratelimit"
	"github.com/go-json-experiment/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the Azure DevOps Services root.
	DefaultBaseURL = "https://dev.azure.com"

	// DefaultAPIVersion is the REST api-version sent with every request.
	DefaultAPIVersion = "7.1"

	// MaxBatchSize is the service limit on ids per work items request.
	MaxBatchSize = 200

	// DefaultMaxRateLimitWait bounds how long one request waits for the
	// service's rate limit before failing with ratelimit.ErrBlocked.
	DefaultMaxRateLimitWait = time.Minute

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_requests_total",
		Help: "Total Azure DevOps requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wit_request_duration_seconds",
		Help:    "Azure DevOps request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_errors_total",
		Help: "Total Azure DevOps errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wit_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Client is the Azure DevOps work item tracking client.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	pacer       *rate.Limiter
	cache       *cache.Manager
	retry       *retrier
	config      Config
	baseURL     *url.URL
	authHeader  string
	principal   string
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Organization and Project address the work item store
	Organization string
	Project      string

	// Token is a personal access token (sent with HTTP Basic auth)
	Token string

	// BaseURL overrides DefaultBaseURL (Azure DevOps Server collections, tests)
	BaseURL    string
	APIVersion string
	UserAgent  string

	// Fields restricts the fields returned for work items. Empty returns all.
	Fields []string

	// Redis enables the response cache and shares rate limit state
	// between processes. Optional.
	Redis    *redis.Client
	CacheTTL time.Duration

	// Client-side pacing; 0 disables it
	RequestsPerSecond float64
	Burst             int

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Timeout per HTTP request attempt
	Timeout time.Duration

	// MaxRateLimitWait bounds how long a request waits on Retry-After
	MaxRateLimitWait time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(organization, project, token string) Config {
	return Config{
		Organization:      organization,
		Project:           project,
		Token:             token,
		BaseURL:           DefaultBaseURL,
		APIVersion:        DefaultAPIVersion,
		UserAgent:         "wit-harvester/0.1.0",
		CacheTTL:          cache.DefaultTTL,
		RequestsPerSecond: 20,
		Burst:             10,
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		Timeout:           60 * time.Second,
		MaxRateLimitWait:  DefaultMaxRateLimitWait,
	}
}

// New creates a new Azure DevOps client.
func New(cfg Config) (*Client, error) {
	if cfg.Organization == "" {
		return nil, fmt.Errorf("organization is required")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("personal access token is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * cfg.InitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	logger := log.With().Str("component", "ado-client").Str("organization", cfg.Organization).Logger()

	rateLimiter := ratelimit.NewTracker(cfg.Redis, strings.ToLower(cfg.Organization), logger)
	if cfg.MaxRateLimitWait > 0 {
		rateLimiter.MaxWait = cfg.MaxRateLimitWait
	}

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager, err = cache.NewManager(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create cache manager: %w", err)
		}
		if cfg.CacheTTL > 0 {
			cacheManager.DefaultTTL = cfg.CacheTTL
		}
	}

	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: rateLimiter,
		pacer:       pacer,
		cache:       cacheManager,
		retry: &retrier{
			config: RetryConfig{
				MaxAttempts:       cfg.MaxRetries + 1,
				InitialBackoff:    cfg.InitialBackoff,
				MaxBackoff:        cfg.MaxBackoff,
				BackoffMultiplier: 2.0,
			},
			logger: logger,
			sleep:  sleepContext,
		},
		config:     cfg,
		baseURL:    base,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+cfg.Token)),
		principal:  cache.Principal(cfg.Token),
		logger:     logger,
	}, nil
}

// Do performs an HTTP request with rate limiting, caching, and error handling.
// Any status >= 400 is returned as an *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointLabel(req.URL.Path)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Cache. Query results are never cached.
	cacheable := c.cache != nil && req.Method == http.MethodGet && endpoint != "wiql"
	var cacheKey cache.Key
	var cachedEntry *cache.Entry
	if cacheable {
		cacheKey = cache.Key{
			Organization: c.config.Organization,
			Principal:    c.principal,
			Endpoint:     req.URL.Path,
			QueryParams:  req.URL.Query(),
		}
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			cachedEntry = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	// Entries without validators are served until they expire
	if cachedEntry != nil && !cache.ShouldMakeConditionalRequest(cachedEntry) {
		c.logger.Debug().Str("endpoint", endpoint).Msg("Serving response from cache")
		requestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
		return cache.EntryToResponse(cachedEntry, req), nil
	}

	// Step 2: Check Rate Limit
	if err := c.rateLimiter.Wait(ctx); err != nil {
		requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	// Step 3: Make Conditional Request if cache hit
	if cachedEntry != nil {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 4: Set headers
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing request")

	// Step 5: Execute HTTP Request with Retry Logic
	var resp *http.Response
	retryErr := c.retry.do(ctx, func() error {
		resp = nil
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}

		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return err
		}

		if err := c.rateLimiter.UpdateFromHeaders(ctx, r.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		status := strconv.Itoa(r.StatusCode)
		switch {
		case r.StatusCode == http.StatusNotModified:
			resp = r
			return nil

		case r.StatusCode == http.StatusNonAuthoritativeInfo:
			// The service answers 203 with a sign-in page when the token is rejected
			r.Body.Close()
			errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
			requestsTotal.WithLabelValues(endpoint, status).Inc()
			return &APIError{
				StatusCode: r.StatusCode,
				ErrorClass: ErrorClassClient,
				Message:    "authentication failed (sign-in page returned)",
			}

		case r.StatusCode >= 400:
			apiErr := newAPIError(r)
			errorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
			requestsTotal.WithLabelValues(endpoint, status).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", r.StatusCode).
				Str("error_class", string(apiErr.ErrorClass)).
				Msg("Azure DevOps request error")
			return apiErr
		}

		requestsTotal.WithLabelValues(endpoint, status).Inc()
		resp = r
		return nil
	})

	if retryErr != nil {
		return nil, retryErr
	}

	// Step 6: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		if cachedEntry == nil {
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassClient,
				Message:    "not modified without a cached entry",
			}
		}

		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()

		newExpires := time.Now().Add(c.cache.DefaultTTL)
		if expiresStr := resp.Header.Get("Expires"); expiresStr != "" {
			if t, err := http.ParseTime(expiresStr); err == nil {
				newExpires = t
			}
		}
		if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}

		return cache.EntryToResponse(cachedEntry, req), nil
	}

	// Step 7: Update Cache on success
	if cacheable && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.cache.DefaultTTL)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
	}

	return resp, nil
}

// newAPIError builds an APIError from an error response and closes its body.
func newAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    resp.Status,
		RetryAfter: ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		TypeKey string `json:"typeKey"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		apiErr.Message = payload.Message
		apiErr.TypeKey = payload.TypeKey
	}
	return apiErr
}

// endpointLabel maps a request path to a low-cardinality metric label.
func endpointLabel(path string) string {
	switch {
	case strings.Contains(path, "/_apis/wit/wiql"):
		return "wiql"
	case strings.HasSuffix(path, "/_apis/wit/workitems"):
		return "workitems"
	default:
		return "other"
	}
}

// doJSON sends in (when non-nil) as a JSON body and decodes the response into out.
func (c *Client) doJSON(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.UnmarshalRead(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpointLabel(req.URL.Path), err)
	}
	return nil
}

// Close releases resources owned by the client. The Redis client is
// owned by the caller.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}
