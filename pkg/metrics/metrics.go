// Package metrics exposes the harvester's Prometheus metrics.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination, filter, harvest) and registered with promauto.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the registerer every package's promauto metrics use.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve binds addr and serves Handler under /metrics until ctx is done.
// It returns the bound address and a channel that receives the server's
// exit error.
func Serve(ctx context.Context, addr string) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
		close(done)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return ln.Addr(), done, nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - wit_requests_total{endpoint, status} (Counter): Requests by endpoint (wiql, workitems) and HTTP status
//   - wit_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - wit_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - wit_retries_total{error_class} (Counter): Retry attempts by error class
//   - wit_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - wit_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - wit_rate_limit_remaining (Gauge): Last X-RateLimit-Remaining reported
//   - wit_rate_limit_delays_total{reason} (Counter): Requests delayed (retry_after, critical, throttle)
//   - wit_rate_limit_blocks_total (Counter): Requests rejected because the wait exceeded the maximum
//
// Cache Metrics (pkg/cache):
//   - wit_cache_hits_total (Counter): Cache hits
//   - wit_cache_misses_total (Counter): Cache misses
//   - wit_cache_stored_bytes_total (Counter): Compressed bytes written to the cache
//   - wit_304_responses_total (Counter): 304 Not Modified responses
//   - wit_conditional_requests_total (Counter): Conditional requests sent
//   - wit_cache_errors_total{operation} (Counter): Cache operation errors
//
// Fetch Metrics (pkg/pagination):
//   - wit_batches_total{outcome} (Counter): Batches by outcome (ok, empty, failed)
//   - wit_batch_duration_seconds (Histogram): Work items request duration per batch
//   - wit_items_aggregated_total (Counter): Work items aggregated
//
// Filter and Run Metrics (pkg/filter, pkg/harvest):
//   - wit_filter_items_scanned_total (Counter): Work items scanned for the keyword
//   - wit_filter_matches_total (Counter): Work items matching the keyword
//   - wit_harvest_runs_total{outcome} (Counter): Runs by outcome
//   - wit_harvest_run_duration_seconds (Histogram): End-to-end run duration
//
// Example Prometheus Queries:
//
//   # Batch failure rate
//   rate(wit_batches_total{outcome="failed"}[5m]) / rate(wit_batches_total[5m])
//
//   # Rate limit pressure
//   wit_rate_limit_remaining < 50
//
//   # P95 work items request latency
//   histogram_quantile(0.95, rate(wit_request_duration_seconds_bucket{endpoint="workitems"}[5m]))
//
//   # 304 Response Rate
//   rate(wit_304_responses_total[5m]) / rate(wit_requests_total{endpoint="workitems"}[5m])
