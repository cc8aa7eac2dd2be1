package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// CacheStoredBytes tracks compressed bytes written to Redis
	CacheStoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_cache_stored_bytes_total",
		Help: "Total compressed bytes written to the response cache",
	})

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_304_responses_total",
		Help: "Total number of 304 Not Modified responses",
	})

	// ConditionalRequestsSent tracks requests sent with validators
	ConditionalRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_conditional_requests_total",
		Help: "Total number of conditional requests sent",
	})

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"
)
