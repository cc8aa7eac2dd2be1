// Package cache caches work item batch responses in Redis.
//
// Work item details are requested in batches of up to 200 ids. Re-running
// a harvest against unchanged data hits the same batch URLs, so successful
// GET responses are stored under a key derived from the organization,
// endpoint and query string, with the id list hashed when it is long.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	manager, err := cache.NewManager(redisClient)
//	if err != nil {
//		return err
//	}
//	defer manager.Close()
//
//	key := cache.Key{
//		Organization: "contoso",
//		Principal:    cache.Principal(token),
//		Endpoint:     "/contoso/_apis/wit/workitems",
//		QueryParams:  url.Values{"ids": []string{"1,2,3"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the service
//	}
//
// # Conditional Requests
//
// Entries keep the ETag and Last-Modified validators of the response.
// When present, the client revalidates with If-None-Match or
// If-Modified-Since and serves the cached body on 304 Not Modified.
//
// # Storage
//
// Entries are JSON encoded and zstd compressed before being written, and
// expire in Redis when the entry's Expires time passes. Responses without
// an Expires header are kept for Manager.DefaultTTL.
//
// # Metrics
//
//   - wit_cache_hits_total - Cache hits
//   - wit_cache_misses_total - Cache misses
//   - wit_cache_stored_bytes_total - Compressed bytes written
//   - wit_304_responses_total - Conditional request successes
//   - wit_conditional_requests_total - Conditional requests sent
//   - wit_cache_errors_total{operation} - Cache operation errors
package cache
