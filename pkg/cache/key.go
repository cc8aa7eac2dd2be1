package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Principal returns the Key.Principal digest of a credential.
func Principal(credential string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(credential))
}

// MaxRawQueryLength is the longest query string kept verbatim in a key.
// Longer ones (200-id batches) are replaced by their xxhash digest.
const MaxRawQueryLength = 128

// Key identifies a cached response.
type Key struct {
	// Organization scopes keys per Azure DevOps organization
	Organization string

	// Principal scopes keys per caller identity (a digest of the
	// credential). Responses depend on the caller's permissions.
	Principal string

	// Endpoint is the request path (e.g., "/contoso/_apis/wit/workitems")
	Endpoint string

	// QueryParams are the query parameters (e.g., ids, api-version)
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: wit:org:principal:endpoint:param1=val1:param2=val2
//
// Example:
//
//	wit:contoso:9a1f03c2d4e5b677:contoso/_apis/wit/workitems:api-version=7.1:ids=1,2,3
func (k Key) String() string {
	parts := []string{"wit"}

	if k.Organization != "" {
		parts = append(parts, strings.ToLower(k.Organization))
	}

	if k.Principal != "" {
		parts = append(parts, k.Principal)
	}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if query := k.canonicalQuery(); query != "" {
		if len(query) > MaxRawQueryLength {
			query = fmt.Sprintf("h=%016x", xxhash.Sum64String(query))
		}
		parts = append(parts, query)
	}

	return strings.Join(parts, ":")
}

// canonicalQuery renders the query params sorted by key, values in order.
func (k Key) canonicalQuery() string {
	if len(k.QueryParams) == 0 {
		return ""
	}

	keys := make([]string, 0, len(k.QueryParams))
	for key := range k.QueryParams {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
	}
	return strings.Join(parts, ":")
}
