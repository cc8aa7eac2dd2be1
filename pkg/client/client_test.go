package client

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/wit-harvester/internal/testutil"
	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// newTestClient returns a client for the mock with fast retries and no pacing.
func newTestClient(t *testing.T, mock *testutil.MockADO, redisClient *redis.Client) *Client {
	t.Helper()

	cfg := DefaultConfig("contoso", "Fabrikam", "test-pat")
	cfg.BaseURL = mock.URL()
	cfg.Redis = redisClient
	cfg.RequestsPerSecond = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	valid := DefaultConfig("contoso", "Fabrikam", "pat")

	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:     "missing organization",
			mutate:   func(c *Config) { c.Organization = "" },
			errorMsg: "organization is required",
		},
		{
			name:     "missing project",
			mutate:   func(c *Config) { c.Project = "" },
			errorMsg: "project is required",
		},
		{
			name:     "missing token",
			mutate:   func(c *Config) { c.Token = "" },
			errorMsg: "personal access token is required",
		},
		{
			name:     "empty user agent",
			mutate:   func(c *Config) { c.UserAgent = "" },
			errorMsg: "user-agent is required",
		},
		{
			name:     "negative retries",
			mutate:   func(c *Config) { c.MaxRetries = -1 },
			errorMsg: "max_retries must be >= 0 (got -1)",
		},
		{
			name:     "invalid base url",
			mutate:   func(c *Config) { c.BaseURL = "dev.azure.com" },
			errorMsg: `invalid base url "dev.azure.com"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			client, err := New(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if client == nil {
					t.Error("Expected client but got nil")
				}
				return
			}

			if err == nil {
				t.Fatal("Expected error but got nil")
			}
			if err.Error() != tt.errorMsg {
				t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("contoso", "Fabrikam", "pat")

	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.APIVersion != DefaultAPIVersion {
		t.Errorf("APIVersion = %q, want %q", cfg.APIVersion, DefaultAPIVersion)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.UserAgent == "" {
		t.Error("UserAgent should have a default")
	}
}

func TestQueryByWiql(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(100, 5, 0, "")...)

	c := newTestClient(t, mock, nil)
	wiql := OpenItemsQuery("Fabrikam", "User Story")

	refs, err := c.QueryByWiql(context.Background(), wiql)
	if err != nil {
		t.Fatalf("QueryByWiql() error = %v", err)
	}

	if len(refs) != 5 {
		t.Fatalf("len(refs) = %d, want 5", len(refs))
	}
	for i, ref := range refs {
		if ref.ID != 100+i || ref.Position != i {
			t.Errorf("refs[%d] = %+v, want {ID:%d Position:%d}", i, ref, 100+i, i)
		}
	}

	stats := mock.Stats()
	if stats.LastQuery != wiql {
		t.Errorf("query sent = %q, want %q", stats.LastQuery, wiql)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(":test-pat"))
	if stats.LastAuth != wantAuth {
		t.Errorf("Authorization = %q, want %q", stats.LastAuth, wantAuth)
	}
}

func TestQueryByWiql_EmptyQuery(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	if _, err := c.QueryByWiql(context.Background(), "  "); err == nil {
		t.Fatal("Expected error for empty query")
	}
	if n := mock.Stats().RequestCount; n != 0 {
		t.Errorf("RequestCount = %d, want 0", n)
	}
}

func TestQueryByWiql_TreeQueryRejected(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.SetQueryType("tree")

	c := newTestClient(t, mock, nil)
	_, err := c.QueryByWiql(context.Background(), "Select [Id] From WorkItemLinks")
	if !errors.Is(err, ErrUnsupportedQuery) {
		t.Errorf("err = %v, want ErrUnsupportedQuery", err)
	}
}

const savedQueryID = "8a8c8212-15ca-41ed-97aa-1d6fbfbcd581"

func TestQueryByID(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 10, 0, "")...)
	mock.AddSavedQuery(savedQueryID, []int{7, 3, 9})

	c := newTestClient(t, mock, nil)
	refs, err := c.QueryByID(context.Background(), strings.ToUpper(savedQueryID))
	if err != nil {
		t.Fatalf("QueryByID() error = %v", err)
	}

	want := []int{7, 3, 9}
	if len(refs) != len(want) {
		t.Fatalf("len(refs) = %d, want %d", len(refs), len(want))
	}
	for i, ref := range refs {
		if ref.ID != want[i] || ref.Position != i {
			t.Errorf("refs[%d] = %+v, want {ID:%d Position:%d}", i, ref, want[i], i)
		}
	}

	stats := mock.Stats()
	if stats.SavedQueryCount != 1 || stats.WiqlCount != 0 {
		t.Errorf("SavedQueryCount/WiqlCount = %d/%d, want 1/0", stats.SavedQueryCount, stats.WiqlCount)
	}
	if stats.LastQuery != savedQueryID {
		t.Errorf("query id sent = %q, want %q", stats.LastQuery, savedQueryID)
	}
}

func TestQueryByID_InvalidID(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	if _, err := c.QueryByID(context.Background(), "My Queries/Open Stories"); err == nil {
		t.Fatal("Expected error for a query id that is not a GUID")
	}
	if n := mock.Stats().RequestCount; n != 0 {
		t.Errorf("RequestCount = %d, want 0", n)
	}
}

func TestQueryByID_NotFound(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	_, err := c.QueryByID(context.Background(), savedQueryID)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
	if apiErr.TypeKey != "QueryItemNotFoundException" {
		t.Errorf("TypeKey = %q", apiErr.TypeKey)
	}
}

func TestGetWorkItems(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(
		testutil.NewWorkItem(1, "Login page", "Active", "ui; fargo", ""),
		testutil.NewWorkItem(2, "Billing", "New", "", "<p>fargo export</p>"),
	)

	c := newTestClient(t, mock, nil)

	// id 3 does not exist and is omitted
	items, err := c.GetWorkItems(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("GetWorkItems() error = %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if items[0].ID != 1 || items[0].Title() != "Login page" || items[0].Tags() != "ui; fargo" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].State() != "New" || items[1].Field(workitem.FieldDescription) != "<p>fargo export</p>" {
		t.Errorf("items[1] = %+v", items[1])
	}
	if n := mock.Stats().WorkItemsCount; n != 1 {
		t.Errorf("WorkItemsCount = %d, want 1", n)
	}
}

func TestGetWorkItems_EmptyIDs(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	items, err := c.GetWorkItems(context.Background(), nil)
	if err != nil || items != nil {
		t.Errorf("GetWorkItems(nil) = %v, %v; want nil, nil", items, err)
	}
	if n := mock.Stats().RequestCount; n != 0 {
		t.Errorf("RequestCount = %d, want 0", n)
	}
}

func TestGetWorkItems_TooManyIDs(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()

	c := newTestClient(t, mock, nil)
	ids := make([]int, MaxBatchSize+1)
	for i := range ids {
		ids[i] = i + 1
	}

	_, err := c.GetWorkItems(context.Background(), ids)
	if !errors.Is(err, ErrTooManyIDs) {
		t.Errorf("err = %v, want ErrTooManyIDs", err)
	}
	if n := mock.Stats().RequestCount; n != 0 {
		t.Errorf("RequestCount = %d, want 0", n)
	}
}

func TestGetWorkItems_RetriesServerError(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 3, 0, "")...)
	mock.FailBatch(1, http.StatusServiceUnavailable, 2, nil)

	c := newTestClient(t, mock, nil)
	items, err := c.GetWorkItems(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("GetWorkItems() error = %v", err)
	}
	if len(items) != 3 {
		t.Errorf("len(items) = %d, want 3", len(items))
	}
	if n := mock.Stats().WorkItemsCount; n != 3 {
		t.Errorf("WorkItemsCount = %d, want 3 (two failures, one success)", n)
	}
}

func TestGetWorkItems_RetriesExhausted(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 3, 0, "")...)
	mock.FailBatch(1, http.StatusBadGateway, 0, nil)

	c := newTestClient(t, mock, nil)
	_, err := c.GetWorkItems(context.Background(), []int{1, 2, 3})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("err = %v, want APIError with status 502", err)
	}
	if n := mock.Stats().WorkItemsCount; n != 4 {
		t.Errorf("WorkItemsCount = %d, want 4 (1 + 3 retries)", n)
	}
}

func TestGetWorkItems_ClientErrorNotRetried(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.FailBatch(7, http.StatusUnauthorized, 0, nil)

	c := newTestClient(t, mock, nil)
	_, err := c.GetWorkItems(context.Background(), []int{7})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Message != "Unauthorized" {
		t.Errorf("Message = %q, want the service message", apiErr.Message)
	}
	if n := mock.Stats().WorkItemsCount; n != 1 {
		t.Errorf("WorkItemsCount = %d, want 1", n)
	}
}

func TestGetWorkItems_RateLimitedThenRecovers(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 2, 0, "")...)
	mock.FailBatch(1, http.StatusTooManyRequests, 1, map[string]string{"Retry-After": "0"})

	c := newTestClient(t, mock, nil)
	items, err := c.GetWorkItems(context.Background(), []int{1, 2})
	if err != nil {
		t.Fatalf("GetWorkItems() error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
}

func TestDo_SignInPageIsAuthFailure(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.SetResponse("/contoso/Fabrikam/_apis/wit/wiql", testutil.MockResponse{
		StatusCode: http.StatusNonAuthoritativeInfo,
		Body:       "<html>Sign in</html>",
		Headers:    map[string]string{"Content-Type": "text/html"},
	})

	c := newTestClient(t, mock, nil)
	_, err := c.QueryByWiql(context.Background(), "Select [Id] From WorkItems")

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNonAuthoritativeInfo {
		t.Fatalf("err = %v, want APIError with status 203", err)
	}
	if n := mock.Stats().RequestCount; n != 1 {
		t.Errorf("RequestCount = %d, want 1 (not retried)", n)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 1, 0, "")...)
	mock.SetDelay(2 * time.Second)

	c := newTestClient(t, mock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetWorkItems(ctx, []int{1})
	if err == nil {
		t.Fatal("Expected error on cancelled context")
	}
	if time.Since(start) > time.Second {
		t.Error("request should stop when the context is cancelled")
	}
}

func TestWorkItemsURL(t *testing.T) {
	cfg := DefaultConfig("contoso", "Fabrikam", "pat")
	cfg.BaseURL = "https://ado.example.com/tfs/"
	cfg.Fields = []string{workitem.FieldTitle, workitem.FieldState}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u, err := url.Parse(c.workItemsURL([]int{3, 1, 2}))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	if u.Path != "/tfs/contoso/_apis/wit/workitems" {
		t.Errorf("Path = %q", u.Path)
	}
	q := u.Query()
	if got := q.Get("ids"); got != "3,1,2" {
		t.Errorf("ids = %q, want %q (request order kept)", got, "3,1,2")
	}
	if got := q.Get("errorPolicy"); got != "omit" {
		t.Errorf("errorPolicy = %q, want omit", got)
	}
	if got := q.Get("fields"); got != "System.Title,System.State" {
		t.Errorf("fields = %q", got)
	}
	if got := q.Get("api-version"); got != DefaultAPIVersion {
		t.Errorf("api-version = %q", got)
	}

	wiql, _ := url.Parse(c.wiqlURL(""))
	if wiql.Path != "/tfs/contoso/Fabrikam/_apis/wit/wiql" {
		t.Errorf("wiql Path = %q", wiql.Path)
	}

	saved, _ := url.Parse(c.wiqlURL(savedQueryID))
	if saved.Path != "/tfs/contoso/Fabrikam/_apis/wit/wiql/"+savedQueryID {
		t.Errorf("saved query Path = %q", saved.Path)
	}
}

func TestOpenItemsQuery(t *testing.T) {
	got := OpenItemsQuery("O'Brien Team", "User Story")
	want := "Select [Id] From WorkItems Where [Work Item Type] = 'User Story' " +
		"And [System.TeamProject] = 'O''Brien Team' Order By [State] Asc, [Changed Date] Desc"

	if got != want {
		t.Errorf("OpenItemsQuery() =\n%s\nwant\n%s", got, want)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"/contoso/Fabrikam/_apis/wit/wiql":               "wiql",
		"/contoso/Fabrikam/_apis/wit/wiql/" + savedQueryID: "wiql",
		"/contoso/_apis/wit/workitems":                     "workitems",
		"/contoso/_apis/projects":                          "other",
	}
	for path, want := range tests {
		if got := endpointLabel(path); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestClient_ConditionalRequestWithCache(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.EnableETags()
	mock.AddItems(testutil.MakeItems(1, 3, 1, "fargo")...)

	c := newTestClient(t, mock, redisClient)
	ctx := context.Background()

	first, err := c.GetWorkItems(ctx, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("first GetWorkItems() error = %v", err)
	}
	second, err := c.GetWorkItems(ctx, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("second GetWorkItems() error = %v", err)
	}

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("len = %d, %d; want 3, 3", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Title() != second[i].Title() {
			t.Errorf("item %d differs between live and cached response", i)
		}
	}
	if !strings.Contains(second[0].Title(), "fargo") {
		t.Errorf("cached title = %q", second[0].Title())
	}

	stats := mock.Stats()
	if stats.ConditionalCount != 1 {
		t.Errorf("ConditionalCount = %d, want 1", stats.ConditionalCount)
	}
	if stats.NotModifiedCount != 1 {
		t.Errorf("NotModifiedCount = %d, want 1", stats.NotModifiedCount)
	}
}

func TestClient_CacheIsolatedPerToken(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockADO()
	defer mock.Close()
	mock.AddItems(testutil.MakeItems(1, 3, 1, "fargo")...)

	newClient := func(token string) *Client {
		cfg := DefaultConfig("contoso", "Fabrikam", token)
		cfg.BaseURL = mock.URL()
		cfg.Redis = redisClient
		cfg.RequestsPerSecond = 0
		c, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	}
	ctx := context.Background()
	ids := []int{1, 2, 3}

	if _, err := newClient("pat-a").GetWorkItems(ctx, ids); err != nil {
		t.Fatalf("GetWorkItems(a) error = %v", err)
	}
	if _, err := newClient("pat-b").GetWorkItems(ctx, ids); err != nil {
		t.Fatalf("GetWorkItems(b) error = %v", err)
	}
	if got := mock.Stats().WorkItemsCount; got != 2 {
		t.Errorf("WorkItemsCount = %d, want 2 (no entry shared across tokens)", got)
	}
	if auth := mock.Stats().LastAuth; auth != "Basic "+base64.StdEncoding.EncodeToString([]byte(":pat-b")) {
		t.Errorf("LastAuth = %q, want pat-b credentials", auth)
	}

	if _, err := newClient("pat-a").GetWorkItems(ctx, ids); err != nil {
		t.Fatalf("second GetWorkItems(a) error = %v", err)
	}
	if got := mock.Stats().WorkItemsCount; got != 2 {
		t.Errorf("WorkItemsCount = %d, want 2 (same token served from cache)", got)
	}
}

func TestWiqlURL_EscapesProjectName(t *testing.T) {
	c, err := New(DefaultConfig("contoso", "Team Alpha", "pat"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw := c.wiqlURL("")
	if !strings.Contains(raw, "/contoso/Team%20Alpha/_apis/wit/wiql") {
		t.Errorf("wiqlURL() = %q, want escaped project segment", raw)
	}

	u, _ := url.Parse(raw)
	if u.Path != "/contoso/Team Alpha/_apis/wit/wiql" {
		t.Errorf("Path = %q", u.Path)
	}
}
