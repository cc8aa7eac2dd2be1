// Package testutil provides a mock Azure DevOps work item service for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/go-json-experiment/json"
)

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// batchFailure makes work item requests starting at an id fail.
type batchFailure struct {
	status    int
	remaining int // <= 0 fails forever
	headers   map[string]string
}

// Stats are the request counters recorded by MockADO.
type Stats struct {
	RequestCount     int
	WiqlCount        int
	SavedQueryCount  int
	WorkItemsCount   int
	ConditionalCount int
	NotModifiedCount int
	MaxIDsPerRequest int
	MaxInFlight      int
	LastQuery        string
	LastAuth         string
	RequestedIDs     []int
}

// MockADO is a configurable mock of the WIQL and work items endpoints.
// WIQL queries return every stored item in insertion order, or the ids
// set with SetQueryResult.
type MockADO struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	items    map[int]workitem.WorkItem
	order    []int
	result   []int
	failures map[int]*batchFailure
	saved    map[string][]int

	delay     time.Duration
	etags     bool
	queryType string

	stats    Stats
	inFlight int
}

// NewMockADO creates a new mock Azure DevOps server.
func NewMockADO() *MockADO {
	mock := &MockADO{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		items:    make(map[int]workitem.WorkItem),
		failures: make(map[int]*batchFailure),
		saved:    make(map[string][]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.stats.RequestCount++
		mock.stats.LastAuth = r.Header.Get("Authorization")
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.stats.ConditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case exists:
			handler(w, r)
		case strings.HasSuffix(r.URL.Path, "/_apis/wit/wiql"):
			mock.handleWiql(w, r)
		case strings.Contains(r.URL.Path, "/_apis/wit/wiql/"):
			mock.handleSavedQuery(w, r)
		case strings.HasSuffix(r.URL.Path, "/_apis/wit/workitems"):
			mock.handleWorkItems(w, r)
		default:
			writeError(w, http.StatusNotFound, "NotFoundException", "no such endpoint")
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockADO) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockADO) Close() {
	m.server.Close()
}

// AddItems stores work items. Query results list them in insertion order.
func (m *MockADO) AddItems(items ...workitem.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if _, ok := m.items[item.ID]; !ok {
			m.order = append(m.order, item.ID)
		}
		m.items[item.ID] = item
	}
}

// SetQueryResult overrides the ids returned by WIQL queries. Ids with no
// stored item are returned as null by the work items endpoint.
func (m *MockADO) SetQueryResult(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = append([]int(nil), ids...)
}

// AddSavedQuery stores a saved query that returns ids. A nil ids list
// returns every stored item in insertion order.
func (m *MockADO) AddSavedQuery(id string, ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[strings.ToLower(id)] = append([]int(nil), ids...)
}

// FailBatch makes work items requests whose first id is firstID answer
// with status. times <= 0 fails every request.
func (m *MockADO) FailBatch(firstID, status, times int, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[firstID] = &batchFailure{status: status, remaining: times, headers: headers}
}

// SetDelay delays every work items response by d.
func (m *MockADO) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// EnableETags makes work items responses carry an ETag and answer a
// matching If-None-Match with 304.
func (m *MockADO) EnableETags() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etags = true
}

// SetQueryType sets the queryType returned by WIQL queries ("flat" by default).
func (m *MockADO) SetQueryType(queryType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryType = queryType
}

// SetHandler sets a custom handler for a specific path.
func (m *MockADO) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockADO) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// Reset clears all tracking counters.
func (m *MockADO) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}

// Stats returns a copy of the tracking counters.
func (m *MockADO) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.RequestedIDs = append([]int(nil), m.stats.RequestedIDs...)
	return s
}

// SortedRequestedIDs returns every id requested so far, sorted.
func (m *MockADO) SortedRequestedIDs() []int {
	ids := m.Stats().RequestedIDs
	sort.Ints(ids)
	return ids
}

func (m *MockADO) handleWiql(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "wiql requires POST")
		return
	}

	var body struct {
		Query string `json:"query"`
	}
	if err := json.UnmarshalRead(r.Body, &body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, "InvalidQueryException", "a query is required")
		return
	}

	m.mu.Lock()
	m.stats.WiqlCount++
	m.stats.LastQuery = body.Query
	ids := m.result
	if ids == nil {
		ids = m.order
	}
	queryType := m.queryType
	m.mu.Unlock()

	m.writeQueryResult(w, ids, queryType)
}

func (m *MockADO) handleSavedQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "saved queries require GET")
		return
	}
	id := strings.ToLower(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:])

	m.mu.Lock()
	ids, ok := m.saved[id]
	if ok {
		m.stats.SavedQueryCount++
		m.stats.LastQuery = id
		if ids == nil {
			ids = m.order
		}
	}
	queryType := m.queryType
	m.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "QueryItemNotFoundException", fmt.Sprintf("query %s does not exist", id))
		return
	}
	m.writeQueryResult(w, ids, queryType)
}

func (m *MockADO) writeQueryResult(w http.ResponseWriter, ids []int, queryType string) {
	if queryType == "" {
		queryType = "flat"
	}

	type ref struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	}
	refs := make([]ref, len(ids))
	for i, id := range ids {
		refs[i] = ref{ID: id, URL: fmt.Sprintf("%s/_apis/wit/workItems/%d", m.server.URL, id)}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queryType": queryType,
		"asOf":      time.Now().UTC().Format(time.RFC3339),
		"workItems": refs,
	})
}

func (m *MockADO) handleWorkItems(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil || len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ArgumentException", "ids are required")
		return
	}
	if len(ids) > 200 {
		writeError(w, http.StatusBadRequest, "VssPropertyValidationException",
			"the maximum number of ids per request is 200")
		return
	}

	m.mu.Lock()
	m.stats.WorkItemsCount++
	m.stats.RequestedIDs = append(m.stats.RequestedIDs, ids...)
	m.stats.MaxIDsPerRequest = max(m.stats.MaxIDsPerRequest, len(ids))
	m.inFlight++
	m.stats.MaxInFlight = max(m.stats.MaxInFlight, m.inFlight)
	delay := m.delay
	etags := m.etags
	failure := m.failures[ids[0]]
	var failStatus int
	var failHeaders map[string]string
	if failure != nil {
		failStatus = failure.status
		failHeaders = failure.headers
		if failure.remaining > 0 {
			failure.remaining--
			if failure.remaining == 0 {
				delete(m.failures, ids[0])
			}
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if failStatus != 0 {
		for key, value := range failHeaders {
			w.Header().Set(key, value)
		}
		writeError(w, failStatus, "", http.StatusText(failStatus))
		return
	}

	etag := fmt.Sprintf(`"%s"`, r.URL.Query().Get("ids"))
	if etags {
		if r.Header.Get("If-None-Match") == etag {
			m.mu.Lock()
			m.stats.NotModifiedCount++
			m.mu.Unlock()
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
	}

	m.mu.Lock()
	value := make([]*workitem.WorkItem, len(ids))
	for i, id := range ids {
		if item, ok := m.items[id]; ok {
			value[i] = &item
		}
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(value),
		"value": value,
	})
}

func parseIDs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, len(parts))
	for i, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.MarshalWrite(w, v)
}

func writeError(w http.ResponseWriter, status int, typeKey, message string) {
	writeJSON(w, status, map[string]any{
		"message": message,
		"typeKey": typeKey,
	})
}

// NewWorkItem returns a work item with the fields the harvester reads.
func NewWorkItem(id int, title, state, tags, description string) workitem.WorkItem {
	fields := map[string]any{
		workitem.FieldID:           id,
		workitem.FieldTitle:        title,
		workitem.FieldState:        state,
		workitem.FieldWorkItemType: "User Story",
	}
	if tags != "" {
		fields[workitem.FieldTags] = tags
	}
	if description != "" {
		fields[workitem.FieldDescription] = description
	}
	return workitem.WorkItem{ID: id, Rev: 1, Fields: fields}
}

// MakeItems returns n work items with ids start..start+n-1. Every item
// whose offset is a multiple of every carries keyword in its title.
func MakeItems(start, n, every int, keyword string) []workitem.WorkItem {
	items := make([]workitem.WorkItem, n)
	for i := range items {
		title := fmt.Sprintf("Story %d", start+i)
		if every > 0 && i%every == 0 {
			title += " " + keyword
		}
		items[i] = NewWorkItem(start+i, title, "Active", "", "")
	}
	return items
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"Request was blocked due to exceeding usage of resource","typeKey":"RequestBlockedException"}`,
		Headers: map[string]string{
			"Retry-After":           retryAfter,
			"X-RateLimit-Remaining": "0",
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message":"Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
