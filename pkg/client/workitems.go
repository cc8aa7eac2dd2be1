package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/google/uuid"
)

// ErrUnsupportedQuery is returned for WIQL queries that yield work item
// links instead of a flat list.
var ErrUnsupportedQuery = errors.New("only flat work item queries are supported")

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	QueryType string `json:"queryType"`
	WorkItems []struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	} `json:"workItems"`
}

type workItemsResponse struct {
	Count int                  `json:"count"`
	Value []*workitem.WorkItem `json:"value"`
}

// QueryByWiql runs a WIQL query against the configured project and
// returns the matching work item references in result order.
func (c *Client) QueryByWiql(ctx context.Context, wiql string) ([]workitem.Reference, error) {
	if strings.TrimSpace(wiql) == "" {
		return nil, fmt.Errorf("wiql query is empty")
	}

	var out wiqlResponse
	if err := c.doJSON(ctx, http.MethodPost, c.wiqlURL(""), wiqlRequest{Query: wiql}, &out); err != nil {
		return nil, fmt.Errorf("query by wiql: %w", err)
	}
	return c.references(out)
}

// QueryByID runs the saved query with the given id and returns the
// matching work item references in result order.
func (c *Client) QueryByID(ctx context.Context, id string) ([]workitem.Reference, error) {
	queryID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid query id %q: %w", id, err)
	}

	var out wiqlResponse
	if err := c.doJSON(ctx, http.MethodGet, c.wiqlURL(queryID.String()), nil, &out); err != nil {
		return nil, fmt.Errorf("query by id %s: %w", queryID, err)
	}
	return c.references(out)
}

func (c *Client) references(out wiqlResponse) ([]workitem.Reference, error) {
	if out.QueryType != "" && !strings.EqualFold(out.QueryType, "flat") {
		return nil, fmt.Errorf("%w (query type %q)", ErrUnsupportedQuery, out.QueryType)
	}

	refs := make([]workitem.Reference, len(out.WorkItems))
	for i, wi := range out.WorkItems {
		refs[i] = workitem.Reference{ID: wi.ID, Position: i}
	}

	c.logger.Debug().
		Int("references", len(refs)).
		Msg("WIQL query complete")

	return refs, nil
}

// GetWorkItems fetches the work items for ids in one request.
// Ids the service cannot return (deleted, no permission) are omitted.
func (c *Client) GetWorkItems(ctx context.Context, ids []int) ([]workitem.WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyIDs, len(ids), MaxBatchSize)
	}

	var out workItemsResponse
	if err := c.doJSON(ctx, http.MethodGet, c.workItemsURL(ids), nil, &out); err != nil {
		return nil, fmt.Errorf("get work items: %w", err)
	}

	// errorPolicy=omit yields null entries for missing ids
	items := make([]workitem.WorkItem, 0, len(out.Value))
	for _, item := range out.Value {
		if item != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

// wiqlURL addresses ad hoc queries, or the saved query queryID when set.
func (c *Client) wiqlURL(queryID string) string {
	u := *c.baseURL
	u.Path = fmt.Sprintf("%s/%s/%s/_apis/wit/wiql", u.Path, c.config.Organization, c.config.Project)
	if queryID != "" {
		u.Path += "/" + queryID
	}
	u.RawPath = ""
	u.RawQuery = url.Values{"api-version": {c.config.APIVersion}}.Encode()
	return u.String()
}

func (c *Client) workItemsURL(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}

	q := url.Values{
		"ids":         {strings.Join(parts, ",")},
		"errorPolicy": {"omit"},
		"api-version": {c.config.APIVersion},
	}
	if len(c.config.Fields) > 0 {
		q.Set("fields", strings.Join(c.config.Fields, ","))
	}

	u := *c.baseURL
	u.Path = fmt.Sprintf("%s/%s/_apis/wit/workitems", u.Path, c.config.Organization)
	u.RawPath = ""
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenItemsQuery builds the WIQL that selects every work item of
// workItemType in project, ordered by state and most recent change.
func OpenItemsQuery(project, workItemType string) string {
	return fmt.Sprintf(
		"Select [Id] From WorkItems Where [Work Item Type] = %s And [%s] = %s Order By [State] Asc, [Changed Date] Desc",
		QuoteWIQL(workItemType), workitem.FieldTeamProject, QuoteWIQL(project),
	)
}

// QuoteWIQL returns s as a single-quoted WIQL string literal.
func QuoteWIQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
