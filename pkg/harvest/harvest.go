// Package harvest runs one WIQL query through the fetch, aggregate and
// keyword filter stages.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/wit-harvester/pkg/filter"
	"github.com/Sternrassler/wit-harvester/pkg/logging"
	"github.com/Sternrassler/wit-harvester/pkg/pagination"
	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrQuery wraps a failure of the WIQL query stage.
	ErrQuery = errors.New("work item query failed")

	// ErrFetch wraps a failure of the batch fetch stage.
	ErrFetch = errors.New("work item fetch failed")
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_harvest_runs_total",
		Help: "Total harvest runs by outcome",
	}, []string{"outcome"}) // "ok", "query_error", "fetch_error", "filter_error", "cancelled"

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wit_harvest_run_duration_seconds",
		Help:    "End-to-end harvest run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// QueryRunner executes a WIQL query and returns ordered references.
type QueryRunner interface {
	QueryByWiql(ctx context.Context, wiql string) ([]workitem.Reference, error)
}

// SavedQueryRunner executes a saved query by id.
type SavedQueryRunner interface {
	QueryByID(ctx context.Context, id string) ([]workitem.Reference, error)
}

// Pipeline wires the stages together.
type Pipeline struct {
	Query   QueryRunner
	Fetcher *pagination.BatchFetcher
	Filter  *filter.Filter
}

// New builds a pipeline that queries with query, fetches with fetcher
// under cfg and filters the given fields (filter.DefaultFields if none).
func New(query QueryRunner, fetcher pagination.ItemFetcher, cfg pagination.Config, fields ...string) *Pipeline {
	return &Pipeline{
		Query:   query,
		Fetcher: pagination.NewBatchFetcher(fetcher, cfg),
		Filter:  filter.New(fields...),
	}
}

// Result is the outcome of one run.
type Result struct {
	RunID      string
	References []workitem.Reference
	Items      []workitem.WorkItem
	Matches    []filter.Match
	Fetch      pagination.FetchReport
	Duration   time.Duration
}

// Run executes the query, fetches every referenced work item, and
// returns the items containing keyword. No matches are returned when
// the query or the fetch fails.
func (p *Pipeline) Run(ctx context.Context, wiql, keyword string) (*Result, error) {
	return p.run(ctx, keyword, func(ctx context.Context) ([]workitem.Reference, error) {
		return p.Query.QueryByWiql(ctx, wiql)
	})
}

// RunSaved is Run for the saved query queryID. The query runner must
// implement SavedQueryRunner.
func (p *Pipeline) RunSaved(ctx context.Context, queryID, keyword string) (*Result, error) {
	saved, ok := p.Query.(SavedQueryRunner)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot run saved queries", ErrQuery, p.Query)
	}
	return p.run(ctx, keyword, func(ctx context.Context) ([]workitem.Reference, error) {
		return saved.QueryByID(ctx, queryID)
	})
}

func (p *Pipeline) run(ctx context.Context, keyword string, query func(context.Context) ([]workitem.Reference, error)) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()

	logger := logging.FromContext(ctx).With().Str("run_id", runID).Logger()
	ctx = logging.WithContext(ctx, logger)

	result := &Result{RunID: runID}
	defer func() {
		result.Duration = time.Since(start)
		runDuration.Observe(result.Duration.Seconds())
	}()

	refs, err := query(ctx)
	if err != nil {
		runsTotal.WithLabelValues(outcome(ctx, "query_error")).Inc()
		logger.Error().Err(err).Msg("Work item query failed")
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	result.References = refs

	logger.Info().
		Int("references", len(refs)).
		Msg("Query returned work items")

	if len(refs) == 0 {
		runsTotal.WithLabelValues("ok").Inc()
		return result, nil
	}

	items, report, err := p.Fetcher.FetchAndAggregate(ctx, refs)
	result.Fetch = report
	if err != nil {
		runsTotal.WithLabelValues(outcome(ctx, "fetch_error")).Inc()
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	result.Items = items

	logger.Info().
		Int("items", len(items)).
		Int("unplanned", report.Unplanned).
		Ints("failed_batches", report.Failed).
		Msg("Work items aggregated")

	matches, err := p.Filter.Match(ctx, items, keyword)
	if err != nil {
		runsTotal.WithLabelValues(outcome(ctx, "filter_error")).Inc()
		return nil, fmt.Errorf("filter work items: %w", err)
	}
	result.Matches = matches

	runsTotal.WithLabelValues("ok").Inc()
	logger.Info().
		Str("keyword", keyword).
		Int("matches", len(matches)).
		Dur("duration", time.Since(start)).
		Msg("Harvest complete")

	return result, nil
}

func outcome(ctx context.Context, failure string) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return failure
}

// MatchIDs returns the ids of the matched work items in match order.
func (r *Result) MatchIDs() []int {
	ids := make([]int, len(r.Matches))
	for i, m := range r.Matches {
		ids[i] = m.Item.ID
	}
	return ids
}
