// Package pagination provides parallel batch fetching of work items
// referenced by a query result.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/wit-harvester/pkg/logging"
	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"golang.org/x/sync/errgroup"
)

// ErrBatchTooLarge is returned when a window admits more ids than the
// per-call limit allows.
var ErrBatchTooLarge = errors.New("batch exceeds per-call id limit")

// DefaultTimeout bounds a single batch fetch.
const DefaultTimeout = 3 * time.Minute

// ErrorPolicy decides what happens when a single batch fails.
type ErrorPolicy int

const (
	// FailFast cancels all in-flight batches and surfaces the first error.
	FailFast ErrorPolicy = iota

	// BestEffort leaves a failed batch's slot empty and keeps going.
	BestEffort
)

// String returns the policy name.
func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("error_policy(%d)", int(p))
	}
}

// ParseErrorPolicy converts a policy name to an ErrorPolicy.
func ParseErrorPolicy(name string) (ErrorPolicy, error) {
	switch name {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "best-effort", "besteffort", "partial":
		return BestEffort, nil
	default:
		return 0, fmt.Errorf("unknown error policy %q", name)
	}
}

// Config holds batch fetcher configuration
type Config struct {
	// BatchSize is the maximum number of ids per remote call.
	// Azure DevOps accepts at most 200.
	BatchSize int
	// MaxConcurrency is the maximum number of batches in flight
	MaxConcurrency int
	// Timeout per batch fetch, including any rate limit wait inside it.
	// Keep it above the client's maximum rate limit wait.
	Timeout time.Duration
	// Policy selects the window arithmetic (see Plan)
	Policy Policy
	// OnError selects the partial failure behavior
	OnError ErrorPolicy
	// ProgressEvery logs progress every N completed batches
	ProgressEvery int
}

// DefaultConfig returns safe default configuration for Azure DevOps
func DefaultConfig() Config {
	return Config{
		BatchSize:      200,
		MaxConcurrency: 8,
		Timeout:        DefaultTimeout,
		Policy:         PolicyHalfOpen,
		OnError:        FailFast,
		ProgressEvery:  10,
	}
}

// ItemFetcher fetches full work items for a list of ids in one call.
type ItemFetcher interface {
	GetWorkItems(ctx context.Context, ids []int) ([]workitem.WorkItem, error)
}

// BatchError identifies the batch whose fetch failed.
type BatchError struct {
	Batch Batch
	IDs   int
	Err   error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	return fmt.Sprintf("fetch %s (%d ids): %v", e.Batch, e.IDs, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *BatchError) Unwrap() error {
	return e.Err
}

// FetchReport summarises one FetchAll run.
type FetchReport struct {
	References int
	Batches    int
	Requested  int
	Fetched    int
	// Unplanned counts references no window admitted.
	Unplanned int
	// Failed lists the indexes of failed batches (BestEffort only).
	Failed   []int
	Duration time.Duration
}

// BatchFetcher fetches work items for a reference list in parallel batches
type BatchFetcher struct {
	fetcher ItemFetcher
	config  Config
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher ItemFetcher, config Config) *BatchFetcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 10
	}

	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
	}
}

// Config returns the effective configuration.
func (bf *BatchFetcher) Config() Config {
	return bf.config
}

// Plan returns the batches FetchAll would dispatch for refs.
func (bf *BatchFetcher) Plan(refs []workitem.Reference) []Batch {
	return Plan(len(refs), bf.config.BatchSize, bf.config.Policy)
}

// FetchAll fetches every planned batch concurrently and returns one slot
// per batch, indexed by Batch.Index. A slot is nil when its window
// admitted no ids or, under BestEffort, when its fetch failed.
func (bf *BatchFetcher) FetchAll(ctx context.Context, refs []workitem.Reference) ([][]workitem.WorkItem, FetchReport, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).With().Str("component", "pagination").Logger()

	batches := bf.Plan(refs)
	report := FetchReport{
		References: len(refs),
		Batches:    len(batches),
	}

	logger.Info().
		Int("references", len(refs)).
		Int("batches", len(batches)).
		Int("batch_size", bf.config.BatchSize).
		Str("policy", bf.config.Policy.String()).
		Msg("Starting parallel batch fetch")

	slots := make([][]workitem.WorkItem, len(batches))
	if len(batches) == 0 {
		report.Unplanned = len(refs)
		report.Duration = time.Since(start)
		return slots, report, nil
	}

	var (
		requested atomic.Int64
		fetched   atomic.Int64
		completed atomic.Int64
		failedMu  sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.config.MaxConcurrency)

	for _, b := range batches {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ids := b.Select(refs)
			requested.Add(int64(len(ids)))

			items, err := bf.fetchBatch(gctx, b, ids)
			if err != nil {
				batchesTotal.WithLabelValues("failed").Inc()
				logger.Warn().
					Err(err).
					Int("batch", b.Index).
					Int("min", b.Min).
					Int("max", b.Max).
					Msg("Batch fetch failed")

				if bf.config.OnError == BestEffort && ctx.Err() == nil {
					failedMu.Lock()
					report.Failed = append(report.Failed, b.Index)
					failedMu.Unlock()
					return nil
				}
				return err
			}

			if len(ids) == 0 {
				batchesTotal.WithLabelValues("empty").Inc()
			} else {
				batchesTotal.WithLabelValues("ok").Inc()
			}

			// Each task owns exactly one slot.
			slots[b.Index] = items
			fetched.Add(int64(len(items)))

			done := completed.Add(1)
			if done%int64(bf.config.ProgressEvery) == 0 {
				logger.Info().
					Int64("completed", done).
					Int("total", len(batches)).
					Float64("progress_pct", float64(done)/float64(len(batches))*100).
					Msg("Fetch progress")
			}
			return nil
		})
	}

	err := g.Wait()
	report.Requested = int(requested.Load())
	report.Fetched = int(fetched.Load())
	report.Unplanned = len(refs) - report.Requested
	report.Duration = time.Since(start)
	slices.Sort(report.Failed)

	if err != nil {
		logger.Error().
			Err(err).
			Int("batches", len(batches)).
			Msg("Batch fetch aborted")
		return nil, report, err
	}
	if err := ctx.Err(); err != nil {
		return nil, report, err
	}

	event := logger.Info()
	if len(report.Failed) > 0 {
		event = logger.Warn().Ints("failed_batches", report.Failed)
	}
	event.
		Int("batches", len(batches)).
		Int("requested", report.Requested).
		Int("fetched", report.Fetched).
		Int("unplanned", report.Unplanned).
		Dur("duration", report.Duration).
		Msg("Fetch complete")

	return slots, report, nil
}

// FetchAndAggregate runs FetchAll and flattens the slots with Aggregate.
// Duplicate ids are dropped under PolicyLegacy.
func (bf *BatchFetcher) FetchAndAggregate(ctx context.Context, refs []workitem.Reference) ([]workitem.WorkItem, FetchReport, error) {
	slots, report, err := bf.FetchAll(ctx, refs)
	if err != nil {
		return nil, report, err
	}
	items := Aggregate(slots, bf.config.BatchSize, bf.config.Policy == PolicyLegacy)
	itemsAggregated.Add(float64(len(items)))
	return items, report, nil
}

// fetchBatch issues the remote call for one window.
func (bf *BatchFetcher) fetchBatch(ctx context.Context, b Batch, ids []int) ([]workitem.WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > bf.config.BatchSize {
		return nil, &BatchError{Batch: b, IDs: len(ids), Err: ErrBatchTooLarge}
	}
	if err := ctx.Err(); err != nil {
		return nil, &BatchError{Batch: b, IDs: len(ids), Err: err}
	}

	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	items, err := bf.fetcher.GetWorkItems(batchCtx, ids)
	cancel()
	batchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, &BatchError{Batch: b, IDs: len(ids), Err: err}
	}

	logging.FromContext(ctx).Debug().
		Int("batch", b.Index).
		Int("ids", len(ids)).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Batch fetched")

	return items, nil
}
