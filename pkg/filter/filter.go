// Package filter scans aggregated work items for a keyword in their
// text fields.
package filter

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"github.com/Sternrassler/wit-harvester/pkg/logging"
	"github.com/Sternrassler/wit-harvester/pkg/workitem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_filter_items_scanned_total",
		Help: "Total work items scanned by the keyword filter",
	})

	matchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_filter_matches_total",
		Help: "Total work items matching the keyword",
	})
)

// DefaultFields are the text fields searched when none are given.
var DefaultFields = []string{
	workitem.FieldTitle,
	workitem.FieldDescription,
	workitem.FieldTags,
}

// Match is a work item that contains the keyword, with the names of the
// fields it was found in.
type Match struct {
	Item   workitem.WorkItem
	Fields []string
}

// Filter tests work items for case-insensitive keyword containment.
type Filter struct {
	fields  []string
	workers int
}

// New creates a filter over fields, or DefaultFields when none are given.
func New(fields ...string) *Filter {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Filter{
		fields:  append([]string(nil), fields...),
		workers: runtime.GOMAXPROCS(0),
	}
}

// WithWorkers sets the number of concurrent scanners. n < 1 is ignored.
func (f *Filter) WithWorkers(n int) *Filter {
	if n >= 1 {
		f.workers = n
	}
	return f
}

// Fields returns the searched field names.
func (f *Filter) Fields() []string {
	return append([]string(nil), f.fields...)
}

// MatchItem reports which of the filter's fields of item contain keyword.
// An empty keyword matches nothing.
func (f *Filter) MatchItem(item workitem.WorkItem, keyword string) []string {
	needle := strings.ToLower(keyword)
	if needle == "" {
		return nil
	}
	return f.matchFields(item, needle)
}

func (f *Filter) matchFields(item workitem.WorkItem, needle string) []string {
	var matched []string
	for _, name := range f.fields {
		if strings.Contains(strings.ToLower(item.Field(name)), needle) {
			matched = append(matched, name)
		}
	}
	return matched
}

// Match scans items concurrently and returns every item containing
// keyword exactly once. Output order is unspecified.
func (f *Filter) Match(ctx context.Context, items []workitem.WorkItem, keyword string) ([]Match, error) {
	needle := strings.ToLower(keyword)
	if needle == "" || len(items) == 0 {
		return nil, nil
	}

	workers := min(f.workers, len(items))
	jobs := make(chan int)

	var (
		mu      sync.Mutex
		matches []Match
		wg      sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fields := f.matchFields(items[i], needle)
				if len(fields) == 0 {
					continue
				}
				mu.Lock()
				matches = append(matches, Match{Item: items[i], Fields: fields})
				mu.Unlock()
			}
		}()
	}

	var err error
send:
	for i := range items {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break send
		}
	}
	close(jobs)
	wg.Wait()

	if err != nil {
		return nil, err
	}

	itemsScanned.Add(float64(len(items)))
	matchesTotal.Add(float64(len(matches)))

	logging.FromContext(ctx).Info().
		Str("component", "filter").
		Str("keyword", keyword).
		Int("scanned", len(items)).
		Int("matches", len(matches)).
		Int("workers", workers).
		Msg("Keyword filter complete")

	return matches, nil
}
