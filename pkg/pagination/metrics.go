package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wit_batches_total",
		Help: "Total work item batches by outcome",
	}, []string{"outcome"}) // "ok", "empty", "failed"

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wit_batch_duration_seconds",
		Help:    "Duration of a single work item batch fetch",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	itemsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wit_items_aggregated_total",
		Help: "Total work items aggregated across all batches",
	})
)
