// Package metrics holds the Prometheus collectors for repository activity.
//
// Collectors register with the default registry on import. Callers record
// through the helper functions so label values stay consistent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Commit results.
const (
	ResultCommitted = "committed"
	ResultEmpty     = "empty"
	ResultConflict  = "conflict"
	ResultError     = "error"
)

var (
	// commits counts View.Commit calls.
	// Labels: result (committed, empty, conflict, error)
	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindstore",
		Subsystem: "repo",
		Name:      "commits_total",
		Help:      "Total view commits by result",
	}, []string{"result"})

	// commitDuration measures refresh plus append for committed versions.
	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kindstore",
		Subsystem: "repo",
		Name:      "commit_duration_seconds",
		Help:      "Time spent committing a view",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})

	// commitItems tracks how many items each commit wrote.
	commitItems = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kindstore",
		Subsystem: "repo",
		Name:      "commit_items",
		Help:      "Items written per commit",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	// conflicts counts merge conflicts.
	// Labels: policy, resolution (local, committed, failed)
	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindstore",
		Subsystem: "repo",
		Name:      "conflicts_total",
		Help:      "Merge conflicts by policy and resolution",
	}, []string{"policy", "resolution"})

	// itemLoads counts item loads from the store.
	// Labels: part (header, body)
	itemLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindstore",
		Subsystem: "view",
		Name:      "item_loads_total",
		Help:      "Item headers and bodies loaded from the store",
	}, []string{"part"})

	// cacheEvictions counts clean bodies dropped from view caches.
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kindstore",
		Subsystem: "view",
		Name:      "cache_evictions_total",
		Help:      "Clean item bodies evicted from view caches",
	})

	// openViews tracks views that are open across all repositories.
	openViews = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindstore",
		Subsystem: "view",
		Name:      "open",
		Help:      "Number of open views",
	})

	// textIndexTerms tracks distinct terms held by text indexes.
	textIndexTerms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindstore",
		Subsystem: "query",
		Name:      "text_index_terms",
		Help:      "Distinct terms in the text index",
	})
)

// RecordCommit records one commit attempt. items and d are ignored unless the
// result is ResultCommitted.
func RecordCommit(result string, items int, d time.Duration) {
	commits.WithLabelValues(result).Inc()
	if result == ResultCommitted {
		commitDuration.Observe(d.Seconds())
		commitItems.Observe(float64(items))
	}
}

// RecordConflict records one resolved or failed conflict.
func RecordConflict(policy, resolution string) {
	conflicts.WithLabelValues(policy, resolution).Inc()
}

// RecordItemLoad records a header or body load.
func RecordItemLoad(part string) {
	itemLoads.WithLabelValues(part).Inc()
}

// RecordEviction records a cache eviction.
func RecordEviction() {
	cacheEvictions.Inc()
}

// ViewOpened increments the open views gauge.
func ViewOpened() { openViews.Inc() }

// ViewClosed decrements the open views gauge.
func ViewClosed() { openViews.Dec() }

// SetTextIndexTerms sets the text index size.
func SetTextIndexTerms(n int) {
	textIndexTerms.Set(float64(n))
}

// ConflictCounter returns the conflict counter for one policy and resolution.
func ConflictCounter(policy, resolution string) prometheus.Counter {
	return conflicts.WithLabelValues(policy, resolution)
}
