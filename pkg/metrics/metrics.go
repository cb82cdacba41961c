package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Watermarks
	CommitNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachestore_commit_num",
			Help: "Highest block number accepted by the commit pipeline",
		},
	)

	SyncNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachestore_sync_num",
			Help: "Highest block number durably written by the flusher",
		},
	)

	ForwardDistance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachestore_forward_distance",
			Help: "commitNum - syncNum, the producer/flusher distance",
		},
	)

	// Capacity / eviction
	CapacityBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachestore_capacity_bytes",
			Help: "Resident cache capacity in bytes, as tracked by the evictor",
		},
	)

	CachedSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cachestore_cached_slots",
			Help: "Number of non-empty row-group slots in the cache index",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_evictions_total",
			Help: "Total number of row-group slots evicted",
		},
	)

	EvictionSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_eviction_sweeps_total",
			Help: "Total number of evictor passes completed",
		},
	)

	// Commit pipeline / flusher
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_commits_total",
			Help: "Total number of commit() calls accepted",
		},
	)

	CommitEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_commit_entries_total",
			Help: "Total number of entries processed across all commits",
		},
	)

	BackpressureStallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_backpressure_stalls_total",
			Help: "Total number of commit() calls that blocked on backpressure",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cachestore_flush_duration_seconds",
			Help:    "Time taken for one flusher backend.Commit call",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_flush_failures_total",
			Help: "Total number of flusher backend.Commit failures (fatal)",
		},
	)

	CommitPrepareDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cachestore_commit_prepare_duration_seconds",
			Help:    "Time taken for commit() phase A (parallel prepare)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Read path
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_cache_hits_total",
			Help: "Total number of select() calls served without a backend fetch",
		},
	)

	CacheQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachestore_cache_queries_total",
			Help: "Total number of select() calls",
		},
	)

	SelectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cachestore_select_duration_seconds",
			Help:    "Time taken for one select() call, including miss-fill",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(CommitNum)
	prometheus.MustRegister(SyncNum)
	prometheus.MustRegister(ForwardDistance)

	prometheus.MustRegister(CapacityBytes)
	prometheus.MustRegister(CachedSlots)
	prometheus.MustRegister(EvictionsTotal)
	prometheus.MustRegister(EvictionSweepsTotal)

	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitEntriesTotal)
	prometheus.MustRegister(BackpressureStallsTotal)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushFailuresTotal)
	prometheus.MustRegister(CommitPrepareDuration)

	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheQueriesTotal)
	prometheus.MustRegister(SelectDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
