// Package metrics exposes Prometheus counters for the offline cache.
// All metrics use the offline_cache_ prefix.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes
const (
	FetchHit      = "hit"
	FetchStored   = "stored"
	FetchUncached = "uncached"
	FetchDeclined = "declined"
	FetchError    = "error"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_fetch_total",
			Help: "Intercepted fetch events by outcome",
		},
		[]string{"outcome"},
	)

	CacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_write_errors_total",
			Help: "Runtime cache writes that failed and were skipped",
		},
	)

	InstallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_install_total",
			Help: "Worker installs by result",
		},
		[]string{"version", "result"},
	)

	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_activations_total",
			Help: "Worker activations",
		},
		[]string{"version"},
	)

	BucketsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_buckets_deleted_total",
			Help: "Stale buckets deleted during activation",
		},
	)

	ActiveVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_cache_active_version",
			Help: "Set to 1 for the version of the controlling worker",
		},
		[]string{"version"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
