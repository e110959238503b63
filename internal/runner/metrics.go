package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_runner_cache_lookups_total",
			Help: "Total number of instance cache lookups by result.",
		},
		[]string{"result"},
	)

	instanceLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_runner_loads_total",
			Help: "Total number of algorithm instance loads by result.",
		},
		[]string{"result"},
	)

	instanceLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_runner_load_duration_seconds",
			Help:    "Time spent loading an algorithm instance.",
			Buckets: prometheus.DefBuckets,
		},
	)

	instanceEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crucible_runner_evictions_total",
			Help: "Total number of idle instances evicted or invalidated.",
		},
	)

	instancesLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crucible_runner_instances",
			Help: "Number of loaded algorithm instances by state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(cacheLookupsTotal)
	prometheus.MustRegister(instanceLoadsTotal)
	prometheus.MustRegister(instanceLoadDuration)
	prometheus.MustRegister(instanceEvictionsTotal)
	prometheus.MustRegister(instancesLoaded)

	// Pre-initialize label combinations so they appear at zero.
	for _, r := range []string{"hit", "miss"} {
		cacheLookupsTotal.WithLabelValues(r)
	}
	for _, r := range []string{"success", "failure"} {
		instanceLoadsTotal.WithLabelValues(r)
	}
	for _, s := range []string{"idle", "in_use"} {
		instancesLoaded.WithLabelValues(s)
	}
}
