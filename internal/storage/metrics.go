package storage

import "github.com/prometheus/client_golang/prometheus"

var sweptDatasets = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "crucible_storage_datasets_swept_total",
		Help: "Total number of expired datasets removed by the sweeper.",
	},
)

func init() {
	prometheus.MustRegister(sweptDatasets)
}
