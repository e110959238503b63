package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/crucible/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_tasks_total",
			Help: "Total number of finished tasks by status and failure kind.",
		},
		[]string{"status", "kind"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_task_duration_seconds",
			Help:    "Task duration from handler start to terminal status.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"status"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crucible_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)

	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_tasks_in_flight",
			Help: "Number of tasks currently running in this process.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crucible_queue_depth",
			Help: "Number of tasks waiting in the local executor queue.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crucible_queue_wait_seconds",
			Help:    "Time from task creation until a worker picks it up.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	brokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crucible_broker_messages_total",
			Help: "Broker operations performed by this process.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(tasksInFlight)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(brokerMessagesTotal)

	// Pre-initialize label combinations so they appear at zero.
	tasksTotal.WithLabelValues(model.StatusSucceeded, "")
	for _, kind := range []string{
		model.KindValidation, model.KindNotFound, model.KindLoad, model.KindStage, model.KindStorage,
		model.KindCanceled, model.KindTimeout, model.KindWorkerLost, model.KindUnavailable,
	} {
		tasksTotal.WithLabelValues(model.StatusFailed, kind)
	}
	for _, stage := range []string{model.StagePrepare, model.StageCompute, model.StageFinalize} {
		stageDuration.WithLabelValues(stage)
	}
	for _, op := range []string{"enqueue", "claim", "ack", "requeue"} {
		brokerMessagesTotal.WithLabelValues(op)
	}
}
