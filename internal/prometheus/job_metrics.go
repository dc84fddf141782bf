package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunningTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "running_tasks",
		Namespace: namespace,
		Subsystem: runnerSubsystem,
		Help:      "Currently running background tasks",
	}, []string{"op"})
)

var (
	TaskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "task_results_total",
		Namespace: namespace,
		Subsystem: runnerSubsystem,
		Help:      "Terminal results of background tasks",
	}, []string{"op", "status"})
)

var (
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "task_duration_seconds",
		Namespace: namespace,
		Subsystem: runnerSubsystem,
		Help:      "Duration of background tasks.",
		Buckets:   []float64{.1, .2, .5, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	}, []string{"op"})
)

func StartTaskMetrics(op string) {
	RunningTasks.WithLabelValues(op).Inc()
}

func FinishTaskMetrics(started time.Time, op, status string) {
	RunningTasks.WithLabelValues(op).Dec()
	TaskResults.WithLabelValues(op, status).Inc()
	if !started.IsZero() {
		TaskDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	}
}
