package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "logins_total",
		Namespace: namespace,
		Subsystem: sessionSubsystem,
		Help:      "Login attempts by service and result",
	}, []string{"service", "result"})
)

var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "submissions_total",
		Namespace: namespace,
		Subsystem: submitSubsystem,
		Help:      "Build and update submissions by kind and outcome",
	}, []string{"kind", "outcome"})
)

var (
	pollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "wait_duration_seconds",
		Namespace: namespace,
		Subsystem: pollerSubsystem,
		Help:      "Time spent waiting for a repository or task to change.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
	}, []string{"kind", "outcome"})
)

func ObservePoll(kind, outcome string, seconds float64) {
	pollDuration.WithLabelValues(kind, outcome).Observe(seconds)
}
