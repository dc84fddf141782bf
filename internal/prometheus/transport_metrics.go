package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "open_connections",
		Namespace: namespace,
		Subsystem: transportSubsystem,
		Help:      "Connections acquired and not yet released",
	})
)

var (
	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "requests_total",
		Namespace: namespace,
		Subsystem: transportSubsystem,
		Help:      "Requests sent to remote services",
	}, []string{"op", "result"})
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "request_duration_seconds",
		Namespace: namespace,
		Subsystem: transportSubsystem,
		Help:      "Duration of requests to remote services.",
		Buckets:   []float64{.025, .05, .1, .2, .5, 1, 2, 4, 8, 16, 30, 60},
	}, []string{"op"})
)

func RequestObserver(op string) ObserveFunc {
	pt := prometheus.NewTimer(requestDuration.WithLabelValues(op))
	return pt.ObserveDuration
}
