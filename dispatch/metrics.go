package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "apiai"

type metrics struct {
	requests *prometheus.CounterVec
	cancels  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// newMetrics registers the dispatcher collectors on reg. A nil reg gets a
// private registry so several dispatchers can coexist in one process.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Dispatched searches by provider and outcome",
			},
			[]string{"provider", "status"}, // status: ok, error, canceled
		),
		cancels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "cancels_total",
				Help:      "Cancel notifications by whether the backend accepted them",
			},
			[]string{"accepted"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "latency_seconds",
				Help:      "Search latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "dispatch",
				Name:      "in_flight",
				Help:      "Searches currently waiting on the network",
			},
		),
	}
}

func (m *metrics) recordSearch(provider, status string, latency time.Duration) {
	m.requests.WithLabelValues(provider, status).Inc()
	m.latency.WithLabelValues(provider).Observe(latency.Seconds())
}

func (m *metrics) recordCancel(accepted bool) {
	label := "false"
	if accepted {
		label = "true"
	}
	m.cancels.WithLabelValues(label).Inc()
}
