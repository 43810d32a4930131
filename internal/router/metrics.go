package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes router observability via Prometheus.
type Metrics struct {
	activeChannels prometheus.Gauge
	requests       *prometheus.CounterVec
}

// NewMetrics creates and registers the router metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "replyhub_active_channels",
			Help: "Number of currently attached foreground channels",
		}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replyhub_requests_total",
			Help: "Total routed requests by message type and outcome",
		}, []string{"type", "outcome"}),
	}
}

func (m *Metrics) setActiveChannels(count int) {
	m.activeChannels.Set(float64(count))
}

func (m *Metrics) recordRequest(messageType, outcome string) {
	m.requests.WithLabelValues(messageType, outcome).Inc()
}
