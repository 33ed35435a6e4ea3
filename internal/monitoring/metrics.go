package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shizukutanaka/Hibiki/internal/solo"
)

// Metrics exposes session statistics to prometheus. Values are read from a
// fresh session snapshot at scrape time.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics builds a registry bound to the session.
func NewMetrics(session *solo.Session) *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hibiki",
			Name:      "hash_rate",
			Help:      "Lifetime hash rate in hashes per second.",
		},
		func() float64 { return session.Snapshot().HashRate },
	))

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hibiki",
			Name:      "window_hash_rate",
			Help:      "Short-window hash rate in hashes per second.",
		},
		func() float64 { return session.Snapshot().WindowRate },
	))

	registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "hibiki",
			Name:      "hashes_total",
			Help:      "Total nonces evaluated since start.",
		},
		func() float64 { return float64(session.Snapshot().TotalHashes) },
	))

	registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "hibiki",
			Name:      "blocks_found_total",
			Help:      "Blocks mined and accepted since start.",
		},
		func() float64 { return float64(session.Snapshot().BlocksFound) },
	))

	registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "hibiki",
			Name:      "template_height",
			Help:      "Height of the block template under search.",
		},
		func() float64 { return float64(session.Snapshot().TemplateHeight) },
	))

	return &Metrics{registry: registry}
}

// Registry returns the prometheus registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
