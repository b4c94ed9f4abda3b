// Package metrics exposes the pool's Prometheus counters and gauges as a
// fixed set of collectors: this pool has a known, small metric surface
// (shares, blocks, connections, hashrate) so a struct of named fields is
// simpler than a dynamic name->collector registry and avoids a map lookup
// per observation on the hot share-validation path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the pool registers.
type Metrics struct {
	registry *prometheus.Registry

	SharesTotal       *prometheus.CounterVec
	BlocksFound       prometheus.Counter
	ActiveConnections prometheus.Gauge
	PoolHashrate      prometheus.Gauge
	ShareLatency      prometheus.Histogram
}

// New builds and registers every collector on a private registry (not the
// global default, so tests can construct independent instances).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SharesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velorapool",
			Name:      "shares_total",
			Help:      "Total shares processed, labeled by outcome.",
		}, []string{"outcome"}),
		BlocksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "velorapool",
			Name:      "blocks_found_total",
			Help:      "Total blocks accepted by the daemon.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "velorapool",
			Name:      "active_connections",
			Help:      "Current number of open Stratum connections.",
		}),
		PoolHashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "velorapool",
			Name:      "pool_hashrate",
			Help:      "Estimated aggregate pool hashrate in H/s.",
		}),
		ShareLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "velorapool",
			Name:      "share_validation_seconds",
			Help:      "Share validation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.SharesTotal, m.BlocksFound, m.ActiveConnections, m.PoolHashrate, m.ShareLatency)
	return m
}

// Handler returns the http.Handler serving this registry's /metrics page.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
