// Package metrics exposes Prometheus instruments for one market peer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hypermarket"

// Metrics lives on its own registry so several peers can run in one process.
type Metrics struct {
	Registry *prometheus.Registry

	TicksReceived  prometheus.Counter
	MessagesIn     *prometheus.CounterVec
	Negotiations   *prometheus.CounterVec
	Transactions   *prometheus.CounterVec
	Matches        *prometheus.CounterVec
	Matchmakers    prometheus.Gauge
	BookTicks      *prometheus.GaugeVec
	SettlementTime prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TicksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaker",
			Name:      "ticks_received_total",
			Help:      "Ticks received from traders",
		}),
		MessagesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "messages_received_total",
			Help:      "Messages dispatched by kind",
		}, []string{"kind"}),
		Negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "rounds_total",
			Help:      "Finished negotiation rounds by outcome",
		}, []string{"outcome"}),
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transactions_total",
			Help:      "Transactions by terminal status",
		}, []string{"status"}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaker",
			Name:      "matches_total",
			Help:      "Matches handed to traders by outcome",
		}, []string{"outcome"}),
		Matchmakers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "matchmakers",
			Help:      "Known live matchmakers",
		}),
		BookTicks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matchmaker",
			Name:      "book_ticks",
			Help:      "Ticks resting in the local order book",
		}, []string{"side"}),
		SettlementTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Time from agreement to terminal transaction status",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}

// WithProcessCollectors adds Go runtime and process metrics. Only one peer
// per process should do this.
func (m *Metrics) WithProcessCollectors() *Metrics {
	m.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
