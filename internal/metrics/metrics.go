// Package metrics owns the prometheus collectors for one process. A nil
// *Metrics is valid and records nothing, so engines can be built without it
// in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	aoiFetches        *prometheus.CounterVec
	presencePublishes *prometheus.CounterVec
	presencePeers     prometheus.Gauge
	commands          *prometheus.CounterVec
	checkpoints       *prometheus.CounterVec
	marketSteps       prometheus.Counter
	trades            *prometheus.CounterVec
	entities          prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		aoiFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "aoi_fetches_total",
			Help:      "Area of interest refetches by outcome.",
		}, []string{"outcome"}),
		presencePublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "presence_publishes_total",
			Help:      "Presence heartbeats by outcome (sent, suppressed, failed).",
		}, []string{"outcome"}),
		presencePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "idletown",
			Name:      "presence_connected_peers",
			Help:      "Peers currently connected to the presence hub.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "construction_commands_total",
			Help:      "Construction commands by outcome (rejected, committed, rolled_back).",
		}, []string{"outcome"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "economy_checkpoints_total",
			Help:      "Economy checkpoints by outcome.",
		}, []string{"outcome"}),
		marketSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "market_steps_total",
			Help:      "Market price simulation steps.",
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "trades_total",
			Help:      "Executed trades by side.",
		}, []string{"side"}),
		entities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idletown",
			Name:      "entities_created_total",
			Help:      "Buildings committed to the durable store.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.aoiFetches,
		m.presencePublishes,
		m.presencePeers,
		m.commands,
		m.checkpoints,
		m.marketSteps,
		m.trades,
		m.entities,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AOIFetch(ok bool) {
	if m == nil {
		return
	}
	m.aoiFetches.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) PresencePublish(result string) {
	if m == nil {
		return
	}
	m.presencePublishes.WithLabelValues(result).Inc()
}

func (m *Metrics) PresencePeers(n int) {
	if m == nil {
		return
	}
	m.presencePeers.Set(float64(n))
}

func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) Checkpoint(ok bool) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) MarketStep() {
	if m == nil {
		return
	}
	m.marketSteps.Inc()
}

func (m *Metrics) Trade(side string) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side).Inc()
}

func (m *Metrics) EntityCreated() {
	if m == nil {
		return
	}
	m.entities.Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
