package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/raysh454/httpbridge/internal/model"
)

type metrics struct {
	issued   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	live     prometheus.Gauge
}

// newMetrics creates the engine collectors and registers them on reg when
// it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Subsystem: "engine",
			Name:      "requests_issued_total",
			Help:      "Requests accepted by the engine, by URL scheme.",
		}, []string{"scheme"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpbridge",
			Subsystem: "engine",
			Name:      "requests_finished_total",
			Help:      "Requests that left the handle registry, by outcome.",
		}, []string{"outcome"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpbridge",
			Subsystem: "engine",
			Name:      "live_handles",
			Help:      "Request and body handles currently registered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.issued, m.outcomes, m.live)
	}
	return m
}

func (m *metrics) finished(outcome model.Outcome) {
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}
