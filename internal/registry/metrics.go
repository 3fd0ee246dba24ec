package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics exposes Prometheus gauges/counters for process lifecycle and
// in-flight load; a nil *metrics (the zero value from a Registry built
// without New) makes every method a no-op, mirroring the nil-safe
// recorder shape used elsewhere in the pack for optional observability.
type metrics struct {
	registry    *prometheus.Registry
	restarts    *prometheus.CounterVec
	disabled    *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	processDead *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "restarts_total",
		Help:      "Total number of agent process restarts applied by the registry.",
	}, []string{"agent"})

	m.disabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "agent_disabled_total",
		Help:      "Total number of times an agent was disabled after exceeding its restart rate limit.",
	}, []string{"agent"})

	m.inFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "in_flight_requests",
		Help:      "Number of requests currently in flight to an agent process.",
	}, []string{"agent"})

	m.processDead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "registry",
		Name:      "process_deaths_total",
		Help:      "Total number of agent processes that transitioned to dead.",
	}, []string{"agent", "reason"})

	m.registry.MustRegister(m.restarts, m.disabled, m.inFlight, m.processDead)
	return m
}

func (m *metrics) recordRestart(agent string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(agent).Inc()
}

func (m *metrics) recordDisabled(agent string) {
	if m == nil {
		return
	}
	m.disabled.WithLabelValues(agent).Inc()
}

func (m *metrics) recordDeath(agent, reason string) {
	if m == nil {
		return
	}
	m.processDead.WithLabelValues(agent, reason).Inc()
}

func (m *metrics) setInFlight(agent string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(agent).Set(float64(n))
}

// Registry returns the Prometheus registry backing these metrics, for
// wiring into an HTTP /metrics handler.
func (m *metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
