// Package metrics exposes the proxy's Prometheus collectors: a struct of
// exported metric fields built once at startup and mutated directly by
// the server as sessions connect, packets retransmit, and so on.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "atem_proxy"
	subsystem = "sessions"
)

// Collector holds every metric the proxy server exports.
type Collector struct {
	// SessionsConnected tracks sessions currently in the connected
	// partition of the session table.
	SessionsConnected prometheus.Gauge

	// SessionsOpeningClosing tracks sessions currently opening or
	// closing (the table's non-connected partition).
	SessionsOpeningClosing prometheus.Gauge

	// PacketsInFlight tracks packets currently held by the retransmit
	// queue awaiting acknowledgement.
	PacketsInFlight prometheus.Gauge

	// RetransmitsTotal counts every retransmit fired by the retransmit
	// queue, labeled by whether it was a plain data retransmit or a
	// CLOSING escalation.
	RetransmitsTotal *prometheus.CounterVec

	// SessionsDroppedTotal counts sessions terminated after exhausting
	// their CLOSING retransmit budget, i.e. a peer that stopped
	// responding entirely.
	SessionsDroppedTotal prometheus.Counter
}

// retransmitKindLabel names the single label RetransmitsTotal is split by.
const retransmitKindLabel = "kind"

// NewCollector creates a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "Number of sessions currently in the connected partition of the session table.",
		}),
		SessionsOpeningClosing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "opening_or_closing",
			Help:      "Number of sessions currently opening or closing.",
		}),
		PacketsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retransmit",
			Name:      "packets_in_flight",
			Help:      "Number of packets currently held by the retransmit queue awaiting acknowledgement.",
		}),
		RetransmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retransmit",
			Name:      "fired_total",
			Help:      "Total retransmits fired by the retransmit queue.",
		}, []string{retransmitKindLabel}),
		SessionsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Total sessions terminated after exhausting their CLOSING retransmit budget.",
		}),
	}

	reg.MustRegister(
		c.SessionsConnected,
		c.SessionsOpeningClosing,
		c.PacketsInFlight,
		c.RetransmitsTotal,
		c.SessionsDroppedTotal,
	)
	return c
}

// SetSessionCounts updates the two session-table gauges together, since the
// server always has both counts on hand after any table mutation.
func (c *Collector) SetSessionCounts(connected, openingOrClosing int) {
	c.SessionsConnected.Set(float64(connected))
	c.SessionsOpeningClosing.Set(float64(openingOrClosing))
}

// IncRetransmit records one retransmit of the given kind ("data" or
// "closing").
func (c *Collector) IncRetransmit(kind string) {
	c.RetransmitsTotal.WithLabelValues(kind).Inc()
}

// IncSessionDropped records one session terminated after exhausting its
// CLOSING retransmit budget.
func (c *Collector) IncSessionDropped() {
	c.SessionsDroppedTotal.Inc()
}
