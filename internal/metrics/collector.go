// Package metrics exposes the station's Prometheus instrumentation. The
// Collector implements dim.MetricsReporter, so the core stays free of
// prometheus imports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "dims"
	subsystem = "station"
)

// Label names for station metrics.
const (
	labelTransport = "transport"
	labelRoute     = "route"
	labelReason    = "reason"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Station Metrics
// -------------------------------------------------------------------------

// Collector holds all station Prometheus metrics.
//
// Metrics are designed for production monitoring:
//   - Connection gauges track live sockets per transport.
//   - Routing counters break dispatch decisions down by outcome.
//   - State transition counters record handshake FSM changes.
//   - Drop counters flag signature failures and replays for alerting.
type Collector struct {
	// Connections tracks currently open client connections per transport.
	Connections *prometheus.GaugeVec

	// ConnectionsTotal counts accepted connections per transport.
	ConnectionsTotal *prometheus.CounterVec

	// SessionTransitions counts handshake FSM transitions, labeled with
	// the old and new state.
	SessionTransitions *prometheus.CounterVec

	// Handshakes counts completed logins.
	Handshakes prometheus.Counter

	// MessagesRouted counts dispatcher decisions per route.
	MessagesRouted *prometheus.CounterVec

	// EnvelopesDropped counts discarded envelopes per reason.
	EnvelopesDropped *prometheus.CounterVec

	// MailboxAppends counts durable mailbox appends.
	MailboxAppends prometheus.Counter

	// MailboxDrains counts records pushed out of mailboxes on login.
	MailboxDrains prometheus.Counter

	// FramerErrors counts transport framing errors per transport.
	FramerErrors *prometheus.CounterVec

	// MonitorDrops counts monitor events lost to channel saturation.
	MonitorDrops prometheus.Counter
}

// NewCollector creates a Collector with all station metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "dims_station_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.ConnectionsTotal,
		c.SessionTransitions,
		c.Handshakes,
		c.MessagesRouted,
		c.EnvelopesDropped,
		c.MailboxAppends,
		c.MailboxDrains,
		c.FramerErrors,
		c.MonitorDrops,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Currently open client connections.",
		}, []string{labelTransport}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Total accepted client connections.",
		}, []string{labelTransport}),

		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_transitions_total",
			Help:      "Total handshake FSM state transitions.",
		}, []string{labelFromState, labelToState}),

		Handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handshakes_total",
			Help:      "Total completed logins.",
		}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_routed_total",
			Help:      "Total dispatcher routing decisions by outcome.",
		}, []string{labelRoute}),

		EnvelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_dropped_total",
			Help:      "Total envelopes discarded before dispatch.",
		}, []string{labelReason}),

		MailboxAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mailbox_appends_total",
			Help:      "Total messages stored for offline receivers.",
		}),

		MailboxDrains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mailbox_drained_total",
			Help:      "Total stored messages delivered on login.",
		}),

		FramerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "framer_errors_total",
			Help:      "Total transport framing and protocol errors.",
		}, []string{labelTransport}),

		MonitorDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "monitor_drops_total",
			Help:      "Total monitor events dropped due to saturation.",
		}),
	}
}

// -------------------------------------------------------------------------
// dim.MetricsReporter implementation
// -------------------------------------------------------------------------

// ConnOpened records an accepted connection once its transport is known.
func (c *Collector) ConnOpened(transport string) {
	c.Connections.WithLabelValues(transport).Inc()
	c.ConnectionsTotal.WithLabelValues(transport).Inc()
}

// ConnClosed records a closed connection.
func (c *Collector) ConnClosed(transport string) {
	c.Connections.WithLabelValues(transport).Dec()
}

// SessionStateChange records one handshake FSM transition.
func (c *Collector) SessionStateChange(from, to string) {
	c.SessionTransitions.WithLabelValues(from, to).Inc()
}

// HandshakeAccepted records a completed login.
func (c *Collector) HandshakeAccepted() {
	c.Handshakes.Inc()
}

// MessageRouted records one dispatcher decision.
func (c *Collector) MessageRouted(route string) {
	c.MessagesRouted.WithLabelValues(route).Inc()
}

// EnvelopeDropped records a discarded envelope.
func (c *Collector) EnvelopeDropped(reason string) {
	c.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// MailboxAppended records one durable mailbox append.
func (c *Collector) MailboxAppended() {
	c.MailboxAppends.Inc()
}

// MailboxDrained records n records pushed out of a mailbox.
func (c *Collector) MailboxDrained(n int) {
	c.MailboxDrains.Add(float64(n))
}

// FramerError records a framing error on a transport.
func (c *Collector) FramerError(transport string) {
	c.FramerErrors.WithLabelValues(transport).Inc()
}

// MonitorDropped records a monitor event lost to saturation.
func (c *Collector) MonitorDropped() {
	c.MonitorDrops.Inc()
}
