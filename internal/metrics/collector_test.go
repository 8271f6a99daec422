package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dims-network/station/internal/dim"
	"github.com/dims-network/station/internal/metrics"
)

// metricValue gathers the registry and returns the value of the metric
// with the given fully-qualified name and label set. Missing metrics
// read as zero.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func newTestCollector(t *testing.T) (*metrics.Collector, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	return metrics.NewCollector(reg), reg
}

// The collector must satisfy the core's reporting seam.
var _ dim.MetricsReporter = (*metrics.Collector)(nil)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	c, _ := newTestCollector(t)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.ConnectionsTotal == nil {
		t.Error("ConnectionsTotal is nil")
	}
	if c.SessionTransitions == nil {
		t.Error("SessionTransitions is nil")
	}
	if c.Handshakes == nil {
		t.Error("Handshakes is nil")
	}
	if c.MessagesRouted == nil {
		t.Error("MessagesRouted is nil")
	}
	if c.EnvelopesDropped == nil {
		t.Error("EnvelopesDropped is nil")
	}
	if c.MailboxAppends == nil {
		t.Error("MailboxAppends is nil")
	}
	if c.MailboxDrains == nil {
		t.Error("MailboxDrains is nil")
	}
	if c.FramerErrors == nil {
		t.Error("FramerErrors is nil")
	}
	if c.MonitorDrops == nil {
		t.Error("MonitorDrops is nil")
	}
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t)
	c.ConnOpened("ndjson")
	c.ConnOpened("ndjson")
	c.ConnOpened("websocket")
	c.ConnClosed("ndjson")

	if got := metricValue(t, reg, "dims_station_connections", map[string]string{"transport": "ndjson"}); got != 1 {
		t.Errorf("ndjson connections gauge = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_connections", map[string]string{"transport": "websocket"}); got != 1 {
		t.Errorf("websocket connections gauge = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_connections_total", map[string]string{"transport": "ndjson"}); got != 2 {
		t.Errorf("ndjson connections total = %v, want 2", got)
	}
}

func TestRoutingAndDropCounters(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t)
	c.MessageRouted("online")
	c.MessageRouted("online")
	c.MessageRouted("mailbox")
	c.EnvelopeDropped("signature")
	c.EnvelopeDropped("replay")

	if got := metricValue(t, reg, "dims_station_messages_routed_total", map[string]string{"route": "online"}); got != 2 {
		t.Errorf("online routed = %v, want 2", got)
	}
	if got := metricValue(t, reg, "dims_station_messages_routed_total", map[string]string{"route": "mailbox"}); got != 1 {
		t.Errorf("mailbox routed = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_envelopes_dropped_total", map[string]string{"reason": "signature"}); got != 1 {
		t.Errorf("signature drops = %v, want 1", got)
	}
}

func TestSessionAndMailboxCounters(t *testing.T) {
	t.Parallel()

	c, reg := newTestCollector(t)
	c.SessionStateChange("FRESH", "CHALLENGED")
	c.SessionStateChange("CHALLENGED", "RUNNING")
	c.HandshakeAccepted()
	c.MailboxAppended()
	c.MailboxDrained(3)
	c.FramerError("mars")
	c.MonitorDropped()

	if got := metricValue(t, reg, "dims_station_session_transitions_total",
		map[string]string{"from_state": "FRESH", "to_state": "CHALLENGED"}); got != 1 {
		t.Errorf("FRESH->CHALLENGED transitions = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_handshakes_total", nil); got != 1 {
		t.Errorf("handshakes = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_mailbox_appends_total", nil); got != 1 {
		t.Errorf("mailbox appends = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_mailbox_drained_total", nil); got != 3 {
		t.Errorf("mailbox drains = %v, want 3", got)
	}
	if got := metricValue(t, reg, "dims_station_framer_errors_total", map[string]string{"transport": "mars"}); got != 1 {
		t.Errorf("framer errors = %v, want 1", got)
	}
	if got := metricValue(t, reg, "dims_station_monitor_drops_total", nil); got != 1 {
		t.Errorf("monitor drops = %v, want 1", got)
	}
}
