package dim

import (
	"context"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Monitor — fire-and-forget event sink
// -------------------------------------------------------------------------

// EventKind classifies a monitor event.
type EventKind uint8

const (
	// EventClientConnected fires when a socket is accepted.
	EventClientConnected EventKind = iota

	// EventUserLoggedIn fires when a handshake completes.
	EventUserLoggedIn

	// EventUserLoggedOut fires when an identity's last running session
	// goes away.
	EventUserLoggedOut

	// EventClientDisconnected fires when a socket closes.
	EventClientDisconnected
)

// String returns the event name as reported in logs.
func (k EventKind) String() string {
	switch k {
	case EventClientConnected:
		return "CLIENT_CONNECTED"
	case EventUserLoggedIn:
		return "USER_LOGGED_IN"
	case EventUserLoggedOut:
		return "USER_LOGGED_OUT"
	case EventClientDisconnected:
		return "CLIENT_DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event is one monitor report.
type Event struct {
	Kind       EventKind
	ClientAddr string
	Identity   ID
	Time       time.Time
}

// monitorChSize bounds the event channel. Delivery is best-effort;
// events beyond the buffer are dropped and counted.
const monitorChSize = 256

// Monitor is a non-blocking sink for connection lifecycle events.
// Report never blocks the caller; a saturated consumer loses events.
type Monitor struct {
	events  chan Event
	logger  *slog.Logger
	metrics MetricsReporter
	clock   Clock
}

// NewMonitor creates a monitor. Run must be started for events to be
// consumed.
func NewMonitor(logger *slog.Logger, metrics MetricsReporter) *Monitor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		events:  make(chan Event, monitorChSize),
		logger:  logger,
		metrics: metrics,
		clock:   SystemClock{},
	}
}

// Report enqueues an event, dropping it when the buffer is full.
func (m *Monitor) Report(kind EventKind, addr string, identity ID) {
	ev := Event{Kind: kind, ClientAddr: addr, Identity: identity, Time: m.clock.Now()}
	select {
	case m.events <- ev:
	default:
		m.metrics.MonitorDropped()
	}
}

// Run consumes events until the context is cancelled. Each event is
// written to the structured log; heavier sinks (admin webhooks, ops
// chat) would hang off this loop.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			attrs := []any{
				slog.String("event", ev.Kind.String()),
				slog.String("client_addr", ev.ClientAddr),
			}
			if ev.Identity.IsValid() {
				attrs = append(attrs, slog.String("identity", ev.Identity.String()))
			}
			m.logger.Info("station event", attrs...)
		}
	}
}
