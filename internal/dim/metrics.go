package dim

// MetricsReporter is the seam between the core and the metrics backend.
// The prometheus collector in internal/metrics implements it; the core
// itself never imports prometheus. A nil reporter is replaced by
// NopMetrics everywhere one is accepted.
type MetricsReporter interface {
	// ConnOpened records an accepted connection once its transport has
	// been detected.
	ConnOpened(transport string)

	// ConnClosed records a closed connection.
	ConnClosed(transport string)

	// SessionStateChange records one handshake FSM transition.
	SessionStateChange(from, to string)

	// HandshakeAccepted records a completed login.
	HandshakeAccepted()

	// MessageRouted records one dispatcher decision. Route is one of
	// "command", "online", "mailbox", "group", "neighbor", "rejected".
	MessageRouted(route string)

	// EnvelopeDropped records a discarded envelope. Reason is one of
	// "decode", "signature", "replay", "unauthenticated".
	EnvelopeDropped(reason string)

	// MailboxAppended records one durable mailbox append.
	MailboxAppended()

	// MailboxDrained records n records pushed out of a mailbox.
	MailboxDrained(n int)

	// FramerError records a framing/protocol error on a transport.
	FramerError(transport string)

	// MonitorDropped records a monitor event lost to saturation.
	MonitorDropped()
}

// NopMetrics is the do-nothing MetricsReporter.
type NopMetrics struct{}

func (NopMetrics) ConnOpened(string)              {}
func (NopMetrics) ConnClosed(string)              {}
func (NopMetrics) SessionStateChange(_, _ string) {}
func (NopMetrics) HandshakeAccepted()             {}
func (NopMetrics) MessageRouted(string)           {}
func (NopMetrics) EnvelopeDropped(string)         {}
func (NopMetrics) MailboxAppended()               {}
func (NopMetrics) MailboxDrained(int)             {}
func (NopMetrics) FramerError(string)             {}
func (NopMetrics) MonitorDropped()                {}
