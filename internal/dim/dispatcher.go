package dim

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Dispatcher — routes one decoded envelope
// -------------------------------------------------------------------------

// MailboxStore is the durable per-identity FIFO the dispatcher parks
// messages in when the receiver is offline. Append is durable on
// return; Load returns records in append order plus a cursor marking
// the batch it read; Truncate removes only that batch, after
// acknowledged delivery. Records appended between a Load and its
// Truncate stay queued.
type MailboxStore interface {
	Append(identity string, data []byte) error
	Load(identity string) ([][]byte, int64, error)
	Truncate(identity string, cursor int64) error
}

// Routing decision labels, used for metrics and logs.
const (
	RouteCommand  = "command"
	RouteOnline   = "online"
	RouteMailbox  = "mailbox"
	RouteGroup    = "group"
	RouteNeighbor = "neighbor"
	RouteRejected = "rejected"
)

// ErrReplay indicates an envelope outside the replay window. The
// envelope is dropped and the sender receives no receipt.
var ErrReplay = errors.New("envelope outside replay window")

// DefaultReplayWindow is how far an envelope's time may lag (or lead)
// the station clock.
const DefaultReplayWindow = 600 * time.Second

// Dispatcher routes RUNNING-session envelopes: station commands to the
// processor table, user receivers to a live handler or the mailbox,
// group receivers through membership expansion, the neighbor station
// through the forward hook, everything else to a rejection receipt.
//
// Dispatch runs on the inbound connection's read goroutine, so envelopes
// from one sender session are processed, and their receipts written, in
// arrival order.
type Dispatcher struct {
	station    ID
	neighbor   ID
	registry   *Registry
	mailbox    MailboxStore
	barrack    Barrack
	coder      ContentCoder
	forwarder  Forwarder
	processors *ProcessorTable
	metrics    MetricsReporter
	logger     *slog.Logger
	clock      Clock
	window     time.Duration
}

// DispatcherConfig wires a Dispatcher. Registry, Mailbox, Barrack,
// Coder and Processors are required; Forwarder may be nil when the
// station has no neighbor.
type DispatcherConfig struct {
	Station      ID
	Neighbor     ID
	Registry     *Registry
	Mailbox      MailboxStore
	Barrack      Barrack
	Coder        ContentCoder
	Forwarder    Forwarder
	Processors   *ProcessorTable
	Metrics      MetricsReporter
	Logger       *slog.Logger
	Clock        Clock
	ReplayWindow time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	return &Dispatcher{
		station:    cfg.Station,
		neighbor:   cfg.Neighbor,
		registry:   cfg.Registry,
		mailbox:    cfg.Mailbox,
		barrack:    cfg.Barrack,
		coder:      cfg.Coder,
		forwarder:  cfg.Forwarder,
		processors: cfg.Processors,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		window:     cfg.ReplayWindow,
	}
}

// Dispatch routes one envelope from a RUNNING session. raw is the
// original wire form, pushed to receivers byte-for-byte. The returned
// bytes (possibly nil) are the response for the sender's transport.
func (d *Dispatcher) Dispatch(env *Envelope, raw []byte, sess *Session) ([]byte, error) {
	if err := d.checkReplay(env); err != nil {
		d.metrics.EnvelopeDropped("replay")
		d.logger.Debug("dropping replayed envelope",
			slog.String("sender", env.Sender.String()),
			slog.Uint64("time", env.Time),
		)
		// Anti-replay: no receipt, keep the session.
		return nil, nil
	}

	receiver := env.Receiver
	switch {
	case receiver.Equal(d.station):
		d.metrics.MessageRouted(RouteCommand)
		return d.processCommand(env)

	case d.neighbor.IsValid() && receiver.Equal(d.neighbor):
		d.metrics.MessageRouted(RouteNeighbor)
		return d.forwardNeighbor(env, raw)

	case receiver.Kind().IsGroup():
		d.metrics.MessageRouted(RouteGroup)
		return d.deliverGroup(env, raw, sess)

	case receiver.Kind().IsUser():
		status := d.deliverUser(receiver, raw)
		return d.receipt(env, status)

	default:
		// receipt records the rejected route.
		return d.receipt(env, ReceiptRejected)
	}
}

// checkReplay enforces the ±window bound on the envelope clock.
// now-window is accepted; now-window-1 is not.
func (d *Dispatcher) checkReplay(env *Envelope) error {
	now := d.clock.Now().Unix()
	age := now - int64(env.Time)
	if age > int64(d.window/time.Second) || -age > int64(d.window/time.Second) {
		return fmt.Errorf("%w: age %ds", ErrReplay, age)
	}
	return nil
}

// processCommand handles an envelope addressed to the station itself.
func (d *Dispatcher) processCommand(env *Envelope) ([]byte, error) {
	content, err := d.coder.Open(env)
	if err != nil {
		d.metrics.EnvelopeDropped("decode")
		return nil, fmt.Errorf("open station content: %w", err)
	}
	cmd, err := ParseCommand(content)
	if err != nil {
		d.metrics.EnvelopeDropped("decode")
		return nil, err
	}

	reply, err := d.processors.Process(cmd, env.Sender)
	if errors.Is(err, ErrUnsupportedCommand) {
		reply = &Command{
			Name:    "text",
			Message: fmt.Sprintf("command %q not supported", cmd.Name),
		}
	} else if err != nil {
		return nil, fmt.Errorf("process %q: %w", cmd.Name, err)
	}
	if reply == nil {
		return nil, nil
	}

	replyJSON, err := reply.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode %q reply: %w", cmd.Name, err)
	}
	return d.coder.Seal(env.Sender, replyJSON)
}

// deliverUser pushes raw to a live handler for the receiver, or appends
// it to the receiver's mailbox. A push failure means the target socket
// is dying; the message falls back to the mailbox so nothing is lost.
func (d *Dispatcher) deliverUser(receiver ID, raw []byte) string {
	if h := d.registry.HandlerFor(receiver); h != nil {
		if err := h.Push(raw); err == nil {
			d.metrics.MessageRouted(RouteOnline)
			return ReceiptDelivering
		}
		d.logger.Warn("online push failed, falling back to mailbox",
			slog.String("receiver", receiver.String()),
		)
	}
	if err := d.mailbox.Append(receiver.Routing(), raw); err != nil {
		d.logger.Error("mailbox append failed",
			slog.String("receiver", receiver.String()),
			slog.String("error", err.Error()),
		)
		return ReceiptFailed
	}
	d.metrics.MessageRouted(RouteMailbox)
	d.metrics.MailboxAppended()
	return ReceiptDelivering
}

// deliverGroup expands the receiver's membership (sender excluded) and
// delivers the unmodified envelope bytes to each member, so the group
// field survives. One aggregate receipt goes back to the sender.
func (d *Dispatcher) deliverGroup(env *Envelope, raw []byte, sess *Session) ([]byte, error) {
	members, err := d.barrack.Members(env.Receiver)
	if err != nil {
		d.logger.Warn("group expansion failed",
			slog.String("group", env.Receiver.String()),
			slog.String("error", err.Error()),
		)
		return d.receipt(env, ReceiptRejected)
	}

	status := ReceiptDelivering
	delivered := 0
	for _, member := range members {
		if member.Equal(env.Sender) {
			continue
		}
		if d.deliverUser(member, raw) == ReceiptFailed {
			status = ReceiptFailed
			continue
		}
		delivered++
	}
	d.logger.Debug("group message fanned out",
		slog.String("group", env.Receiver.String()),
		slog.String("sender", sess.Identity.String()),
		slog.Int("delivered", delivered),
	)
	return d.receipt(env, status)
}

// forwardNeighbor hands the envelope to the neighbor-station hook.
func (d *Dispatcher) forwardNeighbor(env *Envelope, raw []byte) ([]byte, error) {
	if d.forwarder == nil {
		return d.receipt(env, ReceiptRejected)
	}
	if err := d.forwarder.ForwardToNeighbor(env.Receiver, raw); err != nil {
		d.logger.Error("neighbor forward failed",
			slog.String("receiver", env.Receiver.String()),
			slog.String("error", err.Error()),
		)
		return d.receipt(env, ReceiptFailed)
	}
	return d.receipt(env, ReceiptDelivering)
}

// receipt seals a station-signed receipt back to the sender.
func (d *Dispatcher) receipt(env *Envelope, status string) ([]byte, error) {
	if status == ReceiptRejected {
		d.metrics.MessageRouted(RouteRejected)
	}
	content, err := NewReceipt(env, status).Encode()
	if err != nil {
		return nil, err
	}
	return d.coder.Seal(env.Sender, content)
}
