package dim

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dims-network/station/internal/wire"
)

// -------------------------------------------------------------------------
// Handler — one goroutine per accepted connection
// -------------------------------------------------------------------------

// DefaultIdleTimeout closes a connection with no traffic (heartbeats
// included) for this long.
const DefaultIdleTimeout = 10 * time.Minute

// errTransportNotReady indicates a push before transport detection
// finished. The registry only hands out handlers with RUNNING sessions,
// so this mostly guards a racing drain against a dying socket.
var errTransportNotReady = errors.New("transport not established")

// StationContext bundles the shared collaborators every Handler needs.
// It is built once at startup and read-only afterwards.
type StationContext struct {
	// Station is this station's own identifier.
	Station ID

	Barrack    Barrack
	Coder      ContentCoder
	Registry   *Registry
	Dispatcher *Dispatcher
	Guests     *GuestQueue
	Monitor    *Monitor
	Metrics    MetricsReporter
	Logger     *slog.Logger
	Clock      Clock

	// IdleTimeout overrides DefaultIdleTimeout when positive.
	IdleTimeout time.Duration
}

// idleTimeout returns the effective idle deadline.
func (sc *StationContext) idleTimeout() time.Duration {
	if sc.IdleTimeout > 0 {
		return sc.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Handler owns one accepted connection: it detects the transport, runs
// the read loop, drives the handshake until the session is RUNNING, and
// hands authenticated envelopes to the dispatcher. Push may be called
// from other goroutines (dispatcher, receptionist); everything else
// runs on the read loop.
type Handler struct {
	sc     *StationContext
	conn   net.Conn
	addr   string
	logger *slog.Logger

	// mu guards framer, which is nil until detection completes.
	mu     sync.RWMutex
	framer wire.Framer

	// session is the handshake-in-progress or RUNNING session for this
	// socket. Read-loop only.
	session *Session
}

// NewHandler creates a handler for an accepted connection.
func NewHandler(sc *StationContext, conn net.Conn) *Handler {
	addr := conn.RemoteAddr().String()
	return &Handler{
		sc:   sc,
		conn: conn,
		addr: addr,
		logger: sc.Logger.With(
			slog.String("client_addr", addr),
		),
	}
}

// Push writes a server-initiated payload through the latched framer.
// Safe for concurrent use.
func (h *Handler) Push(p []byte) error {
	h.mu.RLock()
	fr := h.framer
	h.mu.RUnlock()
	if fr == nil {
		return errTransportNotReady
	}
	return fr.Push(p)
}

// Serve runs the connection until the socket dies, the peer goes idle
// past the deadline, or ctx is cancelled (the listener closes the
// socket on shutdown, which unblocks the read).
func (h *Handler) Serve(ctx context.Context) {
	sc := h.sc
	sc.Monitor.Report(EventClientConnected, h.addr, ID{})
	sc.Registry.BindHandler(h.addr, h)
	defer h.teardown()

	h.setIdleDeadline()
	fr, err := wire.Detect(h.conn, h.logger)
	if err != nil {
		sc.Metrics.FramerError("unknown")
		h.logger.Debug("transport detection failed",
			slog.String("error", err.Error()),
		)
		return
	}
	h.mu.Lock()
	h.framer = fr
	h.mu.Unlock()
	sc.Metrics.ConnOpened(fr.Transport())
	h.logger.Debug("transport detected",
		slog.String("transport", fr.Transport()),
	)

	for {
		if ctx.Err() != nil {
			return
		}
		h.setIdleDeadline()

		frame, err := fr.Next()
		if err != nil {
			h.logReadEnd(err)
			return
		}
		if frame.Kind == wire.FrameHeartbeat {
			continue
		}

		resp := h.handleMessage(frame.Payload)
		if err := fr.WriteResponse(resp); err != nil {
			sc.Metrics.FramerError(fr.Transport())
			h.logger.Debug("response write failed",
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// teardown closes the socket, unbinds the handler, and reports logout
// and disconnect events.
func (h *Handler) teardown() {
	sc := h.sc
	_ = h.conn.Close()

	for _, identity := range sc.Registry.RemoveByAddr(h.addr) {
		sc.Monitor.Report(EventUserLoggedOut, h.addr, identity)
	}
	sc.Monitor.Report(EventClientDisconnected, h.addr, ID{})

	h.mu.RLock()
	fr := h.framer
	h.mu.RUnlock()
	if fr != nil {
		sc.Metrics.ConnClosed(fr.Transport())
	}
}

// setIdleDeadline arms the read deadline for one more idle interval.
func (h *Handler) setIdleDeadline() {
	_ = h.conn.SetReadDeadline(h.sc.Clock.Now().Add(h.sc.idleTimeout()))
}

// logReadEnd logs why the read loop stopped, at a level matching how
// interesting it is.
func (h *Handler) logReadEnd(err error) {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		h.logger.Info("closing idle connection")
		return
	}
	h.logger.Debug("connection read ended",
		slog.String("error", err.Error()),
	)
}

// handleMessage processes one complete payload and returns the response
// to send (nil for none). Envelopes that fail decode or signature
// verification are dropped without a reply, as are non-handshake
// envelopes from unauthenticated sessions.
func (h *Handler) handleMessage(raw []byte) []byte {
	sc := h.sc

	env, err := DecodeEnvelope(raw, sc.Barrack)
	if err != nil {
		reason := "decode"
		if errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrIdentityUnknown) {
			reason = "signature"
		}
		sc.Metrics.EnvelopeDropped(reason)
		h.logger.Debug("dropping envelope",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if h.session != nil {
		sc.Registry.Touch(h.session)
	}

	if cmd := h.handshakeCommand(env); cmd != nil {
		return h.handleHandshake(env, cmd)
	}

	if h.session == nil || h.session.State() != StateRunning {
		sc.Metrics.EnvelopeDropped("unauthenticated")
		h.logger.Debug("dropping envelope from unauthenticated session",
			slog.String("sender", env.Sender.String()),
		)
		return nil
	}

	resp, err := sc.Dispatcher.Dispatch(env, raw, h.session)
	if err != nil {
		h.logger.Warn("dispatch failed",
			slog.String("sender", env.Sender.String()),
			slog.String("receiver", env.Receiver.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return resp
}

// handshakeCommand returns the parsed handshake command when env is a
// station-addressed handshake, nil otherwise. Clients that do not yet
// know the station's ID may address the handshake to a broadcast form.
func (h *Handler) handshakeCommand(env *Envelope) *Command {
	if !env.Receiver.Equal(h.sc.Station) &&
		!(env.Receiver.IsBroadcast() || env.Receiver.Kind().IsStation()) {
		return nil
	}
	content, err := h.sc.Coder.Open(env)
	if err != nil {
		return nil
	}
	cmd, err := ParseCommand(content)
	if err != nil || cmd.Name != CmdHandshake {
		return nil
	}
	return cmd
}

// handleHandshake drives the session FSM with one handshake command and
// returns the reply payload.
func (h *Handler) handleHandshake(env *Envelope, cmd *Command) []byte {
	sc := h.sc

	// A client may re-handshake under a different identity on the same
	// socket; the old session stays until the socket closes.
	if h.session == nil || !h.session.Identity.Equal(env.Sender) {
		sess, err := sc.Registry.NewSession(env.Sender, h.addr)
		if err != nil {
			h.logger.Error("session create failed",
				slog.String("identity", env.Sender.String()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		h.session = sess
	}
	sess := h.session

	event := ClassifyHandshake(cmd.SessionKey, sess.Key, sess.State())
	result := ApplyHandshake(sess.State(), event)
	h.logger.Debug("handshake",
		slog.String("identity", sess.Identity.String()),
		slog.String("event", event.String()),
		slog.String("from", result.OldState.String()),
		slog.String("to", result.NewState.String()),
	)

	var reply *Command
	for _, action := range result.Actions {
		switch action {
		case ActionIssueKey:
			key := newSessionKey()
			if err := sc.Registry.Promote(sess, key); err != nil {
				h.logger.Error("session promote failed",
					slog.String("identity", sess.Identity.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			reply = &Command{
				Name:       CmdHandshakeAgain,
				Message:    "DIM?",
				SessionKey: sess.KeyString(),
			}

		case ActionRepeatChallenge:
			reply = &Command{
				Name:       CmdHandshakeAgain,
				Message:    "DIM?",
				SessionKey: sess.KeyString(),
			}

		case ActionAccept:
			if err := sc.Registry.Activate(sess); err != nil {
				h.logger.Error("session activate failed",
					slog.String("identity", sess.Identity.String()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			sc.Metrics.HandshakeAccepted()
			sc.Monitor.Report(EventUserLoggedIn, h.addr, sess.Identity)
			sc.Guests.Push(sess.Identity)
			h.logger.Info("user logged in",
				slog.String("identity", sess.Identity.String()),
			)
			reply = &Command{Name: CmdHandshakeSuccess, Message: "DIM!"}

		case ActionAcknowledge:
			reply = &Command{Name: CmdHandshakeSuccess, Message: "DIM!"}
		}
	}
	if reply == nil {
		return nil
	}

	content, err := reply.MarshalJSON()
	if err != nil {
		h.logger.Error("handshake reply encode failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	out, err := sc.Coder.Seal(env.Sender, content)
	if err != nil {
		h.logger.Error("handshake reply seal failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return out
}
