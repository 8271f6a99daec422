// Package wire converts the per-connection TCP byte stream into complete
// envelope payloads and back. Three transports share one listening port;
// the first non-empty buffer of a connection is classified once and the
// choice latched for the socket's lifetime:
//
//  1. Buffer contains "Sec-WebSocket-Key"        -> WebSocket (RFC 6455)
//  2. First 20 bytes parse as a mars TLV header  -> Mars-TLV
//  3. Buffer starts with `{"` and holds no NUL   -> NDJSON
//  4. Otherwise the buffer is discarded; a second unknown buffer closes
//     the connection.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Transport names, used in logs and metric labels.
const (
	TransportWebSocket = "websocket"
	TransportMars      = "mars"
	TransportNDJSON    = "ndjson"
)

// FrameKind classifies what Next returned.
type FrameKind uint8

const (
	// FrameMessage is one complete envelope payload. The caller must
	// answer it with exactly one WriteResponse call (the response may
	// be empty) so batching transports can close their reply packet.
	FrameMessage FrameKind = iota

	// FrameHeartbeat is a transport keepalive. The framer has already
	// written the transport-level reply; the caller only resets its
	// idle timer.
	FrameHeartbeat
)

// Frame is one unit delivered by Framer.Next.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Framer is the per-connection transport codec. Next is called from the
// connection's read loop only; WriteResponse and Push serialize on an
// internal write mutex, so Push is safe from the dispatcher and the
// receptionist concurrently.
type Framer interface {
	// Transport returns the detected transport name.
	Transport() string

	// Next blocks for the next frame. io.EOF or any read error ends
	// the connection.
	Next() (Frame, error)

	// WriteResponse answers the most recent FrameMessage. Must be
	// called exactly once per message, empty responses included.
	WriteResponse(p []byte) error

	// Push writes a server-initiated envelope payload.
	Push(p []byte) error
}

// Detection errors.
var (
	// ErrUnknownProtocol indicates the first buffer matched no
	// transport twice in a row.
	ErrUnknownProtocol = errors.New("unknown protocol on connection")

	// ErrEmptyConn indicates the connection closed before any payload.
	ErrEmptyConn = errors.New("connection closed before protocol detection")
)

// detectPeek is how much of the first buffer detection may examine.
// An HTTP upgrade request's Sec-WebSocket-Key header sits comfortably
// within this window.
const detectPeek = 4096

// Detect classifies the connection's first buffer and returns the
// latched framer. It consumes the WebSocket HTTP upgrade when that
// transport wins; for the other transports the buffered bytes stay
// available to the framer.
func Detect(conn net.Conn, logger *slog.Logger) (Framer, error) {
	br := bufio.NewReaderSize(conn, detectPeek)

	for attempt := 0; attempt < 2; attempt++ {
		buf, err := peekSome(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmptyConn, err)
		}

		switch {
		case bytes.Contains(buf, []byte("Sec-WebSocket-Key")):
			return newWebSocketFramer(br, conn, logger)

		case looksLikeMars(buf):
			return newMarsFramer(br, conn, logger), nil

		case bytes.HasPrefix(buf, []byte(`{"`)) && !bytes.ContainsRune(buf, 0):
			return newNDJSONFramer(br, conn, logger), nil
		}

		// Unknown buffer: drop it and give the peer one more chance.
		logger.Debug("discarding unclassifiable buffer",
			slog.Int("bytes", len(buf)),
		)
		if _, err := br.Discard(br.Buffered()); err != nil {
			return nil, fmt.Errorf("discard unknown buffer: %w", err)
		}
	}
	return nil, ErrUnknownProtocol
}

// peekSome blocks for at least one byte, then returns everything
// currently buffered without consuming it.
func peekSome(br *bufio.Reader) ([]byte, error) {
	if _, err := br.Peek(1); err != nil {
		return nil, err
	}
	return br.Peek(br.Buffered())
}

// looksLikeMars reports whether the buffer plausibly opens with a mars
// TLV header: version 200 and sane declared lengths. With fewer than 20
// bytes available the version field alone decides; the framer re-checks
// the full header before trusting the lengths.
func looksLikeMars(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != marsVersion {
		return false
	}
	if len(buf) < marsHeaderSize {
		return true
	}
	hdr, err := parseMarsHeader(buf[:marsHeaderSize])
	return err == nil && hdr.plausible()
}

// -------------------------------------------------------------------------
// NDJSON — one JSON object per line
// -------------------------------------------------------------------------

// heartbeatReply is the NDJSON heartbeat answer: a bare newline.
var heartbeatReply = []byte("\n")

// ndjsonFramer frames newline-delimited JSON. An empty line is a
// heartbeat and is answered in place.
type ndjsonFramer struct {
	br     *bufio.Reader
	w      *lockedWriter
	logger *slog.Logger
}

func newNDJSONFramer(br *bufio.Reader, conn net.Conn, logger *slog.Logger) *ndjsonFramer {
	return &ndjsonFramer{
		br:     br,
		w:      newLockedWriter(conn),
		logger: logger,
	}
}

func (f *ndjsonFramer) Transport() string { return TransportNDJSON }

func (f *ndjsonFramer) Next() (Frame, error) {
	for {
		line, err := f.br.ReadBytes('\n')
		if err != nil {
			// A partial trailing line is an incomplete frame; the
			// connection is gone either way.
			return Frame{}, fmt.Errorf("read line: %w", err)
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if err := f.w.Write(heartbeatReply); err != nil {
				return Frame{}, err
			}
			return Frame{Kind: FrameHeartbeat}, nil
		}
		return Frame{Kind: FrameMessage, Payload: trimmed}, nil
	}
}

func (f *ndjsonFramer) WriteResponse(p []byte) error {
	if len(p) == 0 {
		// Dropped envelopes get no reply on this transport.
		return nil
	}
	return f.w.Write(append(p, '\n'))
}

func (f *ndjsonFramer) Push(p []byte) error {
	return f.w.Write(append(p, '\n'))
}
