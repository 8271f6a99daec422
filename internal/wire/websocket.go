package wire

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// -------------------------------------------------------------------------
// WebSocket — RFC 6455 over the raw accepted connection
// -------------------------------------------------------------------------

// Subprotocol is the WebSocket subprotocol advertised in the upgrade
// response.
const Subprotocol = "dimchat"

// wsReadWriter stitches the detection buffer back in front of the
// connection so the upgrader sees the complete HTTP request, and routes
// all writes (upgrade response, control replies) through the shared
// write lock.
type wsReadWriter struct {
	io.Reader
	*lockedWriter
}

// Write satisfies io.Writer over the locked writer.
func (rw wsReadWriter) Write(p []byte) (int, error) {
	if err := rw.lockedWriter.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// wsFramer frames one JSON envelope per text frame. Client frames are
// masked per RFC 6455; server frames are unmasked text with 7/16/64-bit
// length encoding, all handled by gobwas/ws. Fragmented messages are
// reassembled by wsutil; binary frames are rejected.
type wsFramer struct {
	rw     wsReadWriter
	logger *slog.Logger
}

// newWebSocketFramer completes the RFC 6455 handshake (the upgrade
// request is still buffered in br) and returns the latched framer.
func newWebSocketFramer(br *bufio.Reader, conn net.Conn, logger *slog.Logger) (*wsFramer, error) {
	rw := wsReadWriter{
		Reader:       br,
		lockedWriter: newLockedWriter(conn),
	}

	upgrader := ws.Upgrader{
		Protocol: func(p []byte) bool {
			return string(p) == Subprotocol
		},
	}
	if _, err := upgrader.Upgrade(rw); err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return &wsFramer{rw: rw, logger: logger}, nil
}

func (f *wsFramer) Transport() string { return TransportWebSocket }

func (f *wsFramer) Next() (Frame, error) {
	for {
		// ReadClientData answers control frames (ping, close) in place
		// through the locked writer and only surfaces data messages.
		data, op, err := wsutil.ReadClientData(f.rw)
		if err != nil {
			return Frame{}, fmt.Errorf("read websocket frame: %w", err)
		}
		if op != ws.OpText {
			f.logger.Warn("rejecting non-text websocket frame",
				slog.Int("opcode", int(op)),
				slog.Int("bytes", len(data)),
			)
			continue
		}
		return Frame{Kind: FrameMessage, Payload: data}, nil
	}
}

func (f *wsFramer) WriteResponse(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return f.write(p)
}

func (f *wsFramer) Push(p []byte) error {
	return f.write(p)
}

// write emits one text frame under the write lock. The lock spans the
// whole frame so header and payload never interleave with a concurrent
// push.
func (f *wsFramer) write(p []byte) error {
	err := f.rw.Locked(func(w io.Writer) error {
		return wsutil.WriteServerMessage(w, ws.OpText, p)
	})
	if err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}
