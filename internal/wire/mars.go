package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// -------------------------------------------------------------------------
// Mars-TLV — Tencent mars length-prefixed framing, version 200
// -------------------------------------------------------------------------

// Mars header constants. The header is little-endian:
//
//	version:u16  cmd:u16  seq:u32  head_length:u32  body_length:u32
//
// head_length >= 20; bytes beyond 20 are reserved padding. One packet is
// capped at 1 MiB total.
const (
	marsVersion    = 200
	marsHeaderSize = 20

	// marsMaxPacket bounds head_length + body_length.
	marsMaxPacket = 1 << 20
)

// Mars command codes.
const (
	// marsCmdSend carries one or more newline-separated envelopes.
	marsCmdSend = 3

	// marsCmdNoop is a keepalive; the packet is echoed unchanged.
	marsCmdNoop = 6

	// marsCmdPush is the server-initiated push command (seq is 0).
	marsCmdPush = 10001
)

// ErrMarsHeader indicates an implausible mars header mid-stream. Once
// the transport is latched this is framing corruption and the connection
// is closed.
var ErrMarsHeader = errors.New("implausible mars header")

// marsHeader is the parsed fixed header.
type marsHeader struct {
	version    uint16
	cmd        uint16
	seq        uint32
	headLength uint32
	bodyLength uint32
}

// parseMarsHeader decodes the 20-byte fixed header.
func parseMarsHeader(b []byte) (marsHeader, error) {
	if len(b) < marsHeaderSize {
		return marsHeader{}, fmt.Errorf("%w: %d bytes", ErrMarsHeader, len(b))
	}
	return marsHeader{
		version:    binary.LittleEndian.Uint16(b[0:2]),
		cmd:        binary.LittleEndian.Uint16(b[2:4]),
		seq:        binary.LittleEndian.Uint32(b[4:8]),
		headLength: binary.LittleEndian.Uint32(b[8:12]),
		bodyLength: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// plausible reports whether the declared lengths are acceptable.
func (h marsHeader) plausible() bool {
	if h.version != marsVersion {
		return false
	}
	if h.headLength < marsHeaderSize {
		return false
	}
	return uint64(h.headLength)+uint64(h.bodyLength) <= marsMaxPacket
}

// encodeMarsPacket renders a packet with a minimal (20-byte) header.
func encodeMarsPacket(cmd uint16, seq uint32, body []byte) []byte {
	out := make([]byte, marsHeaderSize+len(body))
	binary.LittleEndian.PutUint16(out[0:2], marsVersion)
	binary.LittleEndian.PutUint16(out[2:4], cmd)
	binary.LittleEndian.PutUint32(out[4:8], seq)
	binary.LittleEndian.PutUint32(out[8:12], marsHeaderSize)
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(body)))
	copy(out[marsHeaderSize:], body)
	return out
}

// marsFramer frames mars-TLV packets. A SEND packet's body is split into
// lines that are delivered one by one; the per-line responses are
// buffered and flushed as a single reply packet echoing the request
// sequence number, matching the source protocol.
type marsFramer struct {
	br     *bufio.Reader
	w      *lockedWriter
	logger *slog.Logger

	// pending holds the not-yet-delivered lines of the current SEND
	// packet; respExpect counts the WriteResponse calls still owed
	// before the reply packet for respSeq is flushed.
	pending    [][]byte
	respExpect int
	respSeq    uint32
	respBuf    bytes.Buffer
}

func newMarsFramer(br *bufio.Reader, conn net.Conn, logger *slog.Logger) *marsFramer {
	return &marsFramer{
		br:     br,
		w:      newLockedWriter(conn),
		logger: logger,
	}
}

func (f *marsFramer) Transport() string { return TransportMars }

func (f *marsFramer) Next() (Frame, error) {
	for {
		if len(f.pending) > 0 {
			line := f.pending[0]
			f.pending = f.pending[1:]
			return Frame{Kind: FrameMessage, Payload: line}, nil
		}

		hdrBuf := make([]byte, marsHeaderSize)
		if _, err := io.ReadFull(f.br, hdrBuf); err != nil {
			return Frame{}, fmt.Errorf("read mars header: %w", err)
		}
		hdr, err := parseMarsHeader(hdrBuf)
		if err != nil {
			return Frame{}, err
		}
		if !hdr.plausible() {
			return Frame{}, fmt.Errorf("%w: version=%d head=%d body=%d",
				ErrMarsHeader, hdr.version, hdr.headLength, hdr.bodyLength)
		}

		// Skip reserved padding beyond the fixed header.
		if pad := int64(hdr.headLength) - marsHeaderSize; pad > 0 {
			if _, err := io.CopyN(io.Discard, f.br, pad); err != nil {
				return Frame{}, fmt.Errorf("skip mars padding: %w", err)
			}
		}
		body := make([]byte, hdr.bodyLength)
		if _, err := io.ReadFull(f.br, body); err != nil {
			return Frame{}, fmt.Errorf("read mars body: %w", err)
		}

		switch hdr.cmd {
		case marsCmdSend:
			lines := splitLines(body)
			if len(lines) == 0 {
				f.logger.Debug("mars SEND with empty body, ignoring",
					slog.Uint64("seq", uint64(hdr.seq)),
				)
				continue
			}
			f.pending = lines
			f.respExpect = len(lines)
			f.respSeq = hdr.seq
			f.respBuf.Reset()

		case marsCmdNoop:
			// Keepalive: echo the packet unchanged.
			echo := encodeMarsPacket(hdr.cmd, hdr.seq, body)
			if err := f.w.Write(echo); err != nil {
				return Frame{}, err
			}
			return Frame{Kind: FrameHeartbeat}, nil

		default:
			f.logger.Warn("dropping unknown mars command",
				slog.Uint64("cmd", uint64(hdr.cmd)),
				slog.Uint64("seq", uint64(hdr.seq)),
			)
		}
	}
}

// WriteResponse buffers one per-line response; when every line of the
// SEND packet has been answered, the concatenated responses go out in a
// single cmd=3 packet echoing the request seq. Empty responses count
// toward completion but add no bytes, so a packet of dropped envelopes
// yields an empty-bodied reply.
func (f *marsFramer) WriteResponse(p []byte) error {
	if f.respExpect == 0 {
		// No SEND outstanding (heartbeats need no response).
		return nil
	}
	if len(p) > 0 {
		f.respBuf.Write(p)
		f.respBuf.WriteByte('\n')
	}
	f.respExpect--
	if f.respExpect > 0 {
		return nil
	}
	return f.w.Write(encodeMarsPacket(marsCmdSend, f.respSeq, f.respBuf.Bytes()))
}

func (f *marsFramer) Push(p []byte) error {
	return f.w.Write(encodeMarsPacket(marsCmdPush, 0, p))
}

// splitLines splits a SEND body into trimmed non-empty lines.
func splitLines(body []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}
