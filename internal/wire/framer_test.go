package wire

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipePair returns a connected pipe with both ends closed on cleanup.
func pipePair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	client, server = net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))
	_ = server.SetDeadline(time.Now().Add(5 * time.Second))
	return client, server
}

// write feeds the pipe from a separate goroutine; net.Pipe writes block
// until the other side reads.
func write(t *testing.T, conn net.Conn, p []byte) {
	t.Helper()
	go func() {
		if _, err := conn.Write(p); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()
}

func TestDetectNDJSON(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	write(t, client, []byte(`{"command":"noop"}`+"\n"))

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if fr.Transport() != TransportNDJSON {
		t.Errorf("Transport = %q, want %q", fr.Transport(), TransportNDJSON)
	}

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if frame.Kind != FrameMessage || string(frame.Payload) != `{"command":"noop"}` {
		t.Errorf("frame = %+v, want the sent line without its newline", frame)
	}
}

func TestDetectMars(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	write(t, client, encodeMarsPacket(marsCmdSend, 9, []byte(`{"a":1}`)))

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if fr.Transport() != TransportMars {
		t.Errorf("Transport = %q, want %q", fr.Transport(), TransportMars)
	}

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if frame.Kind != FrameMessage || string(frame.Payload) != `{"a":1}` {
		t.Errorf("frame = %+v, want the packet body", frame)
	}
}

func TestDetectSecondChance(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	go func() {
		// An unclassifiable first buffer is discarded; the next one
		// still gets classified.
		if _, err := client.Write([]byte("BOGUS\n")); err != nil {
			t.Errorf("client write: %v", err)
			return
		}
		if _, err := client.Write([]byte(`{"a":1}` + "\n")); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if fr.Transport() != TransportNDJSON {
		t.Errorf("Transport = %q, want %q", fr.Transport(), TransportNDJSON)
	}
}

func TestDetectUnknownTwice(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	go func() {
		client.Write([]byte("BOGUS1\n"))
		client.Write([]byte("BOGUS2\n"))
	}()

	if _, err := Detect(server, testLogger()); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("Detect() error = %v, want ErrUnknownProtocol", err)
	}
}

func TestDetectEmptyConn(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	go client.Close()

	if _, err := Detect(server, testLogger()); !errors.Is(err, ErrEmptyConn) {
		t.Errorf("Detect() error = %v, want ErrEmptyConn", err)
	}
}

func TestNDJSONHeartbeat(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	reply := make(chan byte, 1)
	go func() {
		client.Write([]byte(`{"a":1}` + "\n"))
		client.Write([]byte("\n"))
		buf := make([]byte, 1)
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Errorf("client read heartbeat reply: %v", err)
			return
		}
		reply <- buf[0]
	}()

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if frame, err := fr.Next(); err != nil || frame.Kind != FrameMessage {
		t.Fatalf("Next() = (%+v, %v), want the first message", frame, err)
	}

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if frame.Kind != FrameHeartbeat {
		t.Errorf("frame kind = %v, want heartbeat", frame.Kind)
	}
	if got := <-reply; got != '\n' {
		t.Errorf("heartbeat reply = %q, want newline", got)
	}
}

func TestNDJSONEmptyResponseWritesNothing(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)
	line := make(chan []byte, 1)
	go func() {
		client.Write([]byte(`{"a":1}` + "\n"))
		buf := make([]byte, 64)
		n, err := client.Read(buf)
		if err != nil {
			t.Errorf("client read: %v", err)
			return
		}
		line <- buf[:n]
	}()

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if _, err := fr.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}

	// A dropped envelope writes nothing; the next bytes the client sees
	// are the push.
	if err := fr.WriteResponse(nil); err != nil {
		t.Fatalf("WriteResponse(nil) error: %v", err)
	}
	if err := fr.Push([]byte(`{"pushed":true}`)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}
	if got := <-line; string(got) != `{"pushed":true}`+"\n" {
		t.Errorf("client saw %q, want only the pushed line", got)
	}
}
