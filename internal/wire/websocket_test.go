package wire

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsClient is the client half of an upgraded test connection. Reads go
// through the dialer's leftover buffer when one exists.
type wsClient struct {
	io.Reader
	io.Writer
}

// dialWS performs the client-side upgrade over the pipe.
func dialWS(client io.ReadWriter) (wsClient, ws.Handshake, error) {
	d := ws.Dialer{Protocols: []string{Subprotocol}}
	br, hs, err := d.Upgrade(client, &url.URL{Scheme: "ws", Host: "station.test", Path: "/"})
	if err != nil {
		return wsClient{}, hs, err
	}
	rd := io.Reader(client)
	if br != nil {
		rd = br
	}
	return wsClient{Reader: rd, Writer: client}, hs, nil
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)

	type result struct {
		proto string
		resp  []byte
		push  []byte
		err   error
	}
	results := make(chan result, 1)
	go func() {
		c, hs, err := dialWS(client)
		if err != nil {
			results <- result{err: err}
			return
		}
		if err := wsutil.WriteClientMessage(c, ws.OpText, []byte(`{"a":1}`)); err != nil {
			results <- result{err: err}
			return
		}
		resp, _, err := wsutil.ReadServerData(c)
		if err != nil {
			results <- result{err: err}
			return
		}
		push, _, err := wsutil.ReadServerData(c)
		if err != nil {
			results <- result{err: err}
			return
		}
		results <- result{proto: hs.Protocol, resp: resp, push: push}
	}()

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}
	if fr.Transport() != TransportWebSocket {
		t.Errorf("Transport = %q, want %q", fr.Transport(), TransportWebSocket)
	}

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if frame.Kind != FrameMessage || string(frame.Payload) != `{"a":1}` {
		t.Errorf("frame = %+v, want the client text frame", frame)
	}

	if err := fr.WriteResponse([]byte(`{"r":1}`)); err != nil {
		t.Fatalf("WriteResponse() error: %v", err)
	}
	if err := fr.Push([]byte(`{"pushed":true}`)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("client side: %v", res.err)
	}
	if res.proto != Subprotocol {
		t.Errorf("negotiated protocol = %q, want %q", res.proto, Subprotocol)
	}
	if string(res.resp) != `{"r":1}` {
		t.Errorf("response = %q, want the written response", res.resp)
	}
	if string(res.push) != `{"pushed":true}` {
		t.Errorf("push = %q, want the pushed payload", res.push)
	}
}

func TestWebSocketPayloadSizes(t *testing.T) {
	t.Parallel()

	// Straddles the 7-bit, 16-bit and 64-bit frame length encodings.
	sizes := []int{125, 126, 127, 1 << 16, 1<<16 + 1}
	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			t.Parallel()

			client, server := pipePair(t)
			payload := bytes.Repeat([]byte("x"), size)

			type result struct {
				echo []byte
				err  error
			}
			results := make(chan result, 1)
			go func() {
				c, _, err := dialWS(client)
				if err != nil {
					results <- result{err: err}
					return
				}
				if err := wsutil.WriteClientMessage(c, ws.OpText, payload); err != nil {
					results <- result{err: err}
					return
				}
				echo, _, err := wsutil.ReadServerData(c)
				results <- result{echo: echo, err: err}
			}()

			fr, err := Detect(server, testLogger())
			if err != nil {
				t.Fatalf("Detect() error: %v", err)
			}
			frame, err := fr.Next()
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if len(frame.Payload) != size {
				t.Fatalf("payload length = %d, want %d", len(frame.Payload), size)
			}
			if !bytes.Equal(frame.Payload, payload) {
				t.Error("payload bytes differ from the client message")
			}

			if err := fr.WriteResponse(frame.Payload); err != nil {
				t.Fatalf("WriteResponse() error: %v", err)
			}
			res := <-results
			if res.err != nil {
				t.Fatalf("client side: %v", res.err)
			}
			if !bytes.Equal(res.echo, payload) {
				t.Errorf("echo length = %d, want the %d-byte payload back intact", len(res.echo), size)
			}
		})
	}
}

func TestWebSocketSkipsBinaryFrames(t *testing.T) {
	t.Parallel()

	client, server := pipePair(t)

	errs := make(chan error, 1)
	go func() {
		c, _, err := dialWS(client)
		if err != nil {
			errs <- err
			return
		}
		if err := wsutil.WriteClientMessage(c, ws.OpBinary, []byte{0x00, 0x01}); err != nil {
			errs <- err
			return
		}
		errs <- wsutil.WriteClientMessage(c, ws.OpText, []byte(`{"a":1}`))
	}()

	fr, err := Detect(server, testLogger())
	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if string(frame.Payload) != `{"a":1}` {
		t.Errorf("payload = %q, want the text frame after the binary one", frame.Payload)
	}
	if err := <-errs; err != nil {
		t.Fatalf("client side: %v", err)
	}
}
