// Package server runs the station's network surfaces: the client-facing
// TCP listener shared by all three transports, and the admin HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/dims-network/station/internal/dim"
)

// Listener accepts client connections and runs one dim.Handler per
// socket. On shutdown it closes the accept socket and every live
// connection, then waits for the handler goroutines to drain.
type Listener struct {
	sc     *dim.StationContext
	logger *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewListener creates a Listener over the shared station context.
func NewListener(sc *dim.StationContext, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		sc:     sc,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Run accepts connections on ln until ctx is cancelled. It returns nil
// on orderly shutdown after every handler goroutine has finished.
func (l *Listener) Run(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			l.closeAll()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			return err
		}

		l.track(conn)
		h := dim.NewHandler(l.sc, conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrack(conn)
			h.Serve(ctx)
		}()
	}
}

// track registers a live connection for shutdown teardown.
func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

// untrack forgets a finished connection.
func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// closeAll closes every live connection, unblocking handler reads.
func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for conn := range l.conns {
		_ = conn.Close()
	}
}
