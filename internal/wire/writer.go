package wire

import (
	"fmt"
	"io"
	"sync"
)

// lockedWriter is the per-connection write mutex. Every outbound byte of
// a connection -- responses from the read loop, pushes from the
// dispatcher or receptionist, transport control frames -- goes through
// one lockedWriter, so whole frames never interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedWriter(w io.Writer) *lockedWriter {
	return &lockedWriter{w: w}
}

// Write writes p as one atomic unit.
func (l *lockedWriter) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(p); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Locked runs fn while holding the write lock, for codecs that emit a
// frame through multiple Write calls.
func (l *lockedWriter) Locked(fn func(w io.Writer) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.w)
}
