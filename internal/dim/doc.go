// Package dim implements the core of a DIM station: identifiers,
// signed envelopes, the handshake state machine, the session registry,
// and the message dispatcher with online push and offline mailbox
// fan-out.
package dim
