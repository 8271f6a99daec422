package dim

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// -------------------------------------------------------------------------
// Session — authenticated binding of an identity to a connection
// -------------------------------------------------------------------------

// Session binds an identity to a live connection through the handshake.
// All mutable fields are guarded by the owning Registry's mutex; the
// Handler never mutates a Session directly.
type Session struct {
	// Identity is the authenticated (or authenticating) client ID.
	Identity ID

	// ClientAddr is the remote (ip, port) in string form; it names the
	// Handler in the registry's byAddr map.
	ClientAddr string

	// Key is the 16-byte session key issued on FRESH -> CHALLENGED.
	Key []byte

	// CreatedAt is the session creation time.
	CreatedAt time.Time

	// LastSeenAt is bumped on every envelope from this session.
	LastSeenAt time.Time

	// activatedAt orders RUNNING sessions for the handlerFor tie-break
	// (most recently activated wins).
	activatedAt time.Time

	state SessionState
}

// State returns the session's handshake state. Callers outside the
// registry see a snapshot; transitions happen under the registry mutex.
func (s *Session) State() SessionState { return s.state }

// KeyString returns the issued session key in base64, the form carried
// inside handshake commands.
func (s *Session) KeyString() string { return encodeSessionKey(s.Key) }

// newSessionKey allocates a fresh 128-bit random session key.
func newSessionKey() []byte {
	key := uuid.New()
	return key[:]
}

// encodeSessionKey renders a session key for the wire. Empty keys render
// as the empty string so an unissued key never matches anything.
func encodeSessionKey(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(key)
}

// -------------------------------------------------------------------------
// SessionSnapshot — read-only view for the admin API
// -------------------------------------------------------------------------

// SessionSnapshot is a point-in-time copy of one session for the admin
// API and monitoring. No references to mutable state are held.
type SessionSnapshot struct {
	// Identity is the session's client ID string.
	Identity string `json:"identity"`

	// ClientAddr is the remote address.
	ClientAddr string `json:"client_addr"`

	// State is the handshake state name.
	State string `json:"state"`

	// CreatedAt is the session creation time.
	CreatedAt time.Time `json:"created_at"`

	// LastSeenAt is the last envelope arrival time.
	LastSeenAt time.Time `json:"last_seen_at"`
}
