package dim

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Registry Errors
// -------------------------------------------------------------------------

// Sentinel errors for Registry operations.
var (
	// ErrHandlerNotBound indicates no handler is bound for the address.
	ErrHandlerNotBound = errors.New("no handler bound for address")

	// ErrBadTransition indicates a promote/activate call that does not
	// match the session's current state.
	ErrBadTransition = errors.New("invalid session state transition")
)

// -------------------------------------------------------------------------
// Registry — ClientAddress <-> Handler, Identity <-> Sessions
// -------------------------------------------------------------------------

// Registry keeps two mappings consistent under a single mutex:
//
//	byAddr: client address -> Handler   (exactly one per live socket)
//	byID:   identity       -> sessions  (one identity, many terminals)
//
// Every Session in byID names a Handler present in byAddr; removing a
// handler closes and removes all sessions that named it. Handler I/O is
// never performed while the registry mutex is held.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[string]*Handler
	byID   map[string][]*Session

	metrics MetricsReporter
	logger  *slog.Logger
	clock   Clock
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger, metrics MetricsReporter) *Registry {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byAddr:  make(map[string]*Handler),
		byID:    make(map[string][]*Session),
		metrics: metrics,
		logger:  logger,
		clock:   SystemClock{},
	}
}

// BindHandler inserts the handler for its client address. Called once on
// connect, before any session exists for the socket.
func (r *Registry) BindHandler(addr string, h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[addr] = h
}

// NewSession creates a FRESH session for (id, addr) and indexes it under
// the identity. If a RUNNING session already exists for the same tuple it
// is returned instead: at most one RUNNING session per (identity,
// clientAddress).
func (r *Registry) NewSession(id ID, addr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddr[addr]; !ok {
		return nil, ErrHandlerNotBound
	}

	key := id.Routing()
	for _, s := range r.byID[key] {
		if s.ClientAddr == addr && s.state == StateRunning {
			return s, nil
		}
	}

	now := r.now()
	s := &Session{
		Identity:   id,
		ClientAddr: addr,
		CreatedAt:  now,
		LastSeenAt: now,
		state:      StateFresh,
	}
	r.byID[key] = append(r.byID[key], s)
	return s, nil
}

// Promote transitions FRESH -> CHALLENGED and stores the issued key.
func (r *Registry) Promote(s *Session, key []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.state != StateFresh {
		return ErrBadTransition
	}
	s.Key = key
	r.transition(s, StateChallenged)
	return nil
}

// Activate transitions CHALLENGED -> RUNNING and stamps the activation
// time used by the HandlerFor tie-break.
func (r *Registry) Activate(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.state != StateChallenged {
		return ErrBadTransition
	}
	s.activatedAt = r.now()
	r.transition(s, StateRunning)
	return nil
}

// HandlerFor returns a handler with a RUNNING session for the identity,
// or nil when the identity is offline. When the identity is logged in
// from several terminals the most recently activated session wins.
func (r *Registry) HandlerFor(id ID) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Session
	for _, s := range r.byID[id.Routing()] {
		if s.state != StateRunning {
			continue
		}
		if best == nil || s.activatedAt.After(best.activatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	return r.byAddr[best.ClientAddr]
}

// RemoveByAddr removes the handler bound to addr and transitions every
// session that named it to CLOSED, dropping them from byID. Returns the
// identities whose last RUNNING session just went away, so the caller
// can emit logout events without holding the lock.
func (r *Registry) RemoveByAddr(addr string) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddr[addr]; !ok {
		return nil
	}
	delete(r.byAddr, addr)

	var loggedOut []ID
	for key, sessions := range r.byID {
		kept := sessions[:0]
		wasRunning := false
		var identity ID
		for _, s := range sessions {
			if s.ClientAddr != addr {
				kept = append(kept, s)
				continue
			}
			if s.state == StateRunning {
				wasRunning = true
				identity = s.Identity
			}
			r.transition(s, StateClosed)
		}
		if len(kept) == 0 {
			delete(r.byID, key)
		} else {
			r.byID[key] = kept
		}
		if wasRunning && !r.hasRunningLocked(key) {
			loggedOut = append(loggedOut, identity)
		}
	}
	return loggedOut
}

// Touch bumps the session's LastSeenAt.
func (r *Registry) Touch(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.LastSeenAt = r.now()
}

// Snapshots returns a point-in-time copy of every session for the admin
// API.
func (r *Registry) Snapshots() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SessionSnapshot
	for _, sessions := range r.byID {
		for _, s := range sessions {
			out = append(out, SessionSnapshot{
				Identity:   s.Identity.String(),
				ClientAddr: s.ClientAddr,
				State:      s.state.String(),
				CreatedAt:  s.CreatedAt,
				LastSeenAt: s.LastSeenAt,
			})
		}
	}
	return out
}

// Counts returns the number of bound handlers and of RUNNING sessions.
func (r *Registry) Counts() (handlers, running int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers = len(r.byAddr)
	for _, sessions := range r.byID {
		for _, s := range sessions {
			if s.state == StateRunning {
				running++
			}
		}
	}
	return handlers, running
}

// transition moves a session to the new state, reporting the change.
// Caller holds the write lock.
func (r *Registry) transition(s *Session, to SessionState) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	r.metrics.SessionStateChange(from.String(), to.String())
	r.logger.Debug("session state change",
		slog.String("identity", s.Identity.String()),
		slog.String("client_addr", s.ClientAddr),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// hasRunningLocked reports whether the identity key still has a RUNNING
// session. Caller holds the lock.
func (r *Registry) hasRunningLocked(key string) bool {
	for _, s := range r.byID[key] {
		if s.state == StateRunning {
			return true
		}
	}
	return false
}

// SetClock replaces the registry clock. Test hook; call before use.
func (r *Registry) SetClock(c Clock) {
	if c != nil {
		r.clock = c
	}
}

func (r *Registry) now() time.Time { return r.clock.Now() }
