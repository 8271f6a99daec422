package dim

// This file implements the handshake finite state machine as a pure
// function over a transition table -- no side effects, no Session
// dependency. The caller (the connection handler) executes the returned
// actions: issuing a session key, repeating the challenge, accepting the
// login, or acknowledging an already-running session.
//
// State diagram:
//
//	         handshake(no key)          key match
//	FRESH ----------------------> CHALLENGED ------> RUNNING
//	  |        issue key            |   ^              |
//	  |                    mismatch |   | (same key     | any handshake
//	  |                             +---+  re-sent)     v  (idempotent)
//	  |                                               RUNNING
//	  +------------- socket error / close ----------> CLOSED  (absorbing)

// SessionState is the handshake lifecycle state of one session.
type SessionState uint8

const (
	// StateFresh is the state of a newly created session: the client
	// has connected but not yet been challenged.
	StateFresh SessionState = iota

	// StateChallenged means the station has issued a session key and is
	// waiting for the client to echo it.
	StateChallenged

	// StateRunning means the identity is authenticated and bound to the
	// connection; envelopes are dispatched.
	StateRunning

	// StateClosed is absorbing: the socket is gone or the session was
	// torn down. Reachable from every state.
	StateClosed
)

// stateNames maps session states to human-readable strings.
var stateNames = [4]string{"Fresh", "Challenged", "Running", "Closed"}

// String returns the human-readable name of the state.
func (s SessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// HandshakeEvent classifies one inbound handshake command against the
// session's stored key.
type HandshakeEvent uint8

const (
	// EventHello is a handshake command carrying no session key (or a
	// key when none has been issued yet).
	EventHello HandshakeEvent = iota

	// EventKeyMatch is a handshake command whose key equals the stored
	// session key exactly.
	EventKeyMatch

	// EventKeyMismatch is a handshake command whose key differs from
	// the stored session key.
	EventKeyMismatch

	// EventDisconnect is a socket error or orderly close.
	EventDisconnect
)

// String returns the human-readable name of the event.
func (e HandshakeEvent) String() string {
	switch e {
	case EventHello:
		return "Hello"
	case EventKeyMatch:
		return "KeyMatch"
	case EventKeyMismatch:
		return "KeyMismatch"
	case EventDisconnect:
		return "Disconnect"
	default:
		return "Unknown"
	}
}

// HandshakeAction is a side-effect the caller must execute after a
// transition.
type HandshakeAction uint8

const (
	// ActionIssueKey allocates a fresh 128-bit session key, stores it
	// on the session, and replies handshake_again with the key.
	ActionIssueKey HandshakeAction = iota + 1

	// ActionRepeatChallenge replies handshake_again with the already
	// stored key. The key is never rotated on a mismatch, which keeps a
	// delayed first response from confusing the client.
	ActionRepeatChallenge

	// ActionAccept activates the session: register the identity,
	// enqueue it for mailbox drain, reply handshake_success.
	ActionAccept

	// ActionAcknowledge replies handshake_success without touching the
	// registry (repeat handshake on a running session).
	ActionAcknowledge
)

// String returns the human-readable name of the action.
func (a HandshakeAction) String() string {
	switch a {
	case ActionIssueKey:
		return "IssueKey"
	case ActionRepeatChallenge:
		return "RepeatChallenge"
	case ActionAccept:
		return "Accept"
	case ActionAcknowledge:
		return "Acknowledge"
	default:
		return "Unknown"
	}
}

// handshakeKey is the transition table key.
type handshakeKey struct {
	state SessionState
	event HandshakeEvent
}

// handshakeTransition is the target state plus side-effects.
type handshakeTransition struct {
	newState SessionState
	actions  []HandshakeAction
}

// HandshakeResult is the outcome of applying one event.
type HandshakeResult struct {
	// OldState is the state before the event.
	OldState SessionState

	// NewState is the state after the event; equal to OldState when the
	// event is ignored or a self-loop.
	NewState SessionState

	// Actions lists side-effects for the caller, in order.
	Actions []HandshakeAction

	// Changed is true when NewState differs from OldState.
	Changed bool
}

// handshakeTable is the complete handshake transition table. Unlisted
// (state, event) pairs are ignored: in particular, nothing but
// EventDisconnect leaves StateClosed absorbing.
var handshakeTable = map[handshakeKey]handshakeTransition{
	// FRESH: any handshake draws a challenge. A client presenting a key
	// before one was issued is treated as a plain hello -- the station
	// has nothing to compare against, so it issues a fresh key.
	{StateFresh, EventHello}:       {StateChallenged, []HandshakeAction{ActionIssueKey}},
	{StateFresh, EventKeyMatch}:    {StateChallenged, []HandshakeAction{ActionIssueKey}},
	{StateFresh, EventKeyMismatch}: {StateChallenged, []HandshakeAction{ActionIssueKey}},
	{StateFresh, EventDisconnect}:  {StateClosed, nil},

	// CHALLENGED: only the exact stored key promotes to RUNNING.
	{StateChallenged, EventKeyMatch}:    {StateRunning, []HandshakeAction{ActionAccept}},
	{StateChallenged, EventKeyMismatch}: {StateChallenged, []HandshakeAction{ActionRepeatChallenge}},
	{StateChallenged, EventHello}:       {StateChallenged, []HandshakeAction{ActionRepeatChallenge}},
	{StateChallenged, EventDisconnect}:  {StateClosed, nil},

	// RUNNING: handshakes are idempotent.
	{StateRunning, EventHello}:       {StateRunning, []HandshakeAction{ActionAcknowledge}},
	{StateRunning, EventKeyMatch}:    {StateRunning, []HandshakeAction{ActionAcknowledge}},
	{StateRunning, EventKeyMismatch}: {StateRunning, []HandshakeAction{ActionAcknowledge}},
	{StateRunning, EventDisconnect}:  {StateClosed, nil},
}

// ApplyHandshake applies an event to the given state and returns the
// result. Pure function; the caller executes the returned actions under
// the registry lock where they touch registry state.
func ApplyHandshake(current SessionState, event HandshakeEvent) HandshakeResult {
	tr, ok := handshakeTable[handshakeKey{state: current, event: event}]
	if !ok {
		return HandshakeResult{
			OldState: current,
			NewState: current,
		}
	}
	return HandshakeResult{
		OldState: current,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  current != tr.newState,
	}
}

// ClassifyHandshake maps a handshake command's presented key and the
// session's stored key to the FSM event. This keeps the comparison rule
// in one place: an exact match of the stored key, nothing less.
func ClassifyHandshake(presented string, stored []byte, state SessionState) HandshakeEvent {
	if presented == "" {
		return EventHello
	}
	if state == StateChallenged && presented == encodeSessionKey(stored) {
		return EventKeyMatch
	}
	if state == StateRunning {
		// Key content is irrelevant once running; the table treats all
		// three command events identically there.
		return EventKeyMatch
	}
	return EventKeyMismatch
}
