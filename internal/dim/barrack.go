package dim

import "errors"

// Collaborator lookup errors. Implementations return these (possibly
// wrapped) so the decoder and dispatcher can classify failures.
var (
	// ErrIdentityUnknown indicates the Barrack has no record for an ID.
	ErrIdentityUnknown = errors.New("identity unknown")

	// ErrNoMembers indicates a group has no resolvable member list.
	ErrNoMembers = errors.New("group has no members")
)

// Verifier checks a signature made by one identity's private key.
// The concrete algorithm belongs to the external identity layer.
type Verifier interface {
	// Verify reports whether sig is a valid signature over data.
	Verify(data, sig []byte) bool
}

// Barrack resolves identities: public keys for signature checks and
// member lists for group fan-out. The production resolver (meta and
// profile verification, address-name service) lives outside the core;
// the station only depends on this contract.
type Barrack interface {
	// VerifierFor returns the signature verifier for an identity.
	// Returns ErrIdentityUnknown (wrapped) when the identity cannot
	// be resolved.
	VerifierFor(id ID) (Verifier, error)

	// Members returns the member list of a group, owner included.
	// Returns ErrNoMembers (wrapped) when the group is unknown or empty.
	Members(group ID) ([]ID, error)
}

// Forwarder delivers an envelope to a neighboring station. The core
// calls it for receivers that match the configured neighbor ID; there is
// no in-core implementation beyond a logging stub.
type Forwarder interface {
	// ForwardToNeighbor hands off the original envelope bytes.
	ForwardToNeighbor(receiver ID, data []byte) error
}

// ContentCoder bridges the core to the external crypto layer for the
// only two payloads the station must read or produce itself: commands
// addressed to the station, and station-originated replies (receipts,
// handshake commands).
//
// User-to-user ciphertext never passes through this interface.
type ContentCoder interface {
	// Open returns the plaintext content of an envelope addressed to
	// the station itself.
	Open(env *Envelope) ([]byte, error)

	// Seal wraps station-originated content into a signed envelope,
	// returning its wire (JSON) form.
	Seal(receiver ID, content []byte) ([]byte, error)
}
