package dim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// -------------------------------------------------------------------------
// Network Kind — address type tag
// -------------------------------------------------------------------------

// Kind is the network-kind tag carried in the first byte of a decoded
// address. It decides how the dispatcher routes an envelope: user-kind
// receivers are pushed or mailboxed, group-kind receivers are expanded
// to members, station-kind receivers are either the local station
// (command processing) or a neighbor (forwarding).
type Kind uint8

const (
	// KindUser is a personal account address.
	KindUser Kind = 0x08

	// KindGroup is a multi-person chat group (polylogue).
	KindGroup Kind = 0x10

	// KindChatroom is a large group with an owner and administrators.
	// Chatroom addresses carry the group bit and route like groups.
	KindChatroom Kind = 0x30

	// KindProvider is a service provider address.
	KindProvider Kind = 0x76

	// KindStation is a relay station address.
	KindStation Kind = 0x88

	// KindBot is an automated account address. Bots route like users.
	KindBot Kind = 0xC8

	// KindBroadcast is the pseudo-kind of the reserved broadcast
	// addresses "anywhere" and "everywhere".
	KindBroadcast Kind = 0xFF
)

// groupBit marks group-kind addresses (polylogue and chatroom).
const groupBit = 0x10

// userBit marks user-kind addresses (user, bot, station).
const userBit = 0x08

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "User"
	case KindGroup:
		return "Group"
	case KindChatroom:
		return "Chatroom"
	case KindProvider:
		return "Provider"
	case KindStation:
		return "Station"
	case KindBot:
		return "Bot"
	case KindBroadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(k))
	}
}

// IsUser reports whether the kind routes as a single deliverable account
// (user, bot or station; not a group).
func (k Kind) IsUser() bool {
	return k&userBit != 0 && k&groupBit == 0
}

// IsGroup reports whether the kind routes by membership expansion.
func (k Kind) IsGroup() bool {
	return k != KindBroadcast && k&groupBit != 0
}

// IsStation reports whether the address belongs to a relay station.
func (k Kind) IsStation() bool {
	return k == KindStation
}

// -------------------------------------------------------------------------
// Identifier — name@address[/terminal]
// -------------------------------------------------------------------------

// Reserved broadcast addresses. "anywhere" targets any single station,
// "everywhere" targets the whole network.
const (
	AddressAnywhere   = "anywhere"
	AddressEverywhere = "everywhere"
)

// Identifier parse errors.
var (
	// ErrEmptyID indicates an empty identifier string.
	ErrEmptyID = errors.New("identifier is empty")

	// ErrMissingAddress indicates an identifier without an address part.
	ErrMissingAddress = errors.New("identifier has no address")

	// ErrBadAddress indicates an address that is neither a reserved
	// broadcast address nor a well-formed base58 string with a kind tag.
	ErrBadAddress = errors.New("identifier address is malformed")
)

// ID is a DIM identifier: a {name, address, terminal} triple rendered as
// name@address[/terminal]. IDs are value-typed and immutable; equality is
// by string form (String()). The network kind is decoded once at parse
// time from the first byte of the base58 address.
type ID struct {
	Name     string
	Address  string
	Terminal string

	kind Kind
}

// Anyone is the reserved ID anyone@anywhere.
var Anyone = ID{Name: "anyone", Address: AddressAnywhere, kind: KindBroadcast}

// Everyone is the reserved ID everyone@everywhere.
var Everyone = ID{Name: "everyone", Address: AddressEverywhere, kind: KindBroadcast}

// ParseID parses an identifier of the form name@address[/terminal].
// The address is either a reserved broadcast word or a base58 string
// whose first decoded byte is the network-kind tag.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, ErrEmptyID
	}

	var id ID

	// Split off the terminal (resource) part first: name@address/terminal.
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		id.Terminal = s[slash+1:]
		s = s[:slash]
	}

	at := strings.IndexByte(s, '@')
	if at < 0 {
		// Address without a name is legal for broadcast forms.
		id.Address = s
	} else {
		id.Name = s[:at]
		id.Address = s[at+1:]
	}
	if id.Address == "" {
		return ID{}, ErrMissingAddress
	}

	kind, err := addressKind(id.Address)
	if err != nil {
		return ID{}, fmt.Errorf("parse %q: %w", s, err)
	}
	id.kind = kind
	return id, nil
}

// MustParseID is ParseID for identifiers known to be valid, such as the
// station's own configured ID. It panics on error.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// addressKind decodes the network-kind tag from an address string.
func addressKind(addr string) (Kind, error) {
	switch strings.ToLower(addr) {
	case AddressAnywhere, AddressEverywhere:
		return KindBroadcast, nil
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	if len(raw) < 2 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadAddress, len(raw))
	}
	return Kind(raw[0]), nil
}

// Kind returns the network-kind tag of the address.
func (id ID) Kind() Kind { return id.kind }

// IsValid reports whether the ID was produced by a successful parse.
func (id ID) IsValid() bool { return id.Address != "" }

// IsBroadcast reports whether the ID is one of the reserved broadcast
// forms (anywhere / everywhere address).
func (id ID) IsBroadcast() bool { return id.kind == KindBroadcast }

// String renders the identifier as name@address[/terminal].
func (id ID) String() string {
	var sb strings.Builder
	if id.Name != "" {
		sb.WriteString(id.Name)
		sb.WriteByte('@')
	}
	sb.WriteString(id.Address)
	if id.Terminal != "" {
		sb.WriteByte('/')
		sb.WriteString(id.Terminal)
	}
	return sb.String()
}

// Equal reports whether two IDs have the same string form, ignoring the
// terminal part: the same account logged in from two terminals is the
// same identity for routing purposes.
func (id ID) Equal(other ID) bool {
	return id.Name == other.Name && id.Address == other.Address
}

// Routing returns the identity string without the terminal part. This is
// the key used by the session registry and the mailbox store.
func (id ID) Routing() string {
	if id.Name == "" {
		return id.Address
	}
	return id.Name + "@" + id.Address
}
