package dim

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// -------------------------------------------------------------------------
// Station Commands — the only content kinds the core reads or writes
// -------------------------------------------------------------------------

// Command names used by the core. Everything else is opaque and goes to
// the processor table.
const (
	// CmdHandshake is the client's login command.
	CmdHandshake = "handshake"

	// CmdHandshakeAgain is the station's challenge carrying the session key.
	CmdHandshakeAgain = "handshake_again"

	// CmdHandshakeSuccess is the station's login acknowledgement.
	CmdHandshakeSuccess = "handshake_success"

	// CmdReceipt is the station-signed delivery acknowledgement.
	CmdReceipt = "receipt"

	// CmdMute manages the sender's server-side mute list.
	CmdMute = "mute"

	// CmdStorage stores or fetches an opaque per-user blob, keyed by
	// the "title" field.
	CmdStorage = "storage"
)

// StorageTitleContacts is the storage title for the encrypted contacts
// blob.
const StorageTitleContacts = "contacts"

// Receipt status values.
const (
	// ReceiptDelivering acknowledges a message pushed online or stored
	// in the receiver's mailbox.
	ReceiptDelivering = "delivering"

	// ReceiptRejected reports an unresolvable receiver.
	ReceiptRejected = "rejected"

	// ReceiptFailed reports a mailbox I/O failure; the session survives.
	ReceiptFailed = "failed"
)

// ErrNotCommand indicates station-addressed content that is not a
// command object.
var ErrNotCommand = errors.New("content is not a command")

// Command is the JSON content of a station-directed message. Fields
// beyond the fixed set ride along in Extra so processors (mute list,
// contacts storage) can read their own keys.
type Command struct {
	// Name is the command name ("handshake", "mute", ...).
	Name string `json:"command"`

	// Message is a human-readable note ("Hello world!", "DIM?").
	Message string `json:"message,omitempty"`

	// SessionKey is the handshake session key, base64.
	SessionKey string `json:"session,omitempty"`

	// Extra holds processor-specific keys verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// commandAlias avoids recursing into UnmarshalJSON.
type commandAlias Command

// UnmarshalJSON parses the fixed fields and collects every other key
// into Extra.
func (c *Command) UnmarshalJSON(data []byte) error {
	var a commandAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "command")
	delete(all, "message")
	delete(all, "session")
	a.Extra = all
	*c = Command(a)
	return nil
}

// MarshalJSON renders the fixed fields plus Extra at the top level.
func (c Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	name, err := json.Marshal(c.Name)
	if err != nil {
		return nil, err
	}
	out["command"] = name
	if c.Message != "" {
		msg, mErr := json.Marshal(c.Message)
		if mErr != nil {
			return nil, mErr
		}
		out["message"] = msg
	}
	if c.SessionKey != "" {
		key, kErr := json.Marshal(c.SessionKey)
		if kErr != nil {
			return nil, kErr
		}
		out["session"] = key
	}
	return json.Marshal(out)
}

// StringField returns an Extra key as a string, or "" when absent or
// not a JSON string.
func (c *Command) StringField(key string) string {
	raw, ok := c.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ParseCommand parses plaintext content as a command object.
func ParseCommand(content []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotCommand, err)
	}
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty command name", ErrNotCommand)
	}
	return &c, nil
}

// -------------------------------------------------------------------------
// Receipt — station acknowledgement
// -------------------------------------------------------------------------

// Receipt is the station's acknowledgement for one inbound envelope.
// It echoes the envelope coordinates so the sender can match it to the
// original message; SN is a fresh identifier for client-side dedup.
type Receipt struct {
	Command   string `json:"command"`
	SN        string `json:"sn"`
	Status    string `json:"status"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Time      uint64 `json:"time"`
	Group     string `json:"group,omitempty"`
	Signature string `json:"signature"`
}

// NewReceipt builds a receipt for env with the given delivery status.
func NewReceipt(env *Envelope, status string) *Receipt {
	r := &Receipt{
		Command:   CmdReceipt,
		SN:        uuid.NewString(),
		Status:    status,
		Sender:    env.Sender.String(),
		Receiver:  env.Receiver.String(),
		Time:      env.Time,
		Signature: base64.StdEncoding.EncodeToString(env.Signature),
	}
	if env.Group.IsValid() {
		r.Group = env.Group.String()
	}
	return r
}

// Encode renders the receipt content as JSON.
func (r *Receipt) Encode() ([]byte, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// PlainCoder — default ContentCoder
// -------------------------------------------------------------------------

// Signer signs station-originated content with the station's own key.
type Signer interface {
	Sign(data []byte) []byte
}

// PlainCoder is the default ContentCoder: station-directed content is
// carried as plain JSON inside the base64 data field, and station
// replies are signed with the station's key. Deployments that terminate
// end-to-end crypto in an external gateway replace this with their own
// coder; the core only sees the interface.
type PlainCoder struct {
	station ID
	signer  Signer
	clock   Clock
}

// NewPlainCoder builds a PlainCoder for the given station identity.
func NewPlainCoder(station ID, signer Signer, clock Clock) *PlainCoder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &PlainCoder{station: station, signer: signer, clock: clock}
}

// Open returns the content of an envelope addressed to the station.
func (p *PlainCoder) Open(env *Envelope) ([]byte, error) {
	return env.Data, nil
}

// Seal wraps content into a station-signed envelope in wire form.
func (p *PlainCoder) Seal(receiver ID, content []byte) ([]byte, error) {
	env := &Envelope{
		Sender:    p.station,
		Receiver:  receiver,
		Time:      uint64(p.clock.Now().Unix()),
		Data:      content,
		Signature: p.signer.Sign(content),
	}
	return env.Encode()
}
