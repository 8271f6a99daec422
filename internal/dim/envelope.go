package dim

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Envelope — signed outer record
// -------------------------------------------------------------------------

// Envelope decode errors.
var (
	// ErrMalformedEnvelope indicates the JSON form could not be parsed
	// or is missing mandatory fields.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrSignatureInvalid indicates the signature does not verify
	// against the sender's public key. Per policy the envelope is
	// discarded with no reply to the sender.
	ErrSignatureInvalid = errors.New("envelope signature invalid")
)

// Envelope is the signed outer record of a reliable message. The station
// relays it without reading Data (the end-to-end ciphertext); Signature
// covers Data and is checked against the sender's public key from the
// Barrack. Immutable after decode.
type Envelope struct {
	// Sender is the originating identity.
	Sender ID

	// Receiver is the destination identity. A group-kind receiver makes
	// this a group message subject to membership expansion.
	Receiver ID

	// Time is the sender's clock in seconds since the Unix epoch.
	Time uint64

	// Group is the optional group context kept on expanded copies of a
	// group message.
	Group ID

	// Signature is the sender's signature over Data.
	Signature []byte

	// Data is the opaque end-to-end ciphertext.
	Data []byte

	// Meta is the optional inline meta record, passed through untouched
	// for the external identity layer.
	Meta json.RawMessage
}

// wireEnvelope is the JSON shape on all three transports.
type wireEnvelope struct {
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Time      uint64          `json:"time"`
	Group     string          `json:"group,omitempty"`
	Signature string          `json:"signature"`
	Data      string          `json:"data"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

// DecodeEnvelope parses one JSON envelope and verifies its signature via
// the Barrack. On a verification failure it returns ErrSignatureInvalid;
// the caller drops the envelope and sends nothing back.
func DecodeEnvelope(raw []byte, barrack Barrack) (*Envelope, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	verifier, err := barrack.VerifierFor(env.Sender)
	if err != nil {
		return nil, fmt.Errorf("resolve sender %s: %w", env.Sender, err)
	}
	if !verifier.Verify(env.Data, env.Signature) {
		return nil, fmt.Errorf("sender %s: %w", env.Sender, ErrSignatureInvalid)
	}
	return env, nil
}

// parseEnvelope parses the JSON form without signature verification.
func parseEnvelope(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if w.Sender == "" || w.Receiver == "" || w.Data == "" || w.Signature == "" {
		return nil, fmt.Errorf("%w: missing mandatory field", ErrMalformedEnvelope)
	}

	sender, err := ParseID(w.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %w", ErrMalformedEnvelope, err)
	}
	receiver, err := ParseID(w.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %w", ErrMalformedEnvelope, err)
	}

	env := &Envelope{
		Sender:   sender,
		Receiver: receiver,
		Time:     w.Time,
		Meta:     w.Meta,
	}

	if w.Group != "" {
		group, gErr := ParseID(w.Group)
		if gErr != nil {
			return nil, fmt.Errorf("%w: group: %w", ErrMalformedEnvelope, gErr)
		}
		env.Group = group
	}

	env.Signature, err = base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformedEnvelope, err)
	}
	env.Data, err = base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Encode renders the envelope back to its JSON wire form.
// parse(serialize(env)) == env as records.
func (e *Envelope) Encode() ([]byte, error) {
	w := wireEnvelope{
		Sender:    e.Sender.String(),
		Receiver:  e.Receiver.String(),
		Time:      e.Time,
		Signature: base64.StdEncoding.EncodeToString(e.Signature),
		Data:      base64.StdEncoding.EncodeToString(e.Data),
		Meta:      e.Meta,
	}
	if e.Group.IsValid() {
		w.Group = e.Group.String()
	}
	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}
