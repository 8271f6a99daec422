// Package barrack implements the identity directory backing envelope
// verification and group expansion. Identities, their ed25519 public
// keys and group member lists are loaded from a YAML address book at
// startup; lookups afterwards are lock-free reads. A deployment wired
// to a metadata chain or a directory service would implement the same
// interfaces against that backend.
package barrack

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dims-network/station/internal/dim"
)

// File is the on-disk address book shape.
type File struct {
	// Users maps identity strings to base64 ed25519 public keys.
	Users []UserEntry `yaml:"users"`

	// Groups maps group identity strings to member identity lists.
	Groups []GroupEntry `yaml:"groups"`
}

// UserEntry is one identity with its verification key.
type UserEntry struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"`
}

// GroupEntry is one group with its member list.
type GroupEntry struct {
	ID      string   `yaml:"id"`
	Members []string `yaml:"members"`
}

// Book is the loaded address book. Immutable after Load except through
// Reload, which swaps the whole index under the lock.
type Book struct {
	mu     sync.RWMutex
	path   string
	keys   map[string]ed25519.PublicKey
	groups map[string][]dim.ID
}

// Load reads and indexes the address book at path.
func Load(path string) (*Book, error) {
	b := &Book{path: path}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the address book from disk, replacing the index
// atomically. Used by the SIGHUP handler.
func (b *Book) Reload() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read address book: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse address book: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(f.Users))
	for _, u := range f.Users {
		id, err := dim.ParseID(u.ID)
		if err != nil {
			return fmt.Errorf("address book user %q: %w", u.ID, err)
		}
		key, err := base64.StdEncoding.DecodeString(u.PublicKey)
		if err != nil {
			return fmt.Errorf("address book key for %q: %w", u.ID, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("address book key for %q: %d bytes", u.ID, len(key))
		}
		keys[id.Routing()] = ed25519.PublicKey(key)
	}

	groups := make(map[string][]dim.ID, len(f.Groups))
	for _, g := range f.Groups {
		id, err := dim.ParseID(g.ID)
		if err != nil {
			return fmt.Errorf("address book group %q: %w", g.ID, err)
		}
		members := make([]dim.ID, 0, len(g.Members))
		for _, m := range g.Members {
			mid, err := dim.ParseID(m)
			if err != nil {
				return fmt.Errorf("address book group %q member %q: %w", g.ID, m, err)
			}
			members = append(members, mid)
		}
		groups[id.Routing()] = members
	}

	b.mu.Lock()
	b.keys = keys
	b.groups = groups
	b.mu.Unlock()
	return nil
}

// VerifierFor returns the signature verifier for the identity, or
// dim.ErrIdentityUnknown.
func (b *Book) VerifierFor(id dim.ID) (dim.Verifier, error) {
	b.mu.RLock()
	key, ok := b.keys[id.Routing()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", dim.ErrIdentityUnknown, id)
	}
	return ed25519Verifier{key: key}, nil
}

// Members returns the group's member list, or dim.ErrNoMembers.
func (b *Book) Members(group dim.ID) ([]dim.ID, error) {
	b.mu.RLock()
	members, ok := b.groups[group.Routing()]
	b.mu.RUnlock()
	if !ok || len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", dim.ErrNoMembers, group)
	}
	out := make([]dim.ID, len(members))
	copy(out, members)
	return out, nil
}

// Counts reports indexed identities and groups, for stats.
func (b *Book) Counts() (users, groups int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys), len(b.groups)
}

// ed25519Verifier checks ed25519 signatures for one identity.
type ed25519Verifier struct {
	key ed25519.PublicKey
}

func (v ed25519Verifier) Verify(data, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.key, data, signature)
}

// -------------------------------------------------------------------------
// Station signer
// -------------------------------------------------------------------------

// Signer signs station-originated content (receipts, handshake replies)
// with the station's ed25519 private key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner builds a signer from a base64 ed25519 seed or full private
// key.
func NewSigner(encoded string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode station key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("station key is %d bytes", len(raw))
	}
}

// NewSignerFromFile reads the base64 key material from a file.
func NewSignerFromFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station key: %w", err)
	}
	return NewSigner(string(bytes.TrimSpace(raw)))
}

// Sign returns the ed25519 signature over data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.key, data)
}

// Public returns the station's base64 public key, for publishing in
// address books.
func (s *Signer) Public() string {
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}
