// Package storage keeps small per-user JSON documents for the station's
// command processors: mute lists, encrypted contacts blobs. Documents
// are whole-file replaced with a rename for atomicity and keyed by
// (identity, document name) under <root>/users/<sha256(identity)>/.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound indicates no stored document for the identity. It wraps
// fs.ErrNotExist so callers behind the DocumentStore interface can test
// with errors.Is(err, fs.ErrNotExist).
var ErrNotFound = fmt.Errorf("document not found: %w", fs.ErrNotExist)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Store is the per-user document store. Safe for concurrent use.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a store rooted at <stateRoot>/users.
func New(stateRoot string) *Store {
	return &Store{root: filepath.Join(stateRoot, "users")}
}

// Put replaces the named document for the identity.
func (s *Store) Put(identity, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, hashID(identity))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create user dir for %s: %w", identity, err)
	}

	path := filepath.Join(dir, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write %s for %s: %w", name, identity, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s for %s: %w", name, identity, err)
	}
	return nil
}

// Get loads the named document, or ErrNotFound.
func (s *Store) Get(identity, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.root, hashID(identity), name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s for %s: %w", name, identity, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s for %s: %w", name, identity, err)
	}
	return data, nil
}

func hashID(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
