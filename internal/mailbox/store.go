// Package mailbox stores undelivered reliable messages per identity in
// an append-only, length-prefixed log. Append is durable before it
// returns; Load reads records in append order and hands back the log
// offset of the batch it read; Truncate drops only that prefix after
// the caller has pushed every record, giving at-least-once delivery
// across crashes (message IDs inside the ciphertext let the client
// deduplicate). Records appended while a batch is in flight land past
// the offset and survive the truncate.
//
// Layout: <root>/mailbox/<sha256(identity)>/queue.log, with a sibling
// "meta" file written once holding the identity string for operators.
package mailbox

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Record framing: u32 big-endian length prefix, then the payload.
const lengthPrefixSize = 4

// maxRecordSize rejects corrupt length prefixes before allocating.
// Matches the transport packet cap.
const maxRecordSize = 1 << 20

// ErrCorruptRecord indicates a record whose length prefix is implausible
// or whose payload is cut short. Load stops at the first corrupt record
// and returns what it read, so a torn final append does not wedge the
// mailbox.
var ErrCorruptRecord = errors.New("corrupt mailbox record")

// dirPerm and filePerm for state files.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Store is the per-identity mailbox store. Safe for concurrent use:
// appends and drains for one identity serialize on a per-identity lock;
// different identities do not contend.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at <stateRoot>/mailbox.
func New(stateRoot string) *Store {
	return &Store{
		root:  filepath.Join(stateRoot, "mailbox"),
		locks: make(map[string]*sync.Mutex),
	}
}

// Append durably adds one record to the identity's mailbox. The record
// is fsynced before Append returns.
func (s *Store) Append(identity string, data []byte) error {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	dir, err := s.ensureDir(identity)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, "queue.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("open mailbox for %s: %w", identity, err)
	}
	defer f.Close()

	rec := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(rec[:lengthPrefixSize], uint32(len(data)))
	copy(rec[lengthPrefixSize:], data)

	if _, err := f.Write(rec); err != nil {
		return fmt.Errorf("append mailbox record for %s: %w", identity, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync mailbox for %s: %w", identity, err)
	}
	return nil
}

// Load reads every record in append order without removing anything,
// plus the log offset at the end of the last intact record. Records are
// deleted only by Truncate with that offset, after the caller has
// delivered them. A missing mailbox yields an empty slice.
func (s *Store) Load(identity string) ([][]byte, int64, error) {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.queuePath(identity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open mailbox for %s: %w", identity, err)
	}
	defer f.Close()

	var records [][]byte
	var offset int64
	prefix := make([]byte, lengthPrefixSize)
	for {
		if _, err := io.ReadFull(f, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				return records, offset, nil
			}
			// Torn length prefix at the tail: deliver what we have.
			return records, offset, nil
		}
		n := binary.BigEndian.Uint32(prefix)
		if n == 0 || n > maxRecordSize {
			return records, offset, fmt.Errorf("%w: declared %d bytes", ErrCorruptRecord, n)
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(f, rec); err != nil {
			// Torn payload at the tail.
			return records, offset, nil
		}
		records = append(records, rec)
		offset += int64(lengthPrefixSize) + int64(n)
	}
}

// Truncate removes the first offset bytes of the identity's log -- the
// prefix a preceding Load returned. Called by the receptionist after a
// fully acknowledged drain. Records appended after that Load sit past
// the offset and are kept for the next drain.
func (s *Store) Truncate(identity string, offset int64) error {
	lock := s.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	if offset <= 0 {
		return nil
	}
	path := s.queuePath(identity)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open mailbox for %s: %w", identity, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mailbox for %s: %w", identity, err)
	}
	if info.Size() <= offset {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("truncate mailbox for %s: %w", identity, err)
		}
		return nil
	}
	return rotate(f, path, offset, identity)
}

// rotate rewrites the log keeping only the bytes past offset, via a
// fsynced temp file renamed over the original.
func rotate(f *os.File, path string, offset int64, identity string) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("rotate mailbox for %s: %w", identity, err)
	}
	defer tmp.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("rotate mailbox for %s: %w", identity, err)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		return fmt.Errorf("rotate mailbox for %s: %w", identity, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("rotate mailbox for %s: %w", identity, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rotate mailbox for %s: %w", identity, err)
	}
	return nil
}

// queuePath returns the identity's log path.
func (s *Store) queuePath(identity string) string {
	return filepath.Join(s.root, hashID(identity), "queue.log")
}

// ensureDir creates the identity's directory and writes the meta file
// (hash -> identity mapping) the first time.
func (s *Store) ensureDir(identity string) (string, error) {
	dir := filepath.Join(s.root, hashID(identity))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create mailbox dir for %s: %w", identity, err)
	}
	meta := filepath.Join(dir, "meta")
	if _, err := os.Stat(meta); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(meta, []byte(identity+"\n"), filePerm); err != nil {
			return "", fmt.Errorf("write mailbox meta for %s: %w", identity, err)
		}
	}
	return dir, nil
}

// lockFor returns the per-identity mutex, creating it on first use.
func (s *Store) lockFor(identity string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		s.locks[identity] = l
	}
	return l
}

// hashID returns the stable directory name for an identity string.
func hashID(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
