package mailbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dims-network/station/internal/mailbox"
)

const identity = "alice@4DnqXXX"

func TestAppendLoadOrder(t *testing.T) {
	t.Parallel()

	store := mailbox.New(t.TempDir())
	records := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, rec := range records {
		if err := store.Append(identity, rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	got, _, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("Load() returned %d records, want %d", len(got), len(records))
	}
	for i, rec := range records {
		if string(got[i]) != string(rec) {
			t.Errorf("record %d = %q, want %q (append order)", i, got[i], rec)
		}
	}

	// Load does not consume.
	again, _, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(again) != len(records) {
		t.Errorf("second Load() returned %d records, want %d", len(again), len(records))
	}
}

func TestLoadMissingMailbox(t *testing.T) {
	t.Parallel()

	store := mailbox.New(t.TempDir())
	got, offset, err := store.Load("nobody@anywhere")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 0 || offset != 0 {
		t.Errorf("Load() of a missing mailbox = %d records at offset %d, want none", len(got), offset)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	store := mailbox.New(t.TempDir())
	if err := store.Append(identity, []byte("pending")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_, offset, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := store.Truncate(identity, offset); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}

	got, _, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() after Truncate returned %d records, want none", len(got))
	}

	// Truncating an already-empty mailbox is fine.
	if err := store.Truncate(identity, offset); err != nil {
		t.Errorf("second Truncate() error: %v", err)
	}
}

func TestTruncateKeepsRecordsPastOffset(t *testing.T) {
	t.Parallel()

	store := mailbox.New(t.TempDir())
	if err := store.Append(identity, []byte("drained-1")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Append(identity, []byte("drained-2")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	batch, offset, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("Load() returned %d records, want 2", len(batch))
	}

	// A record lands while the loaded batch is being pushed.
	if err := store.Append(identity, []byte("late-message")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Truncate(identity, offset); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}

	left, _, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(left) != 1 || string(left[0]) != "late-message" {
		t.Errorf("Load() after Truncate = %q, want only the record appended past the offset", left)
	}
}

func TestAppendAfterTruncate(t *testing.T) {
	t.Parallel()

	store := mailbox.New(t.TempDir())
	if err := store.Append(identity, []byte("old")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_, offset, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := store.Truncate(identity, offset); err != nil {
		t.Fatalf("Truncate() error: %v", err)
	}
	if err := store.Append(identity, []byte("new")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, _, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "new" {
		t.Errorf("Load() = %q, want only the post-truncate record", got)
	}
}

func TestLoadToleratesTornTail(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := mailbox.New(root)
	if err := store.Append(identity, []byte("complete")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_, intact, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Simulate a crash mid-append: a length prefix promising more bytes
	// than the file holds.
	queue := findQueueLog(t, root)
	f, err := os.OpenFile(queue, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("open queue log: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x00, 0xFF, 'x'}); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	got, offset, err := store.Load(identity)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "complete" {
		t.Errorf("Load() = %q, want the intact records before the torn tail", got)
	}
	if offset != intact {
		t.Errorf("offset = %d, want %d (torn tail excluded)", offset, intact)
	}
}

// findQueueLog locates the single queue.log under the state root.
func findQueueLog(t *testing.T, root string) string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(root, "mailbox", "*", "queue.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one queue.log, got %v (err %v)", matches, err)
	}
	return matches[0]
}
