package dim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dims-network/station/internal/mailbox"
	"github.com/dims-network/station/internal/wire"
)

// syncFramer is a concurrency-safe push recorder for tests that drain
// from a background goroutine.
type syncFramer struct {
	stubFramer

	mu sync.Mutex
}

func (f *syncFramer) Push(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stubFramer.Push(p)
}

func (f *syncFramer) pushedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stubFramer.pushed)
}

// receptionistFixture bundles a receptionist with its collaborators.
type receptionistFixture struct {
	registry     *Registry
	mailbox      *memMailbox
	guests       *GuestQueue
	receptionist *Receptionist
}

func newReceptionistFixture(t *testing.T) *receptionistFixture {
	t.Helper()

	logger := discardLogger()
	fx := &receptionistFixture{
		registry: NewRegistry(logger, nil),
		mailbox:  newMemMailbox(),
		guests:   NewGuestQueue(8, logger),
	}
	fx.receptionist = NewReceptionist(fx.guests, fx.registry, fx.mailbox, nil, logger)
	fx.receptionist.backoff = time.Millisecond
	return fx
}

// bindRunning puts an identity online behind the given framer.
func bindRunning(t *testing.T, reg *Registry, id ID, addr string, fr wire.Framer) {
	t.Helper()

	h := &Handler{framer: fr, logger: discardLogger()}
	reg.BindHandler(addr, h)
	sess, err := reg.NewSession(id, addr)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	if err := reg.Promote(sess, newSessionKey()); err != nil {
		t.Fatalf("Promote() error: %v", err)
	}
	if err := reg.Activate(sess); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
}

func TestReceptionistDrainDeliversInOrder(t *testing.T) {
	t.Parallel()

	fx := newReceptionistFixture(t)
	bob := mkID(t, "bob", KindUser, 2)
	fr := &stubFramer{}
	bindRunning(t, fx.registry, bob, "192.0.2.20:1", fr)

	records := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, rec := range records {
		if err := fx.mailbox.Append(bob.Routing(), rec); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	fx.receptionist.drain(context.Background(), bob)

	if len(fr.pushed) != len(records) {
		t.Fatalf("pushed %d records, want %d", len(fr.pushed), len(records))
	}
	for i, rec := range records {
		if string(fr.pushed[i]) != string(rec) {
			t.Errorf("pushed[%d] = %q, want %q (mailbox order)", i, fr.pushed[i], rec)
		}
	}
	if left, _, _ := fx.mailbox.Load(bob.Routing()); len(left) != 0 {
		t.Error("mailbox should be truncated after a full drain")
	}
}

// lateAppendFramer appends one record to the mailbox from inside the
// first Push, like a dispatcher fallback landing mid-drain.
type lateAppendFramer struct {
	stubFramer

	mailbox  MailboxStore
	identity string
	appended bool
}

func (f *lateAppendFramer) Push(p []byte) error {
	if !f.appended {
		f.appended = true
		if err := f.mailbox.Append(f.identity, []byte("late-message")); err != nil {
			return err
		}
	}
	return f.stubFramer.Push(p)
}

func TestReceptionistDrainKeepsMidDrainAppend(t *testing.T) {
	t.Parallel()

	logger := discardLogger()
	store := mailbox.New(t.TempDir())
	registry := NewRegistry(logger, nil)
	guests := NewGuestQueue(8, logger)
	r := NewReceptionist(guests, registry, store, nil, logger)

	bob := mkID(t, "bob", KindUser, 2)
	fr := &lateAppendFramer{mailbox: store, identity: bob.Routing()}
	bindRunning(t, registry, bob, "192.0.2.20:1", fr)

	if err := store.Append(bob.Routing(), []byte("queued")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	r.drain(context.Background(), bob)

	if len(fr.pushed) != 1 || string(fr.pushed[0]) != "queued" {
		t.Fatalf("pushed = %q, want only the pre-drain record", fr.pushed)
	}
	left, _, err := store.Load(bob.Routing())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(left) != 1 || string(left[0]) != "late-message" {
		t.Errorf("mailbox after drain = %q, want the record appended mid-drain", left)
	}
}

func TestReceptionistOfflineGuestKeepsMailbox(t *testing.T) {
	t.Parallel()

	fx := newReceptionistFixture(t)
	bob := mkID(t, "bob", KindUser, 2)

	if err := fx.mailbox.Append(bob.Routing(), []byte("hello")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	// bob logged out between handshake and drain.
	fx.receptionist.drain(context.Background(), bob)

	if left, _, _ := fx.mailbox.Load(bob.Routing()); len(left) != 1 {
		t.Error("mailbox must stay intact when the guest is offline")
	}
	if fx.guests.Len() != 0 {
		t.Error("an offline guest is not re-enqueued")
	}
}

func TestReceptionistPushFailureRequeues(t *testing.T) {
	t.Parallel()

	fx := newReceptionistFixture(t)
	bob := mkID(t, "bob", KindUser, 2)
	fr := &stubFramer{pushFail: true}
	bindRunning(t, fx.registry, bob, "192.0.2.20:1", fr)

	if err := fx.mailbox.Append(bob.Routing(), []byte("hello")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	fx.receptionist.drain(context.Background(), bob)
	fx.receptionist.wg.Wait()

	if fx.guests.Len() != 1 {
		t.Errorf("guest queue length = %d after failed push, want 1", fx.guests.Len())
	}
	if left, _, _ := fx.mailbox.Load(bob.Routing()); len(left) != 1 {
		t.Error("mailbox must stay intact until a drain fully succeeds")
	}
}

func TestReceptionistRequeueStopsOnShutdown(t *testing.T) {
	t.Parallel()

	fx := newReceptionistFixture(t)
	fx.receptionist.backoff = time.Hour
	bob := mkID(t, "bob", KindUser, 2)
	fr := &stubFramer{pushFail: true}
	bindRunning(t, fx.registry, bob, "192.0.2.20:1", fr)

	if err := fx.mailbox.Append(bob.Routing(), []byte("hello")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	fx.receptionist.drain(ctx, bob)
	cancel()
	// Must return without waiting out the hour-long back-off.
	fx.receptionist.wg.Wait()

	if fx.guests.Len() != 0 {
		t.Error("a cancelled re-enqueue must not push the guest back")
	}
}

func TestReceptionistRunConsumesQueue(t *testing.T) {
	t.Parallel()

	fx := newReceptionistFixture(t)
	bob := mkID(t, "bob", KindUser, 2)
	fr := &syncFramer{}
	bindRunning(t, fx.registry, bob, "192.0.2.20:1", fr)

	if err := fx.mailbox.Append(bob.Routing(), []byte("hello")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.receptionist.Run(ctx)
	}()

	fx.guests.Push(bob)

	deadline := time.Now().Add(5 * time.Second)
	for fr.pushedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the receptionist to drain")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}
