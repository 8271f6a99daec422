package dim

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Receptionist — drains mailboxes for freshly logged-in users
// -------------------------------------------------------------------------

// defaultGuestQueueSize bounds the login backlog. A dropped entry only
// delays the drain until the user's next login.
const defaultGuestQueueSize = 256

// defaultDrainBackoff is the pause before retrying a failed drain.
const defaultDrainBackoff = time.Second

// GuestQueue is the FIFO of identities that just completed a handshake
// and may have mail waiting. Push never blocks the handshake path.
type GuestQueue struct {
	ch     chan ID
	logger *slog.Logger
}

// NewGuestQueue creates a queue with the given capacity (0 means the
// default).
func NewGuestQueue(size int, logger *slog.Logger) *GuestQueue {
	if size <= 0 {
		size = defaultGuestQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GuestQueue{
		ch:     make(chan ID, size),
		logger: logger,
	}
}

// Push enqueues an identity. When the queue is full the entry is
// dropped; the mailbox stays intact and drains on the next login.
func (q *GuestQueue) Push(id ID) {
	select {
	case q.ch <- id:
	default:
		q.logger.Warn("guest queue full, dropping entry",
			slog.String("identity", id.String()),
		)
	}
}

// Len reports the current backlog, for stats.
func (q *GuestQueue) Len() int { return len(q.ch) }

// Receptionist pops guests off the queue and pushes their stored mail
// through the live handler, in mailbox order, truncating only the
// loaded batch once the whole batch went out. Records appended while a
// drain is in flight sit past the batch cursor and survive for the
// next drain. A failed push re-enqueues the guest after a back-off;
// already-pushed records are delivered again then, so the mailbox is
// at-least-once and clients dedup by message identifier.
type Receptionist struct {
	guests   *GuestQueue
	registry *Registry
	mailbox  MailboxStore
	metrics  MetricsReporter
	logger   *slog.Logger
	backoff  time.Duration

	wg sync.WaitGroup
}

// NewReceptionist creates a Receptionist over the shared guest queue.
func NewReceptionist(guests *GuestQueue, registry *Registry, mailbox MailboxStore, metrics MetricsReporter, logger *slog.Logger) *Receptionist {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receptionist{
		guests:   guests,
		registry: registry,
		mailbox:  mailbox,
		metrics:  metrics,
		logger:   logger,
		backoff:  defaultDrainBackoff,
	}
}

// Run consumes the guest queue until ctx is cancelled. It returns after
// every pending re-enqueue timer has settled.
func (r *Receptionist) Run(ctx context.Context) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case guest := <-r.guests.ch:
			r.drain(ctx, guest)
		}
	}
}

// drain delivers the guest's stored mail through their live handler.
func (r *Receptionist) drain(ctx context.Context, guest ID) {
	h := r.registry.HandlerFor(guest)
	if h == nil {
		// Logged out between enqueue and drain.
		return
	}

	records, cursor, err := r.mailbox.Load(guest.Routing())
	if err != nil {
		r.logger.Error("mailbox load failed",
			slog.String("identity", guest.String()),
			slog.String("error", err.Error()),
		)
		r.requeue(ctx, guest)
		return
	}
	if len(records) == 0 {
		return
	}

	for i, rec := range records {
		if err := h.Push(rec); err != nil {
			r.logger.Warn("mailbox push failed, re-enqueueing guest",
				slog.String("identity", guest.String()),
				slog.Int("delivered", i),
				slog.Int("pending", len(records)-i),
			)
			r.requeue(ctx, guest)
			return
		}
	}

	if err := r.mailbox.Truncate(guest.Routing(), cursor); err != nil {
		r.logger.Error("mailbox truncate failed",
			slog.String("identity", guest.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.metrics.MailboxDrained(len(records))
	r.logger.Info("mailbox drained",
		slog.String("identity", guest.String()),
		slog.Int("messages", len(records)),
	)
}

// requeue puts the guest back after the back-off, unless shutting down.
func (r *Receptionist) requeue(ctx context.Context, guest ID) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(r.backoff):
			r.guests.Push(guest)
		}
	}()
}
