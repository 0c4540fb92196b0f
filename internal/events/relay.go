// Package events carries the engine's outbound notices (receipts, audit
// records, reputation deltas, activation transitions, escrow releases) to
// external collaborators, and brings completion signals in.
//
// The core never waits on delivery: producers hand events to a bounded
// Relay queue and move on. A full queue drops the event and counts it.
// Escrow releases are the exception. They move funds back to a party, so
// they go to an unbounded outbox instead and each sink that fails one is
// retried with exponential backoff until it accepts it.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
)

// Kind tags an outbound event.
type Kind string

const (
	KindReceipt    Kind = "receipt"
	KindAudit      Kind = "audit"
	KindReputation Kind = "reputation"
	KindActivation Kind = "activation"
	KindEscrow     Kind = "escrow"
)

// Event is the envelope every sink receives.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Key     string    `json:"key"` // partition key
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Sink delivers events to one destination.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// deliverTimeout bounds one sink delivery.
const deliverTimeout = 5 * time.Second

// Retry bounds for outbox deliveries.
const (
	retryInitial = 200 * time.Millisecond
	retryMax     = 30 * time.Second
)

// outboxEntry is an escrow event still owed to some sinks.
type outboxEntry struct {
	ev      Event
	pending []Sink
	next    time.Time
	backoff *backoff.ExponentialBackOff
}

// Relay fans events out to sinks from a single goroutine.
type Relay struct {
	queue  chan Event
	sinks  []Sink
	logger *slog.Logger

	mu     sync.Mutex
	outbox []*outboxEntry
	wake   chan struct{}
}

// NewRelay creates a relay with a queue of the given size.
func NewRelay(size int, logger *slog.Logger, sinks ...Sink) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		queue:  make(chan Event, size),
		sinks:  sinks,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// PublishReceipt queues a match receipt.
func (r *Relay) PublishReceipt(rc model.Receipt) { r.enqueue(KindReceipt, rc.JobID, rc) }

// PublishAudit queues a committed audit record.
func (r *Relay) PublishAudit(rec model.AuditRecord) { r.enqueue(KindAudit, rec.Entity, rec) }

// PublishReputation queues a reputation delta for gossip.
func (r *Relay) PublishReputation(d model.ReputationDelta) {
	r.enqueue(KindReputation, d.ProviderID, d)
}

// PublishActivation queues an activation transition.
func (r *Relay) PublishActivation(t model.ActivationTransition) {
	r.enqueue(KindActivation, "activation", t)
}

// ReleaseEscrow puts an escrow release instruction in the outbox. It is
// never dropped.
func (r *Relay) ReleaseEscrow(e model.EscrowRelease) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitial
	b.MaxInterval = retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	r.mu.Lock()
	r.outbox = append(r.outbox, &outboxEntry{
		ev:      newEvent(KindEscrow, e.Party, e),
		pending: append([]Sink(nil), r.sinks...),
		backoff: b,
	})
	n := len(r.outbox)
	r.mu.Unlock()
	metrics.RelayOutbox.Set(float64(n))

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func newEvent(kind Kind, key string, payload any) Event {
	return Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Key:     key,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

func (r *Relay) enqueue(kind Kind, key string, payload any) {
	ev := newEvent(kind, key, payload)
	select {
	case r.queue <- ev:
	default:
		metrics.RelayDropped.WithLabelValues(string(kind)).Inc()
		r.logger.Warn("relay full, event dropped", "kind", kind, "key", key)
	}
}

// Pending returns the number of queued events.
func (r *Relay) Pending() int {
	return len(r.queue)
}

// Outstanding returns the number of escrow events not yet accepted by every
// sink.
func (r *Relay) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already queued and makes a last attempt at the outbox.
func (r *Relay) Run(ctx context.Context) {
	retry := time.NewTimer(time.Hour)
	defer retry.Stop()
	for {
		if wait, ok := r.drainOutbox(ctx); ok {
			retry.Reset(wait)
		}
		select {
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		case <-r.wake:
		case <-retry.C:
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Relay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	r.drainOutbox(ctx)
	for {
		select {
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		default:
			if n := r.Outstanding(); n > 0 {
				r.logger.Error("escrow releases undelivered at shutdown", "count", n)
			}
			return
		}
	}
}

// drainOutbox attempts every due outbox entry on the sinks still owed it.
// It returns how long until the next retry is due, if any entry remains.
func (r *Relay) drainOutbox(ctx context.Context) (time.Duration, bool) {
	now := time.Now()
	r.mu.Lock()
	due := make([]*outboxEntry, 0, len(r.outbox))
	for _, e := range r.outbox {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	r.mu.Unlock()

	for _, e := range due {
		var failed []Sink
		for _, s := range e.pending {
			if err := r.publish(ctx, s, e.ev); err != nil {
				failed = append(failed, s)
			}
		}
		e.pending = failed
		if len(failed) > 0 {
			wait := e.backoff.NextBackOff()
			e.next = time.Now().Add(wait)
			metrics.RelayRetries.WithLabelValues(string(e.ev.Kind)).Inc()
			r.logger.Warn("escrow release will be retried", "event_id", e.ev.ID, "key", e.ev.Key, "sinks", len(failed), "in", wait)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.outbox[:0]
	var next time.Time
	for _, e := range r.outbox {
		if len(e.pending) == 0 {
			continue
		}
		kept = append(kept, e)
		if next.IsZero() || e.next.Before(next) {
			next = e.next
		}
	}
	for i := len(kept); i < len(r.outbox); i++ {
		r.outbox[i] = nil
	}
	r.outbox = kept
	metrics.RelayOutbox.Set(float64(len(kept)))
	if next.IsZero() {
		return 0, false
	}
	return max(time.Until(next), time.Millisecond), true
}

func (r *Relay) deliver(ctx context.Context, ev Event) {
	for _, s := range r.sinks {
		r.publish(ctx, s, ev)
	}
}

func (r *Relay) publish(ctx context.Context, s Sink, ev Event) error {
	dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	if err := s.Publish(dctx, ev); err != nil {
		r.logger.Error("event delivery failed", "kind", ev.Kind, "event_id", ev.ID, "err", err)
		return err
	}
	return nil
}
