// Package settlement implements the settlement ledger: exactly-once
// application of match receipts to party balances, gated by the activation
// mode, with an append-only audit journal carrying a rolling blake3
// integrity digest.
//
// Concurrency: receipts for different party pairs apply in parallel; receipts
// sharing a party serialize on that party's guard (both guards of a pair are
// taken in canonical order). Duplicate deliveries of one receipt race on a
// compare-and-insert claim, and the durable idempotency index is written in
// the same atomic commit as the balances and the audit record.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit would underflow. The
	// receipt is archived for replay.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")

	// ErrLedgerUnavailable wraps any persistence failure. Nothing was
	// applied.
	ErrLedgerUnavailable = errors.New("settlement: ledger unavailable")

	// ErrDuplicateReceipt marks an idempotent no-op. Apply reports it as
	// OutcomeDuplicate with a nil error; it is exported for callers that
	// want to surface the signal.
	ErrDuplicateReceipt = errors.New("settlement: receipt already applied")

	// ErrInvalidReceipt is returned for receipts whose key does not match
	// their fields or whose amounts are out of range.
	ErrInvalidReceipt = errors.New("settlement: invalid receipt")

	// ErrJournalGap is returned by VerifyJournal when sequences skip.
	ErrJournalGap = errors.New("settlement: audit journal sequence gap")

	// ErrDigestMismatch is returned by VerifyJournal when the digest chain
	// does not recompute.
	ErrDigestMismatch = errors.New("settlement: audit journal digest mismatch")
)

// Outcome is the result of an Apply call.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeArchived  Outcome = "archived"
)

// ModeSource reports the current activation mode.
type ModeSource interface {
	Mode() model.ActivationMode
}

// ModeHolder is a ModeSource that can keep its mode fixed while a balance
// action commits. release must be called exactly once.
type ModeHolder interface {
	ModeSource
	HoldMode() (mode model.ActivationMode, release func())
}

// Publisher receives committed audit records. Implementations must not
// block.
type Publisher interface {
	PublishAudit(model.AuditRecord)
}

var tracer = otel.Tracer("github.com/computex/market-engine/internal/settlement")

// claim is an in-flight application of one idempotency key. Concurrent
// duplicates wait on done and read the result.
type claim struct {
	done    chan struct{}
	applied bool
}

// BalanceCache serves read-only balance queries. Settlement arithmetic never
// goes through it.
type BalanceCache interface {
	CachedBalance(ctx context.Context, party string) (decimal.Decimal, error)
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store  store.LedgerStore
	cache  BalanceCache
	mode   ModeSource
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	claims  sync.Map // idempotency key -> *claim
	parties sync.Map // party -> *sync.Mutex

	journalMu sync.Mutex
	seq       atomic.Uint64
	digest    string // guarded by journalMu
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher sets where committed audit records are announced.
func WithPublisher(p Publisher) Option { return func(l *Ledger) { l.pub = p } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithBalanceCache routes Balance through c.
func WithBalanceCache(c BalanceCache) Option { return func(l *Ledger) { l.cache = c } }

// Open loads the journal head from st and verifies the journal. A ledger
// whose journal does not verify is not returned.
func Open(ctx context.Context, st store.LedgerStore, mode ModeSource, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  st,
		mode:   mode,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	head, err := st.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load head: %v", ErrLedgerUnavailable, err)
	}
	if err := l.VerifyJournal(ctx); err != nil {
		return nil, err
	}
	l.seq.Store(head.Sequence)
	l.digest = head.Digest
	metrics.LedgerSequence.Set(float64(head.Sequence))

	if failed, err := st.ListFailed(ctx); err == nil {
		metrics.FailedApplications.Set(float64(len(failed)))
	}
	l.logger.Info("ledger opened", "sequence", head.Sequence, "digest", head.Digest)
	return l, nil
}

// Apply settles a receipt exactly once. A receipt whose idempotency key was
// already applied returns OutcomeDuplicate and a nil error.
func (l *Ledger) Apply(ctx context.Context, r model.Receipt) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "ledger.Apply", trace.WithAttributes(
		attribute.String("job_id", r.JobID),
		attribute.String("lane", r.Lane),
	))
	defer span.End()

	out, err := l.apply(ctx, r, false)
	span.SetAttributes(attribute.String("outcome", string(out)))
	if err != nil && !errors.Is(err, ErrInsufficientFunds) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (l *Ledger) apply(ctx context.Context, r model.Receipt, replay bool) (Outcome, error) {
	if err := validate(r); err != nil {
		return "", err
	}
	key := r.IdempotencyKey

	for {
		c := &claim{done: make(chan struct{})}
		existing, loaded := l.claims.LoadOrStore(key, c)
		if loaded {
			prior := existing.(*claim)
			select {
			case <-prior.done:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if prior.applied {
				metrics.SettlementOutcomes.WithLabelValues(string(OutcomeDuplicate)).Inc()
				return OutcomeDuplicate, nil
			}
			continue
		}

		out, err := l.applyClaimed(ctx, r, replay)
		c.applied = out == OutcomeApplied || out == OutcomeDuplicate
		l.claims.Delete(key)
		close(c.done)

		label := string(out)
		if errors.Is(err, ErrLedgerUnavailable) {
			label = "unavailable"
		}
		if label != "" {
			metrics.SettlementOutcomes.WithLabelValues(label).Inc()
		}
		return out, err
	}
}

func (l *Ledger) applyClaimed(ctx context.Context, r model.Receipt, replay bool) (Outcome, error) {
	key := r.IdempotencyKey

	applied, err := l.store.IsApplied(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: idempotency lookup: %v", ErrLedgerUnavailable, err)
	}
	if applied {
		return OutcomeDuplicate, nil
	}

	unlock := l.lockPair(r.Buyer, r.Provider)
	defer unlock()

	mode, release := l.holdMode()
	defer release()
	live := mode == model.ModeReal
	amount := r.Amount()
	now := l.now().UTC()

	buyerBal, err := l.store.GetBalance(ctx, r.Buyer)
	if err != nil {
		return "", fmt.Errorf("%w: balance %s: %v", ErrLedgerUnavailable, r.Buyer, err)
	}
	providerBal, err := l.store.GetBalance(ctx, r.Provider)
	if err != nil {
		return "", fmt.Errorf("%w: balance %s: %v", ErrLedgerUnavailable, r.Provider, err)
	}

	if live && buyerBal.LessThan(amount) {
		return l.archive(ctx, r, mode, buyerBal, now)
	}

	buyerAfter, providerAfter := buyerBal, providerBal
	if live {
		buyerAfter = buyerBal.Sub(amount)
		providerAfter = providerBal.Add(amount)
	}

	rec := &model.AuditRecord{
		Timestamp:        now,
		Kind:             model.AuditSettlement,
		Entity:           r.Provider,
		Memo:             fmt.Sprintf("job %s: %s -> %s, %d units @ %s", r.JobID, r.Buyer, r.Provider, r.Units, r.UnitPrice),
		Delta:            amount,
		ResultingBalance: providerAfter,
		Postings: []model.Posting{
			{Party: r.Buyer, Delta: amount.Neg(), Before: buyerBal, After: buyerAfter},
			{Party: r.Provider, Delta: amount, Before: providerBal, After: providerAfter},
		},
		Notional:   !live,
		Mode:       mode,
		ReceiptKey: key,
	}
	entry := &store.Entry{
		Record:   rec,
		IndexKey: key,
		Receipt:  &r,
	}
	if live {
		entry.Balances = []model.Balance{
			{Party: r.Buyer, Amount: buyerAfter, UpdatedAt: now},
			{Party: r.Provider, Amount: providerAfter, UpdatedAt: now},
		}
	}
	if replay {
		entry.Unarchive = key
	}

	if err := l.commit(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyApplied) {
			return OutcomeDuplicate, nil
		}
		l.logger.Error("settlement commit failed", "job_id", r.JobID, "idempotency_key", key, "err", err)
		return "", fmt.Errorf("%w: commit %s: %v", ErrLedgerUnavailable, r.JobID, err)
	}
	if replay {
		metrics.FailedApplications.Dec()
	}

	l.logger.Info("receipt applied",
		"job_id", r.JobID, "lane", r.Lane, "amount", amount.String(),
		"mode", mode, "sequence", rec.Sequence)
	return OutcomeApplied, nil
}

// archive records a receipt that could not be funded. The first failure
// appends a settlement_failed audit record; later failures only bump the
// attempt counter.
func (l *Ledger) archive(ctx context.Context, r model.Receipt, mode model.ActivationMode, buyerBal decimal.Decimal, now time.Time) (Outcome, error) {
	reason := fmt.Sprintf("buyer %s holds %s, needs %s", r.Buyer, buyerBal, r.Amount())

	prior, err := l.store.GetFailed(ctx, r.IdempotencyKey)
	switch {
	case err == nil:
		prior.Attempts++
		prior.Reason = reason
		if err := l.commit(ctx, &store.Entry{Archive: prior}); err != nil {
			return "", fmt.Errorf("%w: archive %s: %v", ErrLedgerUnavailable, r.JobID, err)
		}
	case errors.Is(err, store.ErrNotFound):
		fa := &model.FailedApplication{Receipt: r, Reason: reason, FailedAt: now, Attempts: 1}
		rec := &model.AuditRecord{
			Timestamp:        now,
			Kind:             model.AuditSettlementFailed,
			Entity:           r.Buyer,
			Memo:             fmt.Sprintf("job %s: %s", r.JobID, reason),
			Delta:            r.Amount().Neg(),
			ResultingBalance: buyerBal,
			Notional:         true,
			Mode:             mode,
			ReceiptKey:       r.IdempotencyKey,
		}
		if err := l.commit(ctx, &store.Entry{Record: rec, Archive: fa}); err != nil {
			return "", fmt.Errorf("%w: archive %s: %v", ErrLedgerUnavailable, r.JobID, err)
		}
		metrics.FailedApplications.Inc()
	default:
		return "", fmt.Errorf("%w: failed archive lookup: %v", ErrLedgerUnavailable, err)
	}

	l.logger.Warn("receipt archived for replay", "job_id", r.JobID, "idempotency_key", r.IdempotencyKey, "reason", reason)
	return OutcomeArchived, fmt.Errorf("job %s: %w", r.JobID, ErrInsufficientFunds)
}

// ReplayFailed retries every archived receipt. Receipts that now apply are
// removed from the archive in the same commit. It returns how many applied.
func (l *Ledger) ReplayFailed(ctx context.Context) (int, error) {
	failed, err := l.store.ListFailed(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list failed: %v", ErrLedgerUnavailable, err)
	}

	applied := 0
	for _, fa := range failed {
		out, err := l.apply(ctx, fa.Receipt, true)
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			continue
		case err != nil:
			return applied, err
		case out == OutcomeApplied:
			applied++
		case out == OutcomeDuplicate:
			// Applied through another path; drop it from the archive.
			if err := l.commit(ctx, &store.Entry{Unarchive: fa.Receipt.IdempotencyKey}); err != nil {
				return applied, fmt.Errorf("%w: unarchive: %v", ErrLedgerUnavailable, err)
			}
			metrics.FailedApplications.Dec()
		}
	}
	return applied, nil
}

// FailedApplications returns the archive of unfunded receipts.
func (l *Ledger) FailedApplications(ctx context.Context) ([]model.FailedApplication, error) {
	out, err := l.store.ListFailed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list failed: %v", ErrLedgerUnavailable, err)
	}
	return out, nil
}

// holdMode reads the activation mode. When the source is a ModeHolder no
// transition can commit until release is called.
func (l *Ledger) holdMode() (model.ActivationMode, func()) {
	if h, ok := l.mode.(ModeHolder); ok {
		return h.HoldMode()
	}
	return l.mode.Mode(), func() {}
}

// Balance returns a party's balance for display. With a balance cache it
// may trail the latest commit by the cache TTL.
func (l *Ledger) Balance(ctx context.Context, party string) (decimal.Decimal, error) {
	get := l.store.GetBalance
	if l.cache != nil {
		get = l.cache.CachedBalance
	}
	b, err := get(ctx, party)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: balance %s: %v", ErrLedgerUnavailable, party, err)
	}
	return b, nil
}

// Balances returns every known balance.
func (l *Ledger) Balances(ctx context.Context) ([]model.Balance, error) {
	out, err := l.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list balances: %v", ErrLedgerUnavailable, err)
	}
	return out, nil
}

// Ping reports whether the ledger's store answers.
func (l *Ledger) Ping(ctx context.Context) error {
	if _, err := l.store.Head(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// lockPair takes both parties' guards in canonical order and returns the
// release func.
func (l *Ledger) lockPair(a, b string) func() {
	if a == b {
		m := l.partyLock(a)
		m.Lock()
		return m.Unlock
	}
	if b < a {
		a, b = b, a
	}
	first, second := l.partyLock(a), l.partyLock(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (l *Ledger) partyLock(party string) *sync.Mutex {
	m, _ := l.parties.LoadOrStore(party, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func validate(r model.Receipt) error {
	switch {
	case r.Buyer == "" || r.Provider == "":
		return fmt.Errorf("%w: buyer and provider are required", ErrInvalidReceipt)
	case r.Buyer == r.Provider:
		return fmt.Errorf("%w: buyer and provider are the same party", ErrInvalidReceipt)
	case r.Units <= 0:
		return fmt.Errorf("%w: units must be positive", ErrInvalidReceipt)
	case r.UnitPrice.IsNegative():
		return fmt.Errorf("%w: unit price must be non-negative", ErrInvalidReceipt)
	case !r.KeyValid():
		return fmt.Errorf("%w: idempotency key does not match receipt fields", ErrInvalidReceipt)
	}
	return nil
}
