// Package sla tracks the deadline and bonds of every matched job.
//
// A record is registered on match and resolved exactly once, either by a
// completion signal or by a sweep that finds it past its deadline. Breach
// burns the provider bond through the ledger, refunds the consumer bond
// through the escrow collaborator and removes the record. Resolution is
// idempotent: a record that is already gone is skipped.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/reputation"
	"github.com/computex/market-engine/internal/store"
)

var (
	// ErrUnknownJob is returned when no record exists for a job, usually
	// because it was already resolved.
	ErrUnknownJob = errors.New("sla: no record for job")

	// ErrInvalidRecord is returned by Register for incomplete records.
	ErrInvalidRecord = errors.New("sla: invalid record")
)

// Penalizer burns provider funds. Implemented by settlement.Ledger.
type Penalizer interface {
	Penalize(ctx context.Context, provider string, amount decimal.Decimal, reason string) error
}

// EscrowReleaser receives refund instructions. Implementations must not
// block.
type EscrowReleaser interface {
	ReleaseEscrow(model.EscrowRelease)
}

// ReputationAdjuster applies outcome deltas. Implemented by reputation.Store.
type ReputationAdjuster interface {
	Adjust(ctx context.Context, providerID string, delta float64, reason string) (model.ReputationDelta, error)
}

// Verifier checks a completion proof. It is a black box to the tracker.
type Verifier interface {
	Verify(ctx context.Context, jobID, proofReference string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, jobID, proofReference string) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, jobID, proofReference string) (bool, error) {
	return f(ctx, jobID, proofReference)
}

// ProofPresent accepts any non-empty proof reference.
var ProofPresent = VerifierFunc(func(_ context.Context, _ string, ref string) (bool, error) {
	return ref != "", nil
})

// SweepResult summarizes one sweep.
type SweepResult struct {
	Breached int `json:"breached"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store    store.SLAStore
	ledger   Penalizer
	escrow   EscrowReleaser
	rep      ReputationAdjuster
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time

	resolveMu sync.Mutex // serializes resolution of records
	interval  atomic.Int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithEscrow sets where consumer bond refunds are sent.
func WithEscrow(e EscrowReleaser) Option { return func(t *Tracker) { t.escrow = e } }

// WithReputation sets the reputation store adjusted on resolution.
func WithReputation(r ReputationAdjuster) Option { return func(t *Tracker) { t.rep = r } }

// WithVerifier replaces the default ProofPresent verifier.
func WithVerifier(v Verifier) Option { return func(t *Tracker) { t.verifier = v } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New creates a tracker that sweeps every interval once Run is started.
func New(st store.SLAStore, ledger Penalizer, interval time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		store:    st,
		ledger:   ledger,
		verifier: ProofPresent,
		logger:   slog.Default(),
		now:      time.Now,
	}
	t.interval.Store(int64(interval))
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetInterval changes the sweep interval. A running loop picks it up on
// its next tick.
func (t *Tracker) SetInterval(d time.Duration) {
	if d > 0 {
		t.interval.Store(int64(d))
	}
}

// Interval returns the current sweep interval.
func (t *Tracker) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

// Register records the SLA of a freshly matched job. Registering a job that
// already has a record is a no-op so a replayed match cannot reset the
// deadline.
func (t *Tracker) Register(ctx context.Context, rec model.SlaRecord) error {
	if rec.JobID == "" || rec.Provider == "" || rec.Consumer == "" || rec.Deadline.IsZero() {
		return fmt.Errorf("%w: job, provider, consumer and deadline are required", ErrInvalidRecord)
	}
	if rec.ProviderBond.IsNegative() || rec.ConsumerBond.IsNegative() {
		return fmt.Errorf("%w: bonds must be non-negative", ErrInvalidRecord)
	}

	t.resolveMu.Lock()
	defer t.resolveMu.Unlock()

	if _, err := t.store.GetSLA(ctx, rec.JobID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup sla %s: %w", rec.JobID, err)
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = t.now().UTC()
	}
	if err := t.store.PutSLA(ctx, &rec); err != nil {
		return fmt.Errorf("register sla %s: %w", rec.JobID, err)
	}
	metrics.SLAOutstanding.Inc()
	t.logger.Debug("sla registered", "job_id", rec.JobID, "provider", rec.Provider, "deadline", rec.Deadline)
	return nil
}

// Get returns the outstanding record for a job.
func (t *Tracker) Get(ctx context.Context, jobID string) (*model.SlaRecord, error) {
	rec, err := t.store.GetSLA(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return rec, err
}

// Outstanding lists every unresolved record.
func (t *Tracker) Outstanding(ctx context.Context) ([]model.SlaRecord, error) {
	return t.store.ListSLA(ctx)
}

// Complete resolves a job from its execution signal. A successful signal
// whose proof verifies completes the record without penalty; a failed signal
// or a rejected proof breaches it immediately.
func (t *Tracker) Complete(ctx context.Context, sig model.CompletionSignal) (model.SLAState, error) {
	t.resolveMu.Lock()
	defer t.resolveMu.Unlock()

	rec, err := t.store.GetSLA(ctx, sig.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, sig.JobID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup sla %s: %w", sig.JobID, err)
	}

	if !sig.Success {
		return model.SLABreached, t.breach(ctx, rec, "execution failed", reputation.DeltaSLABreached)
	}
	ok, err := t.verifier.Verify(ctx, sig.JobID, sig.ProofReference)
	if err != nil {
		return "", fmt.Errorf("verify proof for %s: %w", sig.JobID, err)
	}
	if !ok {
		return model.SLABreached, t.breach(ctx, rec, "proof rejected", reputation.DeltaProofFailed)
	}

	if err := t.store.DeleteSLA(ctx, rec.JobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("resolve sla %s: %w", rec.JobID, err)
	}
	t.refund(rec, "sla_completed")
	t.adjust(ctx, rec.Provider, reputation.DeltaSLACompleted, "sla completed "+rec.JobID)

	metrics.SLAOutstanding.Dec()
	metrics.SLAOutcomes.WithLabelValues(string(model.SLACompleted)).Inc()
	t.logger.Info("sla completed", "job_id", rec.JobID, "provider", rec.Provider, "proof", sig.ProofReference)
	return model.SLACompleted, nil
}

// Sweep breaches every record past its deadline. A record that cannot be
// resolved stays in place with its attempt counter bumped and is retried by
// the next sweep.
func (t *Tracker) Sweep(ctx context.Context) (SweepResult, error) {
	recs, err := t.store.ListSLA(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list sla: %w", err)
	}

	var res SweepResult
	now := t.now()
	for i := range recs {
		if !recs[i].Overdue(now) {
			res.Pending++
			continue
		}
		if err := t.sweepOne(ctx, recs[i].JobID); err != nil {
			res.Failed++
			res.Pending++
			continue
		}
		res.Breached++
	}
	metrics.SLAOutstanding.Set(float64(res.Pending))
	if res.Breached > 0 || res.Failed > 0 {
		t.logger.Info("sla sweep finished", "breached", res.Breached, "failed", res.Failed, "pending", res.Pending)
	}
	return res, nil
}

func (t *Tracker) sweepOne(ctx context.Context, jobID string) error {
	t.resolveMu.Lock()
	defer t.resolveMu.Unlock()

	// Resolved since the listing.
	rec, err := t.store.GetSLA(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = t.breach(ctx, rec, "deadline passed", reputation.DeltaSLABreached)
	if err == nil {
		return nil
	}
	rec.Attempts++
	if perr := t.store.PutSLA(ctx, rec); perr != nil {
		t.logger.Error("sla attempt not recorded", "job_id", jobID, "err", perr)
	}
	metrics.SLASweepFailures.Inc()
	t.logger.Warn("sla breach deferred to next sweep", "job_id", jobID, "attempts", rec.Attempts, "err", err)
	return err
}

// breach burns the provider bond, refunds the consumer bond and removes
// the record. Caller holds resolveMu. The burn is idempotent per job, so a
// retry after a partial failure does not burn twice.
func (t *Tracker) breach(ctx context.Context, rec *model.SlaRecord, why string, delta float64) error {
	reason := fmt.Sprintf("sla breach job %s: %s", rec.JobID, why)
	if err := t.ledger.Penalize(ctx, rec.Provider, rec.ProviderBond, reason); err != nil {
		return fmt.Errorf("burn provider bond for %s: %w", rec.JobID, err)
	}
	if err := t.store.DeleteSLA(ctx, rec.JobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve sla %s: %w", rec.JobID, err)
	}
	t.refund(rec, "sla_breach_refund")
	t.adjust(ctx, rec.Provider, delta, reason)

	metrics.SLAOutstanding.Dec()
	metrics.SLAOutcomes.WithLabelValues(string(model.SLABreached)).Inc()
	t.logger.Warn("sla breached",
		"job_id", rec.JobID, "provider", rec.Provider, "consumer", rec.Consumer,
		"provider_bond", rec.ProviderBond.String(), "reason", why)
	return nil
}

// refund returns the consumer bond. The job id is the reference so the
// escrow side can drop repeats.
func (t *Tracker) refund(rec *model.SlaRecord, reason string) {
	if t.escrow == nil || !rec.ConsumerBond.IsPositive() {
		return
	}
	t.escrow.ReleaseEscrow(model.EscrowRelease{
		Party:     rec.Consumer,
		Amount:    rec.ConsumerBond,
		Reference: rec.JobID,
		Reason:    reason,
	})
}

func (t *Tracker) adjust(ctx context.Context, provider string, delta float64, reason string) {
	if t.rep == nil {
		return
	}
	if _, err := t.rep.Adjust(ctx, provider, delta, reason); err != nil {
		t.logger.Error("reputation adjustment failed", "provider", provider, "delta", delta, "err", err)
	}
}

// Run sweeps on the configured interval and resolves completion signals
// until ctx is cancelled. Once completions is closed, or when it is nil, Run
// only sweeps.
func (t *Tracker) Run(ctx context.Context, completions <-chan model.CompletionSignal) {
	current := t.Interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			if _, err := t.Complete(ctx, sig); err != nil {
				if errors.Is(err, ErrUnknownJob) {
					t.logger.Debug("completion for resolved job ignored", "job_id", sig.JobID)
					continue
				}
				t.logger.Error("completion not applied", "job_id", sig.JobID, "err", err)
			}
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("sla sweep failed", "err", err)
			}
			if next := t.Interval(); next != current {
				current = next
				ticker.Reset(current)
				t.logger.Info("sla sweep interval changed", "interval", current)
			}
		}
	}
}
