// Package matching runs the scheduling loop that pairs bids with asks.
//
// Lanes are serviced in rotation. Each lane gets a fairness window, a match
// count and a wall-clock budget, before the cursor moves on, so sustained
// volume in one lane cannot starve another. A match is settled through the
// ledger while the lane guard is held and only then written to the book:
// if the ledger is unavailable nothing in the book changes and settlement
// halts until the ledger answers again.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/computex/market-engine/internal/book"
	"github.com/computex/market-engine/internal/capability"
	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/reputation"
	"github.com/computex/market-engine/internal/settlement"
)

// ErrSettlementHalted is returned while the ledger has not recovered from a
// failure. Order submission is unaffected.
var ErrSettlementHalted = errors.New("matching: settlement halted")

// Ledger settles receipts. Implemented by settlement.Ledger.
type Ledger interface {
	Apply(ctx context.Context, r model.Receipt) (settlement.Outcome, error)
	Ping(ctx context.Context) error
}

// SLARegistrar records the SLA of a matched job. Implemented by sla.Tracker.
type SLARegistrar interface {
	Register(ctx context.Context, rec model.SlaRecord) error
}

// Reputation scores providers. Implemented by reputation.Store.
type Reputation interface {
	Score(providerID string) float64
	Eligible(providerID string) bool
	Adjust(ctx context.Context, providerID string, delta float64, reason string) (model.ReputationDelta, error)
}

// PriceRecorder receives clearing prices. Implemented by pricing.Board.
type PriceRecorder interface {
	Record(lane string, price decimal.Decimal)
}

// Publisher receives emitted receipts. Implementations must not block.
type Publisher interface {
	PublishReceipt(model.Receipt)
}

var tracer = otel.Tracer("github.com/computex/market-engine/internal/matching")

// Matcher is safe for concurrent use; batches run one at a time.
type Matcher struct {
	books  *book.Books
	ledger Ledger
	rep    Reputation
	sla    SLARegistrar
	board  PriceRecorder
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	params atomic.Pointer[Params]
	halted atomic.Bool

	mu          sync.Mutex // one batch at a time; guards the rotation state
	cursor      int
	windowUsed  int
	windowStart time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithSLA registers an SLA record for every match.
func WithSLA(s SLARegistrar) Option { return func(m *Matcher) { m.sla = s } }

// WithPriceBoard records every clearing price.
func WithPriceBoard(p PriceRecorder) Option { return func(m *Matcher) { m.board = p } }

// WithPublisher announces every receipt.
func WithPublisher(p Publisher) Option { return func(m *Matcher) { m.pub = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Matcher) { m.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Matcher) { m.now = now } }

// New creates a matcher over books. params must validate.
func New(books *book.Books, ledger Ledger, rep Reputation, params Params, opts ...Option) (*Matcher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m := &Matcher{
		books:  books,
		ledger: ledger,
		rep:    rep,
		logger: slog.Default(),
		now:    time.Now,
	}
	m.params.Store(&params)
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetParams swaps the scheduling parameters. The next batch uses them.
func (m *Matcher) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.params.Store(&p)
	return nil
}

// Params returns the current parameters.
func (m *Matcher) Params() Params {
	return *m.params.Load()
}

// Halted reports whether settlement is halted.
func (m *Matcher) Halted() bool {
	return m.halted.Load()
}

// MatchBatch runs one scheduling pass and returns the receipts it emitted,
// at most maxMatches (the configured batch cap when maxMatches <= 0).
// Receipts emitted before an error are still returned.
func (m *Matcher) MatchBatch(ctx context.Context, maxMatches int) ([]model.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.Params()
	if maxMatches <= 0 {
		maxMatches = p.BatchMaxMatches
	}

	ctx, span := tracer.Start(ctx, "matcher.MatchBatch", trace.WithAttributes(
		attribute.Int("max_matches", maxMatches),
	))
	defer span.End()

	start := time.Now()
	defer func() { metrics.MatchBatchDuration.Observe(time.Since(start).Seconds()) }()

	if m.halted.Load() {
		if err := m.ledger.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSettlementHalted, err)
		}
		m.halted.Store(false)
		metrics.SettlementHalted.Set(0)
		m.logger.Info("ledger recovered, settlement resumed")
	}

	var (
		out []model.Receipt
		err error
	)
	if p.ParallelLanes {
		out, err = m.parallelBatch(ctx, p, maxMatches)
	} else {
		out, err = m.rotationBatch(ctx, p, maxMatches)
	}
	span.SetAttributes(attribute.Int("matches", len(out)))

	m.observe(p)
	return out, err
}

// rotationBatch services lanes in fairness order starting at the cursor.
// Every lane is visited at most once per batch. When the batch cap is hit
// mid-window the cursor stays put so the lane resumes its window next batch.
func (m *Matcher) rotationBatch(ctx context.Context, p Params, maxMatches int) ([]model.Receipt, error) {
	lanes := m.books.Lanes()
	if len(lanes) == 0 {
		return nil, nil
	}

	var out []model.Receipt
	for visited := 0; visited < len(lanes) && len(out) < maxMatches; {
		name := lanes[m.cursor%len(lanes)]
		if m.windowStart.IsZero() {
			m.windowStart = m.now()
		}

		budget := maxMatches - len(out)
		if p.WindowMatches > 0 {
			budget = min(budget, p.WindowMatches-m.windowUsed)
		}
		var until time.Time
		if p.WindowDuration > 0 {
			until = m.windowStart.Add(p.WindowDuration)
		}

		got, exhausted, err := m.matchLane(ctx, p, name, budget, until)
		out = append(out, got...)
		m.windowUsed += len(got)
		if err != nil {
			return out, err
		}

		spent := (p.WindowMatches > 0 && m.windowUsed >= p.WindowMatches) ||
			(!until.IsZero() && !m.now().Before(until))
		if !exhausted && !spent {
			break
		}
		m.rotate(len(lanes))
		visited++
	}
	return out, nil
}

func (m *Matcher) rotate(n int) {
	m.cursor = (m.cursor + 1) % n
	m.windowUsed = 0
	m.windowStart = time.Time{}
}

// parallelBatch services every lane at once. Each lane gets an equal share
// of the batch cap bounded by its window.
func (m *Matcher) parallelBatch(ctx context.Context, p Params, maxMatches int) ([]model.Receipt, error) {
	lanes := m.books.Lanes()
	if len(lanes) == 0 {
		return nil, nil
	}
	share := max(1, maxMatches/len(lanes))
	if p.WindowMatches > 0 {
		share = min(share, p.WindowMatches)
	}
	var until time.Time
	if p.WindowDuration > 0 {
		until = m.now().Add(p.WindowDuration)
	}

	var (
		mu  sync.Mutex
		out []model.Receipt
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range lanes {
		g.Go(func() error {
			got, _, err := m.matchLane(gctx, p, name, share, until)
			mu.Lock()
			out = append(out, got...)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return out, err
}

// matchLane matches within one lane under its guard until budget receipts
// are emitted, the deadline passes or nothing more can match (exhausted).
func (m *Matcher) matchLane(ctx context.Context, p Params, name string, budget int, until time.Time) (out []model.Receipt, exhausted bool, err error) {
	mismatched := make(map[string]struct{})
	err = m.books.WithLane(name, func(v *book.LaneView) error {
		for len(out) < budget {
			if !until.IsZero() && !m.now().Before(until) {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			r, ok, err := m.matchOne(ctx, p, v, mismatched)
			if err != nil {
				return err
			}
			if !ok {
				exhausted = true
				return nil
			}
			out = append(out, r)
		}
		return nil
	})
	return out, exhausted, err
}

// matchOne finds the best bid that has a qualifying ask and settles it.
// Bids with crossing asks but no capable, eligible provider are counted as
// capability mismatches once per lane visit and stay queued.
func (m *Matcher) matchOne(ctx context.Context, p Params, v *book.LaneView, mismatched map[string]struct{}) (model.Receipt, bool, error) {
	asks := v.Asks()
	if len(asks) == 0 {
		return model.Receipt{}, false, nil
	}
	for _, bid := range v.Bids() {
		ask, crossed := m.selectAsk(p, bid, asks)
		if ask == nil {
			if crossed {
				if _, seen := mismatched[bid.ID]; !seen {
					mismatched[bid.ID] = struct{}{}
					metrics.CapabilityMismatches.WithLabelValues(v.Name()).Inc()
					m.logger.Debug("no capable provider for bid", "lane", v.Name(), "order_id", bid.ID, "requires", bid.Capabilities.String())
				}
			}
			continue
		}
		r, err := m.settle(ctx, p, v, bid, ask)
		if err != nil {
			return model.Receipt{}, false, err
		}
		return r, true, nil
	}
	return model.Receipt{}, false, nil
}

// selectAsk picks the crossing ask with the lowest effective price among
// eligible providers whose offer satisfies the bid. Asks arrive in
// price-time order, so ties go to the earlier ask. crossed reports whether
// any ask was priced at or below the bid.
func (m *Matcher) selectAsk(p Params, bid *model.Order, asks []*model.Order) (best *model.Order, crossed bool) {
	premium := decimal.NewFromInt(1)
	if bid.Capabilities.RequiresAccelerator() {
		premium = p.AcceleratorPremium
	}

	var bestPrice decimal.Decimal
	for _, ask := range asks {
		if ask.PricePerUnit.GreaterThan(bid.PricePerUnit) {
			break
		}
		if ask.Party == bid.Party {
			continue
		}
		crossed = true
		if !m.rep.Eligible(ask.Party) || !capability.Satisfies(ask.Capabilities, bid.Capabilities) {
			continue
		}
		mult := reputation.Multiplier(m.rep.Score(ask.Party), p.ReputationWeight)
		eff := EffectivePrice(ask.PricePerUnit, mult, premium, p.Composition)
		if best == nil || eff.LessThan(bestPrice) {
			best, bestPrice = ask, eff
		}
	}
	return best, crossed
}

// settle applies the receipt for bid×ask and, once the ledger has committed
// it, fills both orders. Caller holds the lane guard.
func (m *Matcher) settle(ctx context.Context, p Params, v *book.LaneView, bid, ask *model.Order) (model.Receipt, error) {
	units := min(bid.Quantity, ask.Quantity)
	now := m.now()
	// Order ids are client supplied and may recur once an order has left
	// the book, so every match gets its own job id.
	jobID := uuid.NewString()
	r := model.NewReceipt(jobID, bid.Party, ask.Party, v.Name(), ask.PricePerUnit, units, now)

	out, err := m.ledger.Apply(ctx, r)
	switch {
	case errors.Is(err, settlement.ErrLedgerUnavailable):
		m.halted.Store(true)
		metrics.SettlementHalted.Set(1)
		m.logger.Error("ledger unavailable, settlement halted", "lane", v.Name(), "job_id", jobID, "err", err)
		return model.Receipt{}, fmt.Errorf("%w: %v", ErrSettlementHalted, err)
	case errors.Is(err, settlement.ErrInsufficientFunds):
		// Archived for replay; the match itself stands.
		m.logger.Warn("receipt archived for lack of funds", "lane", v.Name(), "job_id", jobID, "buyer", bid.Party)
	case err != nil:
		return model.Receipt{}, fmt.Errorf("settle %s: %w", jobID, err)
	case out == settlement.OutcomeDuplicate:
		// Nothing was charged for this pair; filling it would be free.
		m.logger.Error("fresh job id reported as duplicate", "lane", v.Name(), "job_id", jobID, "bid", bid.ID, "ask", ask.ID)
		return model.Receipt{}, fmt.Errorf("settle %s: receipt %s already settled", jobID, r.IdempotencyKey)
	}

	if err := v.Fill(bid, units); err != nil {
		return model.Receipt{}, err
	}
	if err := v.Fill(ask, units); err != nil {
		return model.Receipt{}, err
	}

	m.afterMatch(ctx, p, r, bid, out)
	return r, nil
}

// afterMatch runs the side effects of a committed match. None of them can
// undo it; failures are logged.
func (m *Matcher) afterMatch(ctx context.Context, p Params, r model.Receipt, bid *model.Order, out settlement.Outcome) {
	if m.sla != nil {
		exec := bid.ExecutionTime
		if exec <= 0 {
			exec = p.DefaultExecutionTime
		}
		amount := r.Amount()
		rec := model.SlaRecord{
			JobID:        r.JobID,
			Lane:         r.Lane,
			Provider:     r.Provider,
			Consumer:     r.Buyer,
			ProviderBond: amount.Mul(p.ProviderBondRatio),
			ConsumerBond: amount.Mul(p.ConsumerBondRatio),
			Deadline:     r.IssuedAt.Add(exec),
			RegisteredAt: r.IssuedAt,
		}
		if err := m.sla.Register(ctx, rec); err != nil {
			m.logger.Error("sla registration failed", "job_id", r.JobID, "err", err)
		}
	}
	if m.board != nil {
		m.board.Record(r.Lane, r.UnitPrice)
	}
	if out == settlement.OutcomeApplied {
		if _, err := m.rep.Adjust(ctx, r.Provider, reputation.DeltaSettled, "settled "+r.JobID); err != nil {
			m.logger.Error("reputation adjustment failed", "provider", r.Provider, "err", err)
		}
	}
	if m.pub != nil {
		m.pub.PublishReceipt(r)
	}

	metrics.MatchesTotal.WithLabelValues(r.Lane).Inc()
	m.logger.Info("match",
		"lane", r.Lane, "job_id", r.JobID, "buyer", r.Buyer, "provider", r.Provider,
		"unit_price", r.UnitPrice.String(), "units", r.Units, "outcome", out)
}

// observe refreshes the per-lane gauges and reports newly starved orders.
func (m *Matcher) observe(p Params) {
	for _, name := range m.books.Lanes() {
		bids, asks, err := m.books.Depth(name)
		if err != nil {
			continue
		}
		metrics.QueueDepth.WithLabelValues(name, string(model.SideBid)).Set(float64(bids))
		metrics.QueueDepth.WithLabelValues(name, string(model.SideAsk)).Set(float64(asks))
		metrics.OldestWait.WithLabelValues(name).Set(m.books.OldestWait(name).Seconds())
	}
	for _, s := range m.books.NewlyStarved(p.StarvationThreshold) {
		metrics.StarvationWarnings.WithLabelValues(s.Lane).Inc()
		m.logger.Warn("order starving",
			"order_id", s.OrderID, "lane", s.Lane, "party", s.Party, "side", s.Side, "wait", s.Wait.String())
	}
}

// Run matches in batches until ctx is cancelled, sleeping the configured
// interval between batches.
func (m *Matcher) Run(ctx context.Context) {
	m.logger.Info("matcher started", "lanes", m.books.Lanes())
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("matcher stopped")
			return
		case <-timer.C:
		}

		if _, err := m.MatchBatch(ctx, 0); err != nil && !errors.Is(err, ErrSettlementHalted) && ctx.Err() == nil {
			m.logger.Error("match batch failed", "err", err)
		}
		timer.Reset(m.Params().BatchSleep)
	}
}
