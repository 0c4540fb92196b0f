// Package reputation keeps a decaying score per compute provider.
//
// Scores live in [-1, 1] with 0 as the neutral baseline. Between updates a
// score decays exponentially toward neutral:
//
//	score(t) = score(t0) × (1 - decayPerHour)^(hours elapsed)
//
// A decayed score within SnapEpsilon of neutral is neutral, so a penalized
// provider regains eligibility in bounded time whenever decay is enabled.
//
// Each provider has its own guard so adjustments for different providers
// never contend. Every adjustment is persisted before it becomes visible
// and then emitted as a ReputationDelta for peer gossip.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

const (
	MinScore = -1.0
	MaxScore = 1.0
	Neutral  = 0.0

	// SnapEpsilon is the distance from neutral below which a decayed score
	// becomes exactly neutral.
	SnapEpsilon = 1e-3
)

// Outcome adjustments.
const (
	DeltaSettled      = 0.01
	DeltaSLACompleted = 0.05
	DeltaSLABreached  = -0.2
	DeltaProofFailed  = -0.3
)

// Publisher receives reputation deltas. Implementations must not block.
type Publisher interface {
	PublishReputation(model.ReputationDelta)
}

type entry struct {
	mu    sync.Mutex
	score float64
	last  time.Time
}

// Store is the in-memory view of provider reputation backed by a
// store.ReputationStore.
type Store struct {
	persist store.ReputationStore
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time

	decay atomic.Uint64 // math.Float64bits of the per-hour decay rate

	mu      sync.RWMutex // guards the map, not the entries
	entries map[string]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets where deltas are emitted.
func WithPublisher(p Publisher) Option { return func(s *Store) { s.pub = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a reputation store with the given hourly decay rate.
func New(persist store.ReputationStore, decayPerHour float64, opts ...Option) *Store {
	s := &Store{
		persist: persist,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	s.SetDecay(decayPerHour)
	return s
}

// SetDecay updates the hourly decay rate. Values outside [0, 1) are clamped.
func (s *Store) SetDecay(perHour float64) {
	perHour = math.Max(0, math.Min(perHour, 0.999999))
	s.decay.Store(math.Float64bits(perHour))
}

func (s *Store) decayRate() float64 {
	return math.Float64frombits(s.decay.Load())
}

// Load hydrates the in-memory view from persistence.
func (s *Store) Load(ctx context.Context) error {
	scores, err := s.persist.ListReputation(ctx)
	if err != nil {
		return fmt.Errorf("load reputation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range scores {
		s.entries[r.ProviderID] = &entry{score: r.Score, last: r.LastUpdated}
	}
	return nil
}

// Score returns the provider's decayed score at the current time. Unknown
// providers are neutral.
func (s *Store) Score(providerID string) float64 {
	e := s.lookup(providerID, false)
	if e == nil {
		return Neutral
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.decayed(e.score, e.last, s.now())
}

// Eligible reports whether the provider may be matched (score >= 0).
func (s *Store) Eligible(providerID string) bool {
	return s.Score(providerID) >= Neutral
}

// Adjust applies delta to the provider's decayed score, clamps it to range,
// persists it and publishes the resulting delta.
func (s *Store) Adjust(ctx context.Context, providerID string, delta float64, reason string) (model.ReputationDelta, error) {
	e := s.lookup(providerID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	next := clamp(s.decayed(e.score, e.last, now) + delta)

	rec := model.ReputationScore{ProviderID: providerID, Score: next, LastUpdated: now.UTC()}
	if err := s.persist.PutReputation(ctx, rec); err != nil {
		return model.ReputationDelta{}, fmt.Errorf("persist reputation %s: %w", providerID, err)
	}
	e.score, e.last = next, now

	d := model.ReputationDelta{
		ProviderID: providerID,
		Delta:      delta,
		Score:      next,
		Reason:     reason,
		At:         now.UTC(),
	}
	if s.pub != nil {
		s.pub.PublishReputation(d)
	}
	s.logger.Debug("reputation adjusted", "provider", providerID, "delta", delta, "score", next, "reason", reason)
	return d, nil
}

// List returns every known provider's decayed score, sorted by id.
func (s *Store) List() []model.ReputationScore {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	now := s.now()
	out := make([]model.ReputationScore, 0, len(ids))
	for _, id := range ids {
		e := s.lookup(id, false)
		e.mu.Lock()
		out = append(out, model.ReputationScore{
			ProviderID:  id,
			Score:       s.decayed(e.score, e.last, now),
			LastUpdated: e.last,
		})
		e.mu.Unlock()
	}
	return out
}

func (s *Store) lookup(providerID string, create bool) *entry {
	s.mu.RLock()
	e, ok := s.entries[providerID]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[providerID]; ok {
		return e
	}
	e = &entry{score: Neutral, last: s.now()}
	s.entries[providerID] = e
	return e
}

func (s *Store) decayed(score float64, last, now time.Time) float64 {
	hours := now.Sub(last).Hours()
	if hours <= 0 || score == Neutral {
		return score
	}
	v := score * math.Pow(1-s.decayRate(), hours)
	if math.Abs(v) < SnapEpsilon {
		return Neutral
	}
	return v
}

func clamp(v float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, v))
}

// Multiplier converts a score into a price multiplier: 1 - weight×score.
// A positive score discounts the provider's effective price, a negative one
// inflates it. The result never drops below zero.
func Multiplier(score, weight float64) decimal.Decimal {
	m := 1 - weight*score
	if m < 0 {
		m = 0
	}
	return decimal.NewFromFloat(m)
}
