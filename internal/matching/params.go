package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Composition selects how the reputation multiplier and the accelerator
// premium combine into an effective price.
type Composition string

const (
	// Multiplicative: ask × multiplier × premium.
	Multiplicative Composition = "multiplicative"
	// Additive: ask × (1 + (multiplier-1) + (premium-1)).
	Additive Composition = "additive"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("matching: invalid parameters")

// Params are the scheduling knobs fed by governance. They may be swapped at
// any time with Matcher.SetParams; a batch reads one snapshot.
type Params struct {
	// Fairness window: a lane is serviced until either budget is spent.
	// Zero disables that half of the window.
	WindowMatches  int
	WindowDuration time.Duration

	BatchMaxMatches int
	BatchSleep      time.Duration

	StarvationThreshold time.Duration

	AcceleratorPremium decimal.Decimal
	ReputationWeight   float64
	Composition        Composition

	ProviderBondRatio    decimal.Decimal
	ConsumerBondRatio    decimal.Decimal
	DefaultExecutionTime time.Duration

	// ParallelLanes services every lane concurrently, each under its own
	// guard, instead of rotating through them on one goroutine.
	ParallelLanes bool
}

// DefaultParams returns the parameters used when governance sets none.
func DefaultParams() Params {
	return Params{
		WindowMatches:        32,
		WindowDuration:       50 * time.Millisecond,
		BatchMaxMatches:      256,
		BatchSleep:           25 * time.Millisecond,
		StarvationThreshold:  30 * time.Second,
		AcceleratorPremium:   decimal.RequireFromString("1.25"),
		ReputationWeight:     0.2,
		Composition:          Multiplicative,
		ProviderBondRatio:    decimal.RequireFromString("0.1"),
		ConsumerBondRatio:    decimal.RequireFromString("0.05"),
		DefaultExecutionTime: 10 * time.Minute,
	}
}

// Validate reports the first out-of-range parameter.
func (p Params) Validate() error {
	switch {
	case p.WindowMatches < 0 || p.WindowDuration < 0:
		return fmt.Errorf("%w: fairness window must be non-negative", ErrInvalidParams)
	case p.WindowMatches == 0 && p.WindowDuration == 0:
		return fmt.Errorf("%w: fairness window needs a match count or a duration", ErrInvalidParams)
	case p.BatchMaxMatches <= 0:
		return fmt.Errorf("%w: batch_max_matches must be positive", ErrInvalidParams)
	case p.BatchSleep < 0:
		return fmt.Errorf("%w: batch_sleep must be non-negative", ErrInvalidParams)
	case p.AcceleratorPremium.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: accelerator_premium must be at least 1", ErrInvalidParams)
	case p.ReputationWeight < 0 || p.ReputationWeight > 1:
		return fmt.Errorf("%w: reputation_weight must be in [0, 1]", ErrInvalidParams)
	case p.Composition != Multiplicative && p.Composition != Additive:
		return fmt.Errorf("%w: unknown price composition %q", ErrInvalidParams, p.Composition)
	case p.ProviderBondRatio.IsNegative() || p.ConsumerBondRatio.IsNegative():
		return fmt.Errorf("%w: bond ratios must be non-negative", ErrInvalidParams)
	case p.DefaultExecutionTime <= 0:
		return fmt.Errorf("%w: default_execution_time must be positive", ErrInvalidParams)
	}
	return nil
}

// EffectivePrice adjusts an ask's quoted price for selection. The quoted
// price is still what the receipt settles at.
func EffectivePrice(ask, multiplier, premium decimal.Decimal, c Composition) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if c == Additive {
		return ask.Mul(one.Add(multiplier.Sub(one)).Add(premium.Sub(one)))
	}
	return ask.Mul(multiplier).Mul(premium)
}
