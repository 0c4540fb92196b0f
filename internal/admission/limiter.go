// Package admission decides whether an order may enter the books.
//
// Two checks run before the book is touched: a per-party token bucket on
// submission rate, and exposure limits on a party's open bid notional. The
// exposure limits are layered like a position limiter: a per-lane maximum,
// and an aggregate maximum summed across every lane the party has bids in.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/computex/market-engine/internal/model"
)

var (
	// ErrRateLimited is returned when a party submits faster than its
	// token bucket allows.
	ErrRateLimited = errors.New("admission: submission rate exceeded")

	// ErrLaneExposureExceeded is returned when a bid would push the party's
	// open notional in one lane beyond the per-lane maximum.
	ErrLaneExposureExceeded = errors.New("admission: per-lane open notional limit exceeded")

	// ErrExposureExceeded is returned when a bid would push the party's
	// open notional across all lanes beyond the aggregate maximum.
	ErrExposureExceeded = errors.New("admission: aggregate open notional limit exceeded")
)

// ExposureSource reports a party's resting bid notional per lane.
// Implemented by book.Books.
type ExposureSource interface {
	OpenNotional(party string) map[string]decimal.Decimal
}

// Limits configures admission. Zero values disable the corresponding check.
type Limits struct {
	Rate       rate.Limit // submissions per second per party
	Burst      int
	MaxPerLane decimal.Decimal
	MaxTotal   decimal.Decimal
}

// Controller is safe for concurrent use.
type Controller struct {
	exposure ExposureSource
	now      func() time.Time

	mu       sync.Mutex
	limits   Limits
	limiters map[string]*rate.Limiter
}

// New creates an admission controller.
func New(exposure ExposureSource, limits Limits) *Controller {
	return &Controller{
		exposure: exposure,
		now:      time.Now,
		limits:   limits,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLimits swaps the limits. Existing buckets keep their tokens and adopt
// the new rate and burst.
func (c *Controller) SetLimits(l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits = l
	now := c.now()
	for _, lim := range c.limiters {
		lim.SetLimitAt(now, l.Rate)
		lim.SetBurstAt(now, l.Burst)
	}
}

// Limits returns the current limits.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Admit checks o against the rate and exposure limits. Asks only pass the
// rate check; they commit no buyer funds.
func (c *Controller) Admit(o *model.Order) error {
	c.mu.Lock()
	limits := c.limits
	lim := c.limiter(o.Party, limits)
	c.mu.Unlock()

	if lim != nil && !lim.AllowN(c.now(), 1) {
		return fmt.Errorf("party %s: %w", o.Party, ErrRateLimited)
	}
	if o.Side != model.SideBid || c.exposure == nil {
		return nil
	}
	return CheckLimit(limits, o.Lane, o.Notional(), c.exposure.OpenNotional(o.Party))
}

// limiter returns the party's bucket, creating it on first use. Caller
// holds mu.
func (c *Controller) limiter(party string, l Limits) *rate.Limiter {
	if l.Rate <= 0 {
		return nil
	}
	lim, ok := c.limiters[party]
	if !ok {
		lim = rate.NewLimiter(l.Rate, max(1, l.Burst))
		c.limiters[party] = lim
	}
	return lim
}

// CheckLimit validates whether adding notional to lane keeps the party
// within limits, given its current open notional per lane.
func CheckLimit(l Limits, lane string, notional decimal.Decimal, open map[string]decimal.Decimal) error {
	inLane := open[lane].Add(notional)
	if l.MaxPerLane.IsPositive() && inLane.GreaterThan(l.MaxPerLane) {
		return fmt.Errorf("lane %s at %s: %w", lane, inLane, ErrLaneExposureExceeded)
	}

	total := inLane
	for name, v := range open {
		if name == lane {
			continue // already counted via inLane
		}
		total = total.Add(v)
	}
	if l.MaxTotal.IsPositive() && total.GreaterThan(l.MaxTotal) {
		return fmt.Errorf("total %s: %w", total, ErrExposureExceeded)
	}
	return nil
}
