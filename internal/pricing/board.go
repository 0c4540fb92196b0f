// Package pricing maintains the per-lane price board: a bounded sliding
// window of recent clearing prices from which quantile bands are derived.
//
// Bands feed bid/ask suggestions scaled by queueing pressure:
//
//	suggestion = band × (1 + backlog / window)
//
// where backlog counts only orders that are not deferred. All prices use
// shopspring/decimal, never float64.
package pricing

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidWindow is returned when the window capacity is not positive.
	ErrInvalidWindow = errors.New("pricing: window size must be positive")

	// ErrNoData is returned when a lane has no recorded prices yet.
	ErrNoData = errors.New("pricing: no prices recorded for lane")

	// PriceScale is the number of decimal places suggestions are rounded to.
	PriceScale int32 = 8
)

// Bands holds the quartiles of a lane's window.
type Bands struct {
	P25 decimal.Decimal `json:"p25"`
	P50 decimal.Decimal `json:"p50"`
	P75 decimal.Decimal `json:"p75"`
}

// Scale multiplies every band by factor.
func (b Bands) Scale(factor decimal.Decimal) Bands {
	return Bands{
		P25: b.P25.Mul(factor).Round(PriceScale),
		P50: b.P50.Mul(factor).Round(PriceScale),
		P75: b.P75.Mul(factor).Round(PriceScale),
	}
}

// ring is a fixed-capacity circular buffer; the oldest entry is overwritten
// when full.
type ring struct {
	buf  []decimal.Decimal
	next int
	full bool
}

func (r *ring) push(p decimal.Decimal) {
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// values returns the window oldest first.
func (r *ring) values() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}

// Board is safe for concurrent use.
type Board struct {
	mu     sync.RWMutex
	window int
	lanes  map[string]*ring
}

// NewBoard creates a board keeping the last window prices per lane.
func NewBoard(window int) (*Board, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Board{window: window, lanes: make(map[string]*ring)}, nil
}

// Window returns the per-lane capacity.
func (b *Board) Window() int {
	return b.window
}

// Record appends a clearing price to lane's window, evicting the oldest
// entry when full.
func (b *Board) Record(lane string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.lanes[lane]
	if !ok {
		r = &ring{buf: make([]decimal.Decimal, b.window)}
		b.lanes[lane] = r
	}
	r.push(price)
}

// Prices returns a copy of lane's window, oldest first.
func (b *Board) Prices(lane string) []decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.lanes[lane]
	if !ok {
		return nil
	}
	return r.values()
}

// QuantileBands computes p25/p50/p75 over lane's current window using
// linear interpolation between closest ranks.
func (b *Board) QuantileBands(lane string) (Bands, error) {
	prices := b.Prices(lane)
	if len(prices) == 0 {
		return Bands{}, ErrNoData
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	return Bands{
		P25: quantile(prices, decimal.NewFromFloat(0.25)),
		P50: quantile(prices, decimal.NewFromFloat(0.5)),
		P75: quantile(prices, decimal.NewFromFloat(0.75)),
	}, nil
}

// BacklogFactor returns 1 + backlog/window. Callers pass a backlog that
// already excludes deferred orders.
func (b *Board) BacklogFactor(backlog int) decimal.Decimal {
	if backlog < 0 {
		backlog = 0
	}
	return decimal.NewFromInt(1).Add(
		decimal.NewFromInt(int64(backlog)).Div(decimal.NewFromInt(int64(b.window))),
	)
}

// Suggest returns lane's bands scaled by the backlog factor.
func (b *Board) Suggest(lane string, backlog int) (Bands, error) {
	bands, err := b.QuantileBands(lane)
	if err != nil {
		return Bands{}, err
	}
	return bands.Scale(b.BacklogFactor(backlog)), nil
}

// quantile expects sorted input.
func quantile(sorted []decimal.Decimal, q decimal.Decimal) decimal.Decimal {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q.Mul(decimal.NewFromInt(int64(len(sorted) - 1)))
	lo := pos.Floor()
	i := int(lo.IntPart())
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos.Sub(lo)
	return sorted[i].Add(sorted[i+1].Sub(sorted[i]).Mul(frac))
}
