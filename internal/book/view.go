package book

import (
	"fmt"

	"github.com/computex/market-engine/internal/model"
)

// LaneView is exclusive access to one lane for the duration of a WithLane
// callback. It must not be retained after the callback returns.
type LaneView struct {
	b *Books
	l *lane
}

// WithLane runs fn holding the lane's guard. Submissions and cancellations
// on the lane wait until fn returns, so fn never observes a half-inserted
// order.
func (b *Books) WithLane(name string, fn func(v *LaneView) error) error {
	l, err := b.lane(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&LaneView{b: b, l: l})
}

// Name returns the lane name.
func (v *LaneView) Name() string { return v.l.name }

// Bids returns resting bids, best first.
func (v *LaneView) Bids() []*model.Order {
	out := make([]*model.Order, 0, v.l.bids.Len())
	v.l.bids.Scan(func(o *model.Order) bool { out = append(out, o); return true })
	return out
}

// Asks returns resting asks, best first.
func (v *LaneView) Asks() []*model.Order {
	out := make([]*model.Order, 0, v.l.asks.Len())
	v.l.asks.Scan(func(o *model.Order) bool { out = append(out, o); return true })
	return out
}

// Fill consumes units from a resting order. A fully consumed order leaves
// the book and is remembered as matched; otherwise the remainder goes back
// with its original priority.
func (v *LaneView) Fill(o *model.Order, units int64) error {
	t := v.l.tree(o.Side)
	if _, ok := t.Delete(o); !ok {
		return fmt.Errorf("fill %s: %w", o.ID, ErrNotFound)
	}
	if units >= o.Quantity {
		v.b.markMatched(o.ID)
		return nil
	}
	rem := o.WithQuantity(o.Quantity - units)
	t.Set(rem)
	v.b.reindex(rem)
	return nil
}
