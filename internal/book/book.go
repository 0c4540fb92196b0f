// Package book holds the per-lane order books.
//
// Each lane keeps bids sorted by descending price then ascending arrival and
// asks sorted by ascending price then ascending arrival, in tidwall/btree
// ordered sets. A lane has its own guard: submission, cancellation and
// matching on one lane serialize, different lanes proceed in parallel.
//
// Depth is capped per lane. An insert that would exceed the cap is rejected,
// never satisfied by evicting another order.
package book

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/computex/market-engine/internal/model"
)

var (
	ErrCapacityExceeded = errors.New("book: lane depth cap reached")
	ErrInvalidOrder     = errors.New("book: invalid order")
	ErrUnknownLane      = errors.New("book: unknown lane")
	ErrNotFound         = errors.New("book: order not found")
	ErrAlreadyMatched   = errors.New("book: order already matched")
)

// RejectReason is the structured reason returned for a refused order.
type RejectReason string

const (
	ReasonCapacityExceeded RejectReason = "capacity_exceeded"
	ReasonInvalidOrder     RejectReason = "invalid_order"
	ReasonUnknownLane      RejectReason = "unknown_lane"
)

// RejectError is returned by Submit and StagedReplace. It unwraps to the
// matching sentinel so callers can use errors.Is.
type RejectError struct {
	Reason RejectReason `json:"reason"`
	Lane   string       `json:"lane,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("order rejected: %s", e.Reason)
	}
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectError) Unwrap() error {
	switch e.Reason {
	case ReasonCapacityExceeded:
		return ErrCapacityExceeded
	case ReasonUnknownLane:
		return ErrUnknownLane
	default:
		return ErrInvalidOrder
	}
}

func reject(reason RejectReason, lane, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Lane: lane, Detail: fmt.Sprintf(format, args...)}
}

// EscrowReleaser receives escrow return instructions. Implementations must
// not block.
type EscrowReleaser interface {
	ReleaseEscrow(model.EscrowRelease)
}

// LaneSpec names a lane and its depth cap.
type LaneSpec struct {
	Name string
	Cap  int
}

// matchedHistory bounds how many fully matched order ids are remembered for
// AlreadyMatched answers.
const matchedHistory = 1 << 16

type lane struct {
	mu   sync.Mutex
	name string
	cap  int
	bids *btree.BTreeG[*model.Order]
	asks *btree.BTreeG[*model.Order]
}

func bidLess(a, b *model.Order) bool {
	if c := a.PricePerUnit.Cmp(b.PricePerUnit); c != 0 {
		return c > 0
	}
	return a.Seq < b.Seq
}

func askLess(a, b *model.Order) bool {
	if c := a.PricePerUnit.Cmp(b.PricePerUnit); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

func newTrees() (bids, asks *btree.BTreeG[*model.Order]) {
	opts := btree.Options{NoLocks: true}
	return btree.NewBTreeGOptions(bidLess, opts), btree.NewBTreeGOptions(askLess, opts)
}

func (l *lane) depth() int {
	return l.bids.Len() + l.asks.Len()
}

func (l *lane) tree(side model.Side) *btree.BTreeG[*model.Order] {
	if side == model.SideBid {
		return l.bids
	}
	return l.asks
}

// Books is the set of lane books. Safe for concurrent use.
type Books struct {
	lanes  []*lane // rotation order
	byName map[string]*lane

	seq atomic.Uint64

	// idxMu guards the order index and bookkeeping below. It is never held
	// while acquiring a lane guard.
	idxMu        sync.Mutex
	index        map[string]*model.Order // live orders by id
	matched      map[string]struct{}
	matchedOrder []string
	warned       map[string]struct{} // orders already reported as starving

	escrow EscrowReleaser
	logger *slog.Logger
	now    func() time.Time
}

// Option configures Books.
type Option func(*Books)

// WithEscrow sets the escrow collaborator notified on bid cancellation.
func WithEscrow(e EscrowReleaser) Option { return func(b *Books) { b.escrow = e } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(b *Books) { b.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(b *Books) { b.now = now } }

// New creates books for the given lanes, rotated in the given order.
func New(specs []LaneSpec, opts ...Option) *Books {
	b := &Books{
		byName:  make(map[string]*lane, len(specs)),
		index:   make(map[string]*model.Order),
		matched: make(map[string]struct{}),
		warned:  make(map[string]struct{}),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	for _, s := range specs {
		bids, asks := newTrees()
		l := &lane{name: s.Name, cap: s.Cap, bids: bids, asks: asks}
		b.lanes = append(b.lanes, l)
		b.byName[s.Name] = l
	}
	return b
}

// Lanes returns lane names in rotation order.
func (b *Books) Lanes() []string {
	out := make([]string, len(b.lanes))
	for i, l := range b.lanes {
		out[i] = l.name
	}
	return out
}

func (b *Books) lane(name string) (*lane, error) {
	l, ok := b.byName[name]
	if !ok {
		return nil, fmt.Errorf("lane %q: %w", name, ErrUnknownLane)
	}
	return l, nil
}

// Validate checks the order invariants without touching any book.
func Validate(o *model.Order) error {
	switch {
	case o == nil:
		return reject(ReasonInvalidOrder, "", "nil order")
	case o.Party == "":
		return reject(ReasonInvalidOrder, o.Lane, "party is required")
	case !o.Side.Valid():
		return reject(ReasonInvalidOrder, o.Lane, "side must be BID or ASK, got %q", o.Side)
	case o.Quantity <= 0:
		return reject(ReasonInvalidOrder, o.Lane, "quantity must be positive, got %d", o.Quantity)
	case o.PricePerUnit.IsNegative():
		return reject(ReasonInvalidOrder, o.Lane, "price must be non-negative, got %s", o.PricePerUnit)
	case o.ExecutionTime < 0:
		return reject(ReasonInvalidOrder, o.Lane, "execution time must be non-negative")
	}
	return nil
}

// prepare fills id, arrival time and sequence on a copy of o.
func (b *Books) prepare(o *model.Order) *model.Order {
	c := *o
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = b.now().UTC()
	}
	c.Seq = b.seq.Add(1)
	return &c
}

// Submit validates o and inserts it into its lane. The returned order
// carries the assigned id, arrival time and sequence.
func (b *Books) Submit(o *model.Order) (*model.Order, error) {
	if err := Validate(o); err != nil {
		return nil, err
	}
	l, ok := b.byName[o.Lane]
	if !ok {
		return nil, reject(ReasonUnknownLane, o.Lane, "lane %q is not configured", o.Lane)
	}

	ord := b.prepare(o)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth() >= l.cap {
		return nil, reject(ReasonCapacityExceeded, l.name, "lane %s at cap %d", l.name, l.cap)
	}

	// Live and recently matched ids are both taken. Check and insert share
	// one idxMu hold.
	b.idxMu.Lock()
	_, live := b.index[ord.ID]
	_, done := b.matched[ord.ID]
	if live || done {
		b.idxMu.Unlock()
		return nil, reject(ReasonInvalidOrder, o.Lane, "duplicate order id %s", ord.ID)
	}
	b.index[ord.ID] = ord
	b.idxMu.Unlock()

	l.tree(ord.Side).Set(ord)

	out := *ord
	return &out, nil
}

// Cancel removes a resting order. Cancelling a bid returns its notional to
// the escrow collaborator. Orders that were already fully matched report
// ErrAlreadyMatched.
func (b *Books) Cancel(orderID string) error {
	b.idxMu.Lock()
	if _, ok := b.matched[orderID]; ok {
		b.idxMu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrAlreadyMatched)
	}
	ord, ok := b.index[orderID]
	b.idxMu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrNotFound)
	}

	l := b.byName[ord.Lane]
	l.mu.Lock()
	// Re-read under the lane guard: a match may have filled or replaced it.
	b.idxMu.Lock()
	cur, ok := b.index[orderID]
	_, matched := b.matched[orderID]
	b.idxMu.Unlock()
	if matched {
		l.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrAlreadyMatched)
	}
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, ErrNotFound)
	}
	l.tree(cur.Side).Delete(cur)
	l.mu.Unlock()

	b.idxMu.Lock()
	delete(b.index, orderID)
	delete(b.warned, orderID)
	b.idxMu.Unlock()

	if cur.Side == model.SideBid && b.escrow != nil {
		b.escrow.ReleaseEscrow(model.EscrowRelease{
			Party:     cur.Party,
			Amount:    cur.Notional(),
			Reference: cur.ID,
			Reason:    "order_cancelled",
		})
	}
	b.logger.Info("order cancelled", "order_id", orderID, "lane", cur.Lane, "side", cur.Side)
	return nil
}

// StagedReplace builds a complete candidate book off-line and swaps it in
// only if every lane respects its cap. On any rejection the live books are
// untouched.
func (b *Books) StagedReplace(orders []*model.Order) error {
	staged := make(map[string]*lane, len(b.lanes))
	for _, l := range b.lanes {
		bids, asks := newTrees()
		staged[l.name] = &lane{name: l.name, bids: bids, asks: asks}
	}

	// Caps are read under each lane's guard during the swap; count first.
	counts := make(map[string]int)
	prepared := make([]*model.Order, 0, len(orders))
	seen := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		if err := Validate(o); err != nil {
			return err
		}
		if _, ok := staged[o.Lane]; !ok {
			return reject(ReasonUnknownLane, o.Lane, "lane %q is not configured", o.Lane)
		}
		ord := b.prepare(o)
		if _, dup := seen[ord.ID]; dup {
			return reject(ReasonInvalidOrder, o.Lane, "duplicate order id %s", ord.ID)
		}
		seen[ord.ID] = struct{}{}
		counts[ord.Lane]++
		prepared = append(prepared, ord)
	}
	for _, ord := range prepared {
		staged[ord.Lane].tree(ord.Side).Set(ord)
	}

	// Lock every lane in rotation order so the swap is atomic across lanes.
	for _, l := range b.lanes {
		l.mu.Lock()
	}
	defer func() {
		for _, l := range b.lanes {
			l.mu.Unlock()
		}
	}()

	for _, l := range b.lanes {
		if counts[l.name] > l.cap {
			return reject(ReasonCapacityExceeded, l.name, "staged lane %s holds %d orders, cap %d", l.name, counts[l.name], l.cap)
		}
	}

	b.idxMu.Lock()
	for _, ord := range prepared {
		if _, done := b.matched[ord.ID]; done {
			b.idxMu.Unlock()
			return reject(ReasonInvalidOrder, ord.Lane, "order id %s already matched", ord.ID)
		}
	}
	b.index = make(map[string]*model.Order, len(prepared))
	b.warned = make(map[string]struct{})
	for _, ord := range prepared {
		b.index[ord.ID] = ord
	}
	b.idxMu.Unlock()

	var discarded []*model.Order
	for _, l := range b.lanes {
		l.bids.Scan(func(o *model.Order) bool {
			discarded = append(discarded, o)
			return true
		})
		s := staged[l.name]
		l.bids, l.asks = s.bids, s.asks
	}
	b.releaseReplaced(discarded)
	b.logger.Info("books replaced", "orders", len(prepared), "bids_released", len(discarded))
	return nil
}

// releaseReplaced returns the notional of bids dropped by a replace.
func (b *Books) releaseReplaced(bids []*model.Order) {
	if b.escrow == nil {
		return
	}
	for _, o := range bids {
		b.escrow.ReleaseEscrow(model.EscrowRelease{
			Party:     o.Party,
			Amount:    o.Notional(),
			Reference: o.ID,
			Reason:    "order_replaced",
		})
	}
}

// SetCaps updates lane caps. Existing orders above a lowered cap stay; new
// submissions are rejected until depth falls below it.
func (b *Books) SetCaps(caps map[string]int) {
	for _, l := range b.lanes {
		c, ok := caps[l.name]
		if !ok {
			continue
		}
		l.mu.Lock()
		l.cap = c
		l.mu.Unlock()
	}
}

// Get returns a resting order by id.
func (b *Books) Get(orderID string) (*model.Order, error) {
	b.idxMu.Lock()
	defer b.idxMu.Unlock()

	o, ok := b.index[orderID]
	if !ok {
		if _, m := b.matched[orderID]; m {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrAlreadyMatched)
		}
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	c := *o
	return &c, nil
}

// Depth returns the number of resting bids and asks in a lane.
func (b *Books) Depth(laneName string) (bids, asks int, err error) {
	l, err := b.lane(laneName)
	if err != nil {
		return 0, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bids.Len(), l.asks.Len(), nil
}

// Cap returns a lane's depth cap.
func (b *Books) Cap(laneName string) (int, error) {
	l, err := b.lane(laneName)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap, nil
}

// Backlog counts resting bids in a lane that are not deferred.
func (b *Books) Backlog(laneName string) int {
	l, err := b.lane(laneName)
	if err != nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	l.bids.Scan(func(o *model.Order) bool {
		if !o.Deferred {
			n++
		}
		return true
	})
	return n
}

// Snapshot returns copies of a lane's bids and asks in priority order.
func (b *Books) Snapshot(laneName string) (bids, asks []model.Order, err error) {
	l, err := b.lane(laneName)
	if err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bids.Scan(func(o *model.Order) bool { bids = append(bids, *o); return true })
	l.asks.Scan(func(o *model.Order) bool { asks = append(asks, *o); return true })
	return bids, asks, nil
}

// OldestWait returns how long the oldest resting order in a lane has waited.
func (b *Books) OldestWait(laneName string) time.Duration {
	l, err := b.lane(laneName)
	if err != nil {
		return 0
	}
	now := b.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	var oldest time.Time
	visit := func(o *model.Order) bool {
		if oldest.IsZero() || o.SubmittedAt.Before(oldest) {
			oldest = o.SubmittedAt
		}
		return true
	}
	l.bids.Scan(visit)
	l.asks.Scan(visit)
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// OpenNotional sums a party's resting bid notional per lane.
func (b *Books) OpenNotional(party string) map[string]decimal.Decimal {
	b.idxMu.Lock()
	defer b.idxMu.Unlock()

	out := make(map[string]decimal.Decimal)
	for _, o := range b.index {
		if o.Party == party && o.Side == model.SideBid {
			out[o.Lane] = out[o.Lane].Add(o.Notional())
		}
	}
	return out
}

// StarvationReport describes an order that has waited past the threshold.
type StarvationReport struct {
	OrderID string        `json:"order_id"`
	Lane    string        `json:"lane"`
	Party   string        `json:"party"`
	Side    model.Side    `json:"side"`
	Wait    time.Duration `json:"wait"`
}

// NewlyStarved returns orders that have waited longer than threshold and
// were not reported before, sorted by lane rotation order, then arrival.
// Each order is reported at most once while it rests.
func (b *Books) NewlyStarved(threshold time.Duration) []StarvationReport {
	if threshold <= 0 {
		return nil
	}
	now := b.now()

	var out []StarvationReport
	for _, l := range b.lanes {
		var candidates []*model.Order
		l.mu.Lock()
		visit := func(o *model.Order) bool {
			if now.Sub(o.SubmittedAt) > threshold {
				candidates = append(candidates, o)
			}
			return true
		}
		l.bids.Scan(visit)
		l.asks.Scan(visit)
		l.mu.Unlock()

		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Seq < candidates[j].Seq })

		b.idxMu.Lock()
		for _, o := range candidates {
			if _, done := b.warned[o.ID]; done {
				continue
			}
			b.warned[o.ID] = struct{}{}
			out = append(out, StarvationReport{
				OrderID: o.ID,
				Lane:    l.name,
				Party:   o.Party,
				Side:    o.Side,
				Wait:    now.Sub(o.SubmittedAt),
			})
		}
		b.idxMu.Unlock()
	}
	return out
}

// markMatched records a fully filled order. Caller holds the lane guard.
func (b *Books) markMatched(id string) {
	b.idxMu.Lock()
	defer b.idxMu.Unlock()

	delete(b.index, id)
	delete(b.warned, id)
	if _, ok := b.matched[id]; ok {
		return
	}
	b.matched[id] = struct{}{}
	b.matchedOrder = append(b.matchedOrder, id)
	if len(b.matchedOrder) > matchedHistory {
		oldest := b.matchedOrder[0]
		b.matchedOrder = b.matchedOrder[1:]
		delete(b.matched, oldest)
	}
}

func (b *Books) reindex(o *model.Order) {
	b.idxMu.Lock()
	b.index[o.ID] = o
	b.idxMu.Unlock()
}
