package book

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/computex/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type escrowCapture struct {
	mu       sync.Mutex
	releases []model.EscrowRelease
}

func (e *escrowCapture) ReleaseEscrow(r model.EscrowRelease) {
	e.mu.Lock()
	e.releases = append(e.releases, r)
	e.mu.Unlock()
}

func newBooks(caps ...int) *Books {
	specs := []LaneSpec{{Name: "standard", Cap: 100}, {Name: "bulk", Cap: 100}}
	for i, c := range caps {
		specs[i].Cap = c
	}
	return New(specs)
}

func bid(party string, price float64, qty int64) *model.Order {
	return &model.Order{Party: party, Lane: "standard", Side: model.SideBid, PricePerUnit: d(price), Quantity: qty}
}

func ask(party string, price float64, qty int64) *model.Order {
	return &model.Order{Party: party, Lane: "standard", Side: model.SideAsk, PricePerUnit: d(price), Quantity: qty}
}

func TestSubmit_AssignsIdentity(t *testing.T) {
	b := newBooks()
	o, err := b.Submit(bid("alice", 10, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ID == "" || o.Seq == 0 || o.SubmittedAt.IsZero() {
		t.Errorf("expected id, seq and arrival time, got %+v", o)
	}
}

func TestSubmit_InvalidOrder(t *testing.T) {
	b := newBooks()
	cases := []*model.Order{
		bid("alice", 10, 0),
		bid("alice", -1, 5),
		bid("", 10, 5),
		{Party: "alice", Lane: "standard", Side: "HOLD", PricePerUnit: d(1), Quantity: 1},
	}
	for i, o := range cases {
		_, err := b.Submit(o)
		if !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("case %d: expected ErrInvalidOrder, got %v", i, err)
		}
		var rej *RejectError
		if !errors.As(err, &rej) || rej.Reason != ReasonInvalidOrder {
			t.Errorf("case %d: expected structured invalid_order reason, got %v", i, err)
		}
	}
}

func TestSubmit_UnknownLane(t *testing.T) {
	b := newBooks()
	o := bid("alice", 10, 5)
	o.Lane = "express"
	if _, err := b.Submit(o); !errors.Is(err, ErrUnknownLane) {
		t.Errorf("expected ErrUnknownLane, got %v", err)
	}
}

func TestSubmit_CapacityRejection(t *testing.T) {
	b := newBooks(3)
	for i := 0; i < 3; i++ {
		if _, err := b.Submit(bid(fmt.Sprintf("p%d", i), 10, 1)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := b.Submit(ask("prov", 8, 1))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	bids, asks, _ := b.Depth("standard")
	if bids+asks != 3 {
		t.Errorf("rejected insert changed depth: %d", bids+asks)
	}

	// Other lanes are unaffected.
	o := bid("alice", 10, 1)
	o.Lane = "bulk"
	if _, err := b.Submit(o); err != nil {
		t.Errorf("bulk lane should accept: %v", err)
	}
}

func TestSnapshot_PriceTimeOrder(t *testing.T) {
	b := newBooks()
	b.Submit(bid("a", 10, 1))
	b.Submit(bid("b", 12, 1))
	b.Submit(bid("c", 10, 1))
	b.Submit(ask("x", 9, 1))
	b.Submit(ask("y", 7, 1))
	b.Submit(ask("z", 9, 1))

	bids, asks, _ := b.Snapshot("standard")
	gotBids := []string{bids[0].Party, bids[1].Party, bids[2].Party}
	if fmt.Sprint(gotBids) != "[b a c]" {
		t.Errorf("unexpected bid order %v", gotBids)
	}
	gotAsks := []string{asks[0].Party, asks[1].Party, asks[2].Party}
	if fmt.Sprint(gotAsks) != "[y x z]" {
		t.Errorf("unexpected ask order %v", gotAsks)
	}
}

func TestCancel_ReleasesBidEscrow(t *testing.T) {
	esc := &escrowCapture{}
	b := New([]LaneSpec{{Name: "standard", Cap: 10}}, WithEscrow(esc))

	o, _ := b.Submit(bid("alice", 10, 5))
	if err := b.Cancel(o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(esc.releases) != 1 || !esc.releases[0].Amount.Equal(d(50)) || esc.releases[0].Party != "alice" {
		t.Errorf("expected escrow release of 50 to alice, got %+v", esc.releases)
	}
	if err := b.Cancel(o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second cancel should be ErrNotFound, got %v", err)
	}

	a, _ := b.Submit(ask("prov", 8, 5))
	b.Cancel(a.ID)
	if len(esc.releases) != 1 {
		t.Error("cancelling an ask must not release escrow")
	}
}

func TestCancel_AfterMatchIsAlreadyMatched(t *testing.T) {
	b := newBooks()
	o, _ := b.Submit(bid("alice", 10, 5))

	err := b.WithLane("standard", func(v *LaneView) error {
		return v.Fill(v.Bids()[0], 5)
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := b.Cancel(o.ID); !errors.Is(err, ErrAlreadyMatched) {
		t.Errorf("expected ErrAlreadyMatched, got %v", err)
	}
}

func TestSubmit_RejectsMatchedID(t *testing.T) {
	b := newBooks()
	o := bid("alice", 10, 5)
	o.ID = "client-7"
	if _, err := b.Submit(o); err != nil {
		t.Fatalf("submit: %v", err)
	}
	b.WithLane("standard", func(v *LaneView) error {
		return v.Fill(v.Bids()[0], 5)
	})

	again := bid("alice", 10, 5)
	again.ID = "client-7"
	_, err := b.Submit(again)
	var rej *RejectError
	if !errors.As(err, &rej) || rej.Reason != ReasonInvalidOrder {
		t.Fatalf("expected invalid_order for a matched id, got %v", err)
	}
	if bids, _, _ := b.Depth("standard"); bids != 0 {
		t.Errorf("rejected resubmission must not rest, got %d bids", bids)
	}
}

func TestSubmit_ConcurrentSameIDAcceptsOne(t *testing.T) {
	b := newBooks(500)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := bid("alice", 10, 1)
			o.ID = "same"
			if _, err := b.Submit(o); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("expected exactly one accepted submit, got %d", accepted)
	}
	if bids, _, _ := b.Depth("standard"); bids != 1 {
		t.Errorf("expected one resting bid, got %d", bids)
	}
}

func TestFill_PartialKeepsPriority(t *testing.T) {
	b := newBooks()
	first, _ := b.Submit(bid("alice", 10, 5))
	b.Submit(bid("bob", 10, 5))

	b.WithLane("standard", func(v *LaneView) error {
		return v.Fill(v.Bids()[0], 2)
	})

	bids, _, _ := b.Snapshot("standard")
	if bids[0].ID != first.ID || bids[0].Quantity != 3 {
		t.Errorf("remainder should stay first with qty 3, got %+v", bids[0])
	}
	// The remainder is still cancellable.
	if err := b.Cancel(first.ID); err != nil {
		t.Errorf("cancel remainder: %v", err)
	}
}

func TestStagedReplace_AtomicOnCapViolation(t *testing.T) {
	b := newBooks(2, 2)
	live, _ := b.Submit(bid("alice", 10, 1))

	bulk := bid("x", 1, 1)
	bulk.Lane = "bulk"
	err := b.StagedReplace([]*model.Order{
		bid("a", 1, 1), bid("b", 1, 1), bid("c", 1, 1), // exceeds standard cap
		bulk,
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if _, err := b.Get(live.ID); err != nil {
		t.Errorf("live book must be untouched after rejected replace: %v", err)
	}
	bids, _, _ := b.Depth("bulk")
	if bids != 0 {
		t.Errorf("bulk lane must not be partially replaced, has %d bids", bids)
	}
}

func TestStagedReplace_Swaps(t *testing.T) {
	b := newBooks(5)
	old, _ := b.Submit(bid("alice", 10, 1))

	if err := b.StagedReplace([]*model.Order{bid("a", 1, 1), ask("b", 2, 1)}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := b.Get(old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("old order should be gone, got %v", err)
	}
	bids, asks, _ := b.Depth("standard")
	if bids != 1 || asks != 1 {
		t.Errorf("expected 1/1, got %d/%d", bids, asks)
	}
}

func TestStagedReplace_ReleasesDiscardedBids(t *testing.T) {
	esc := &escrowCapture{}
	b := New([]LaneSpec{{Name: "standard", Cap: 10}, {Name: "bulk", Cap: 10}}, WithEscrow(esc))
	old, _ := b.Submit(bid("alice", 10, 3))
	b.Submit(ask("prov-1", 8, 3))

	if err := b.StagedReplace([]*model.Order{bid("bob", 5, 1)}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(esc.releases) != 1 {
		t.Fatalf("expected one release for the replaced bid, got %+v", esc.releases)
	}
	r := esc.releases[0]
	if r.Party != "alice" || r.Reference != old.ID || !r.Amount.Equal(d(30)) || r.Reason != "order_replaced" {
		t.Errorf("unexpected release %+v", r)
	}
}

func TestStagedReplace_RejectedReplaceReleasesNothing(t *testing.T) {
	esc := &escrowCapture{}
	b := New([]LaneSpec{{Name: "standard", Cap: 1}, {Name: "bulk", Cap: 1}}, WithEscrow(esc))
	b.Submit(bid("alice", 10, 3))

	if err := b.StagedReplace([]*model.Order{bid("a", 1, 1), bid("b", 1, 1)}); err == nil {
		t.Fatal("expected cap rejection")
	}
	if len(esc.releases) != 0 {
		t.Errorf("rejected replace must not release escrow, got %+v", esc.releases)
	}
}

func TestBacklog_ExcludesDeferred(t *testing.T) {
	b := newBooks()
	b.Submit(bid("a", 10, 1))
	deferred := bid("b", 10, 1)
	deferred.Deferred = true
	b.Submit(deferred)

	if got := b.Backlog("standard"); got != 1 {
		t.Errorf("expected backlog 1, got %d", got)
	}
}

func TestOpenNotional_SumsRestingBids(t *testing.T) {
	b := newBooks()
	b.Submit(bid("alice", 10, 2))
	b.Submit(bid("alice", 5, 1))
	b.Submit(ask("alice", 3, 4))
	bulk := bid("alice", 1, 7)
	bulk.Lane = "bulk"
	b.Submit(bulk)
	b.Submit(bid("bob", 10, 1))

	open := b.OpenNotional("alice")
	if !open["standard"].Equal(d(25)) || !open["bulk"].Equal(d(7)) {
		t.Errorf("unexpected open notional: %v", open)
	}
}

func TestNewlyStarved_ReportsOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New([]LaneSpec{{Name: "standard", Cap: 10}, {Name: "bulk", Cap: 10}}, WithClock(func() time.Time { return now }))

	old := bid("alice", 10, 1)
	old.SubmittedAt = now.Add(-time.Minute)
	b.Submit(old)
	fresh := bid("bob", 10, 1)
	b.Submit(fresh)

	reports := b.NewlyStarved(30 * time.Second)
	if len(reports) != 1 || reports[0].Party != "alice" || reports[0].Wait != time.Minute {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if again := b.NewlyStarved(30 * time.Second); len(again) != 0 {
		t.Errorf("order should be reported once, got %+v", again)
	}
	if w := b.OldestWait("standard"); w != time.Minute {
		t.Errorf("expected oldest wait 1m, got %v", w)
	}
}

func TestSetCaps_HotReload(t *testing.T) {
	b := newBooks(1)
	b.Submit(bid("a", 10, 1))
	if _, err := b.Submit(bid("b", 10, 1)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected cap 1 to reject, got %v", err)
	}
	b.SetCaps(map[string]int{"standard": 2})
	if _, err := b.Submit(bid("b", 10, 1)); err != nil {
		t.Errorf("raised cap should accept: %v", err)
	}
}

func TestSubmit_ConcurrentRespectsCap(t *testing.T) {
	b := newBooks(50)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Submit(bid(fmt.Sprintf("p%d", i), 10, 1))
		}(i)
	}
	wg.Wait()
	bids, asks, _ := b.Depth("standard")
	if bids+asks != 50 {
		t.Errorf("expected exactly 50 resting orders, got %d", bids+asks)
	}
}

func TestCapacityInvariantProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capStd := rapid.IntRange(0, 8).Draw(t, "capStd")
		capBulk := rapid.IntRange(0, 8).Draw(t, "capBulk")
		b := New([]LaneSpec{{Name: "standard", Cap: capStd}, {Name: "bulk", Cap: capBulk}})
		caps := map[string]int{"standard": capStd, "bulk": capBulk}

		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			laneName := rapid.SampledFrom([]string{"standard", "bulk"}).Draw(t, "lane")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0, 1:
				o := &model.Order{
					Party:        "p",
					Lane:         laneName,
					Side:         rapid.SampledFrom([]model.Side{model.SideBid, model.SideAsk}).Draw(t, "side"),
					PricePerUnit: decimal.NewFromInt(int64(rapid.IntRange(0, 20).Draw(t, "price"))),
					Quantity:     int64(rapid.IntRange(1, 5).Draw(t, "qty")),
				}
				b.Submit(o)
			case 2:
				n := rapid.IntRange(0, 12).Draw(t, "staged")
				var staged []*model.Order
				for j := 0; j < n; j++ {
					staged = append(staged, &model.Order{
						Party:        "s",
						Lane:         rapid.SampledFrom([]string{"standard", "bulk"}).Draw(t, "stagedLane"),
						Side:         model.SideBid,
						PricePerUnit: decimal.NewFromInt(1),
						Quantity:     1,
					})
				}
				b.StagedReplace(staged)
			}

			for name, c := range caps {
				bids, asks, _ := b.Depth(name)
				if bids+asks > c {
					t.Fatalf("lane %s depth %d exceeds cap %d", name, bids+asks, c)
				}
			}
		}
	})
}
