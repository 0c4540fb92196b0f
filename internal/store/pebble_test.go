package store

import (
	"context"
	"testing"
	"time"

	"github.com/computex/market-engine/internal/model"
)

func TestPebbleStore_Contract(t *testing.T) {
	s, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	storeContract(t, s)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r := model.NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now())
	rec := record(1)
	rec.Digest = "abc"
	if err := s.CommitEntry(ctx, &Entry{
		Record:   rec,
		Balances: []model.Balance{{Party: "prov-1", Amount: d(40)}},
		IndexKey: r.IdempotencyKey,
		Receipt:  &r,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	head, _ := s.Head(ctx)
	if head.Sequence != 1 || head.Digest != "abc" {
		t.Errorf("head not recovered: %+v", head)
	}
	applied, _ := s.IsApplied(ctx, r.IdempotencyKey)
	if !applied {
		t.Error("idempotency index not recovered")
	}
	bal, _ := s.GetBalance(ctx, "prov-1")
	if !bal.Equal(d(40)) {
		t.Errorf("expected balance 40, got %s", bal)
	}
}

func TestPebbleStore_AuditRangeFrom(t *testing.T) {
	s, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i := uint64(1); i <= 12; i++ {
		if err := s.CommitEntry(ctx, &Entry{Record: record(i)}); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	recs, err := s.AuditRange(ctx, 10, 2)
	if err != nil {
		t.Fatalf("AuditRange: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 10 || recs[1].Sequence != 11 {
		t.Errorf("unexpected range: %+v", recs)
	}
}
