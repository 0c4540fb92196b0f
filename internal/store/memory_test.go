package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func record(seq uint64) *model.AuditRecord {
	return &model.AuditRecord{
		Sequence:  seq,
		Timestamp: time.Unix(int64(seq), 0).UTC(),
		Kind:      model.AuditSettlement,
		Entity:    "prov-1",
		Delta:     d(1),
		Mode:      model.ModeReal,
		Digest:    "digest",
	}
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	head, err := s.Head(ctx)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if head.Sequence != 0 {
		t.Fatalf("expected empty head, got %d", head.Sequence)
	}

	r := model.NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now())
	entry := &Entry{
		Record: record(1),
		Balances: []model.Balance{
			{Party: "alice", Amount: d(60), UpdatedAt: time.Now().UTC()},
			{Party: "prov-1", Amount: d(40), UpdatedAt: time.Now().UTC()},
		},
		IndexKey: r.IdempotencyKey,
		Receipt:  &r,
	}
	if err := s.CommitEntry(ctx, entry); err != nil {
		t.Fatalf("CommitEntry: %v", err)
	}

	// Same key again must fail without writing anything.
	dup := &Entry{Record: record(2), IndexKey: r.IdempotencyKey, Balances: []model.Balance{{Party: "alice", Amount: d(0)}}}
	if err := s.CommitEntry(ctx, dup); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	bal, _ := s.GetBalance(ctx, "alice")
	if !bal.Equal(d(60)) {
		t.Errorf("duplicate commit leaked a balance write: %s", bal)
	}

	// Out-of-order sequence is rejected.
	if err := s.CommitEntry(ctx, &Entry{Record: record(5)}); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}

	head, _ = s.Head(ctx)
	if head.Sequence != 1 {
		t.Errorf("expected head 1, got %d", head.Sequence)
	}

	applied, _ := s.IsApplied(ctx, r.IdempotencyKey)
	if !applied {
		t.Error("expected key to be applied")
	}
	got, err := s.GetReceipt(ctx, r.IdempotencyKey)
	if err != nil || got.JobID != "job-1" {
		t.Errorf("GetReceipt: %v %+v", err, got)
	}
	if _, err := s.GetBalance(ctx, "nobody"); err != nil {
		t.Errorf("unknown party should read as zero, got %v", err)
	}

	// Failed archive round trip.
	failedReceipt := model.NewReceipt("job-2", "bob", "prov-1", "standard", d(8), 5, time.Now())
	fa := &model.FailedApplication{Receipt: failedReceipt, Reason: "insufficient funds", FailedAt: time.Now().UTC(), Attempts: 1}
	if err := s.CommitEntry(ctx, &Entry{Record: record(2), Archive: fa}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	failed, _ := s.ListFailed(ctx)
	if len(failed) != 1 || failed[0].Receipt.JobID != "job-2" {
		t.Fatalf("expected one failed application, got %+v", failed)
	}
	if err := s.CommitEntry(ctx, &Entry{Unarchive: failedReceipt.IdempotencyKey}); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if _, err := s.GetFailed(ctx, failedReceipt.IdempotencyKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after unarchive, got %v", err)
	}

	recs, _ := s.AuditRange(ctx, 1, 0)
	if len(recs) != 2 || recs[0].Sequence != 1 || recs[1].Sequence != 2 {
		t.Errorf("unexpected audit range: %+v", recs)
	}
	digests, _ := s.RecentDigests(ctx, 1)
	if len(digests) != 1 || digests[0].Sequence != 2 {
		t.Errorf("expected newest digest at seq 2, got %+v", digests)
	}

	// SLA.
	sla := &model.SlaRecord{JobID: "job-1", Provider: "prov-1", Consumer: "alice", ProviderBond: d(4), ConsumerBond: d(2), Deadline: time.Now().UTC()}
	if err := s.PutSLA(ctx, sla); err != nil {
		t.Fatalf("PutSLA: %v", err)
	}
	list, _ := s.ListSLA(ctx)
	if len(list) != 1 {
		t.Fatalf("expected 1 sla, got %d", len(list))
	}
	if err := s.DeleteSLA(ctx, "job-1"); err != nil {
		t.Fatalf("DeleteSLA: %v", err)
	}
	if err := s.DeleteSLA(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should be ErrNotFound, got %v", err)
	}

	// Activation versions.
	t1 := model.ActivationTransition{Version: 1, From: model.ModeDryRun, To: model.ActivationState{Mode: model.ModeArmed, ActivateAt: time.Now().UTC()}, At: time.Now().UTC()}
	if err := s.AppendTransition(ctx, t1); err != nil {
		t.Fatalf("AppendTransition: %v", err)
	}
	if err := s.AppendTransition(ctx, t1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	hist, _ := s.ActivationHistory(ctx)
	if len(hist) != 1 || hist[0].To.Mode != model.ModeArmed {
		t.Errorf("unexpected history: %+v", hist)
	}

	// Reputation.
	if err := s.PutReputation(ctx, model.ReputationScore{ProviderID: "prov-1", Score: 0.5}); err != nil {
		t.Fatalf("PutReputation: %v", err)
	}
	rep, err := s.GetReputation(ctx, "prov-1")
	if err != nil || rep.Score != 0.5 {
		t.Errorf("GetReputation: %v %+v", err, rep)
	}
	if _, err := s.GetReputation(ctx, "prov-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}
