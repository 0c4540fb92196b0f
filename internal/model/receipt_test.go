package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewReceipt_KeyDeterministic(t *testing.T) {
	a := NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now())
	b := NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now().Add(time.Hour))

	if a.IdempotencyKey == "" {
		t.Fatal("expected non-empty idempotency key")
	}
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Errorf("issue time must not affect the key: %s vs %s", a.IdempotencyKey, b.IdempotencyKey)
	}
	if !a.KeyValid() {
		t.Error("freshly built receipt should carry a valid key")
	}
}

func TestIdempotencyKey_FieldsMatter(t *testing.T) {
	base := IdempotencyKey("job-1", "alice", "prov-1", d(8), 5, 1, "standard")

	variants := []string{
		IdempotencyKey("job-2", "alice", "prov-1", d(8), 5, 1, "standard"),
		IdempotencyKey("job-1", "bob", "prov-1", d(8), 5, 1, "standard"),
		IdempotencyKey("job-1", "alice", "prov-2", d(8), 5, 1, "standard"),
		IdempotencyKey("job-1", "alice", "prov-1", d(9), 5, 1, "standard"),
		IdempotencyKey("job-1", "alice", "prov-1", d(8), 6, 1, "standard"),
		IdempotencyKey("job-1", "alice", "prov-1", d(8), 5, 2, "standard"),
		IdempotencyKey("job-1", "alice", "prov-1", d(8), 5, 1, "bulk"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestIdempotencyKey_NoConcatenationCollision(t *testing.T) {
	a := IdempotencyKey("job-1a", "lice", "p", d(1), 1, 1, "l")
	b := IdempotencyKey("job-1", "alice", "p", d(1), 1, 1, "l")
	if a == b {
		t.Error("length-prefixing should keep shifted fields distinct")
	}
}

func TestIdempotencyKey_PriceScaleInsensitive(t *testing.T) {
	a := IdempotencyKey("job-1", "alice", "prov-1", decimal.RequireFromString("8.00"), 5, 1, "standard")
	b := IdempotencyKey("job-1", "alice", "prov-1", decimal.NewFromInt(8), 5, 1, "standard")
	if a != b {
		t.Error("8.00 and 8 should produce the same key")
	}
}

func TestReceipt_Amount(t *testing.T) {
	r := NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now())
	if !r.Amount().Equal(d(40)) {
		t.Errorf("expected amount 40, got %s", r.Amount())
	}
}

func TestReceipt_TamperedKeyInvalid(t *testing.T) {
	r := NewReceipt("job-1", "alice", "prov-1", "standard", d(8), 5, time.Now())
	r.Units = 500
	if r.KeyValid() {
		t.Error("changing units must invalidate the key")
	}
}

func TestAuditRecord_CanonicalBytesExcludeDigest(t *testing.T) {
	r := AuditRecord{Sequence: 7, Timestamp: time.Unix(100, 0), Kind: AuditSettlement, Entity: "prov-1", Delta: d(40)}
	before := string(r.CanonicalBytes())
	r.Digest = "abc"
	if string(r.CanonicalBytes()) != before {
		t.Error("digest must not be part of the canonical encoding")
	}
	r.Memo = "changed"
	if string(r.CanonicalBytes()) == before {
		t.Error("memo must be part of the canonical encoding")
	}
}
