package settlement

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

// actionKey derives the idempotency key of a non-receipt ledger action.
func actionKey(kind model.AuditKind, party string, amount decimal.Decimal, ref string) string {
	h := blake3.New()
	for _, f := range []string{string(kind), party, amount.String(), ref} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Penalize burns up to amount from provider's balance outside the receipt
// flow and appends a penalty audit record. The burn never takes a balance
// below zero; the memo records what was requested. Calls are idempotent per
// (provider, amount, reason), so callers include a unique reference such as
// the job id in reason. Outside Real mode the burn is notional.
func (l *Ledger) Penalize(ctx context.Context, provider string, amount decimal.Decimal, reason string) error {
	ctx, span := tracer.Start(ctx, "ledger.Penalize", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
	defer span.End()

	if provider == "" || amount.IsNegative() {
		return fmt.Errorf("%w: penalty needs a provider and a non-negative amount", ErrInvalidReceipt)
	}
	key := actionKey(model.AuditPenalty, provider, amount, reason)

	m := l.partyLock(provider)
	m.Lock()
	defer m.Unlock()

	applied, err := l.store.IsApplied(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: idempotency lookup: %v", ErrLedgerUnavailable, err)
	}
	if applied {
		return nil
	}

	mode, release := l.holdMode()
	defer release()
	live := mode == model.ModeReal
	now := l.now().UTC()

	before, err := l.store.GetBalance(ctx, provider)
	if err != nil {
		return fmt.Errorf("%w: balance %s: %v", ErrLedgerUnavailable, provider, err)
	}
	burn := decimal.Min(amount, before)
	if !live {
		burn = amount
	}
	after := before
	if live {
		after = before.Sub(burn)
	}

	rec := &model.AuditRecord{
		Timestamp:        now,
		Kind:             model.AuditPenalty,
		Entity:           provider,
		Memo:             fmt.Sprintf("%s (requested %s)", reason, amount),
		Delta:            burn.Neg(),
		ResultingBalance: after,
		Postings:         []model.Posting{{Party: provider, Delta: burn.Neg(), Before: before, After: after}},
		Notional:         !live,
		Mode:             mode,
		ReceiptKey:       key,
	}
	entry := &store.Entry{Record: rec, IndexKey: key}
	if live {
		entry.Balances = []model.Balance{{Party: provider, Amount: after, UpdatedAt: now}}
	}
	if err := l.commit(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyApplied) {
			return nil
		}
		return fmt.Errorf("%w: penalty %s: %v", ErrLedgerUnavailable, provider, err)
	}

	l.logger.Warn("provider penalized", "provider", provider, "burned", burn.String(), "reason", reason, "mode", mode)
	return nil
}

// Deposit credits a party from outside the market, idempotent per
// (party, amount, reference). Outside Real mode the credit is notional.
func (l *Ledger) Deposit(ctx context.Context, party string, amount decimal.Decimal, reference string) (Outcome, error) {
	if party == "" || !amount.IsPositive() {
		return "", fmt.Errorf("%w: deposit needs a party and a positive amount", ErrInvalidReceipt)
	}
	key := actionKey(model.AuditDeposit, party, amount, reference)

	m := l.partyLock(party)
	m.Lock()
	defer m.Unlock()

	applied, err := l.store.IsApplied(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: idempotency lookup: %v", ErrLedgerUnavailable, err)
	}
	if applied {
		return OutcomeDuplicate, nil
	}

	mode, release := l.holdMode()
	defer release()
	live := mode == model.ModeReal
	now := l.now().UTC()

	before, err := l.store.GetBalance(ctx, party)
	if err != nil {
		return "", fmt.Errorf("%w: balance %s: %v", ErrLedgerUnavailable, party, err)
	}
	after := before
	if live {
		after = before.Add(amount)
	}

	rec := &model.AuditRecord{
		Timestamp:        now,
		Kind:             model.AuditDeposit,
		Entity:           party,
		Memo:             "deposit " + reference,
		Delta:            amount,
		ResultingBalance: after,
		Postings:         []model.Posting{{Party: party, Delta: amount, Before: before, After: after}},
		Notional:         !live,
		Mode:             mode,
		ReceiptKey:       key,
	}
	entry := &store.Entry{Record: rec, IndexKey: key}
	if live {
		entry.Balances = []model.Balance{{Party: party, Amount: after, UpdatedAt: now}}
	}
	if err := l.commit(ctx, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyApplied) {
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("%w: deposit %s: %v", ErrLedgerUnavailable, party, err)
	}
	l.logger.Info("deposit recorded", "party", party, "amount", amount.String(), "mode", mode)
	return OutcomeApplied, nil
}
