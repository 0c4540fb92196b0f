package settlement

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/computex/market-engine/internal/metrics"
	"github.com/computex/market-engine/internal/model"
	"github.com/computex/market-engine/internal/store"
)

// verifyPage is how many audit records VerifyJournal reads per round trip.
const verifyPage = 512

// chainDigest folds a record into the rolling digest:
//
//	digest_n = blake3(digest_{n-1} || canonical(record_n))
func chainDigest(prev string, r *model.AuditRecord) string {
	h := blake3.New()
	h.Write([]byte(prev))
	h.Write(r.CanonicalBytes())
	return hex.EncodeToString(h.Sum(nil))
}

// commit assigns the next sequence and digest to e.Record (if any) and
// writes the entry. The sequence counter is only advanced for a committed
// record, so the journal stays gap-free across failed writes.
//
// Every commit runs under journalMu, including the store write. The per-party
// locks order balance reads against each other, but commits from all lanes
// still go one at a time.
func (l *Ledger) commit(ctx context.Context, e *store.Entry) error {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	if e.Record == nil {
		return l.store.CommitEntry(ctx, e)
	}

	seq := l.seq.Add(1)
	e.Record.Sequence = seq
	e.Record.AnchorDigest = l.digest
	e.Record.Digest = chainDigest(l.digest, e.Record)

	if err := l.store.CommitEntry(ctx, e); err != nil {
		l.seq.Add(^uint64(0))
		return err
	}
	l.digest = e.Record.Digest
	metrics.LedgerSequence.Set(float64(seq))
	if l.pub != nil {
		l.pub.PublishAudit(*e.Record)
	}
	return nil
}

// Head returns the last committed sequence and digest.
func (l *Ledger) Head() model.JournalHead {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()
	return model.JournalHead{Sequence: l.seq.Load(), Digest: l.digest}
}

// RecentDigests returns the last limit integrity digests, newest first.
func (l *Ledger) RecentDigests(ctx context.Context, limit int) ([]model.Digest, error) {
	out, err := l.store.RecentDigests(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent digests: %v", ErrLedgerUnavailable, err)
	}
	return out, nil
}

// AuditRange returns up to limit audit records starting at sequence from.
func (l *Ledger) AuditRange(ctx context.Context, from uint64, limit int) ([]model.AuditRecord, error) {
	out, err := l.store.AuditRange(ctx, from, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: audit range: %v", ErrLedgerUnavailable, err)
	}
	return out, nil
}

// VerifyJournal walks the audit log from the first record, checking that
// sequences are gap-free and that every digest chains from its predecessor,
// and that the tail agrees with the recorded head.
func (l *Ledger) VerifyJournal(ctx context.Context) error {
	head, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("%w: journal head: %v", ErrLedgerUnavailable, err)
	}

	var (
		expect = uint64(1)
		prev   string
	)
	for {
		page, err := l.store.AuditRange(ctx, expect, verifyPage)
		if err != nil {
			return fmt.Errorf("%w: audit range: %v", ErrLedgerUnavailable, err)
		}
		for i := range page {
			r := &page[i]
			if r.Sequence != expect {
				return fmt.Errorf("%w: expected sequence %d, found %d", ErrJournalGap, expect, r.Sequence)
			}
			if r.AnchorDigest != prev {
				return fmt.Errorf("%w: record %d anchors to %q, predecessor is %q", ErrDigestMismatch, r.Sequence, r.AnchorDigest, prev)
			}
			if got := chainDigest(prev, r); got != r.Digest {
				return fmt.Errorf("%w: record %d digest %s, recomputed %s", ErrDigestMismatch, r.Sequence, r.Digest, got)
			}
			prev = r.Digest
			expect++
		}
		if len(page) < verifyPage {
			break
		}
	}

	last := expect - 1
	if last != head.Sequence {
		return fmt.Errorf("%w: head at %d, journal ends at %d", ErrJournalGap, head.Sequence, last)
	}
	if prev != head.Digest {
		return fmt.Errorf("%w: head digest %s, journal tail %s", ErrDigestMismatch, head.Digest, prev)
	}
	return nil
}
