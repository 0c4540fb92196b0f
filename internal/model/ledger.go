package model

import (
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"
)

// AuditKind tags an audit record.
type AuditKind string

const (
	AuditSettlement       AuditKind = "settlement"
	AuditSettlementFailed AuditKind = "settlement_failed"
	AuditPenalty          AuditKind = "penalty"
	AuditDeposit          AuditKind = "deposit"
)

// Posting is one balance movement inside an audit record.
type Posting struct {
	Party  string          `json:"party"`
	Delta  decimal.Decimal `json:"delta"`
	Before decimal.Decimal `json:"before"`
	After  decimal.Decimal `json:"after"`
}

// AuditRecord is an append-only ledger journal entry. Sequence numbers are
// strictly increasing and gap-free; Digest is the rolling integrity digest
// after folding this record in.
type AuditRecord struct {
	Sequence         uint64          `json:"sequence"`
	Timestamp        time.Time       `json:"timestamp"`
	Kind             AuditKind       `json:"kind"`
	Entity           string          `json:"entity"`
	Memo             string          `json:"memo"`
	Delta            decimal.Decimal `json:"delta"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Postings         []Posting       `json:"postings,omitempty"`
	Notional         bool            `json:"notional"` // recorded without balance mutation
	Mode             ActivationMode  `json:"mode"`
	ReceiptKey       string          `json:"receipt_key,omitempty"`
	AnchorDigest     string          `json:"anchor_digest,omitempty"`
	Digest           string          `json:"digest"`
}

// CanonicalBytes is the deterministic encoding folded into the digest.
// The Digest field itself is excluded.
func (r *AuditRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint64(buf, r.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp.UnixNano()))
	buf = appendString(buf, string(r.Kind))
	buf = appendString(buf, r.Entity)
	buf = appendString(buf, r.Memo)
	buf = appendString(buf, r.Delta.String())
	buf = appendString(buf, r.ResultingBalance.String())
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Postings)))
	for _, p := range r.Postings {
		buf = appendString(buf, p.Party)
		buf = appendString(buf, p.Delta.String())
		buf = appendString(buf, p.Before.String())
		buf = appendString(buf, p.After.String())
	}
	if r.Notional {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, string(r.Mode))
	buf = appendString(buf, r.ReceiptKey)
	buf = appendString(buf, r.AnchorDigest)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Digest is the rolling integrity digest at a given sequence.
type Digest struct {
	Sequence uint64 `json:"sequence"`
	Value    string `json:"value"`
}

// JournalHead is the last committed position of the audit log.
type JournalHead struct {
	Sequence uint64 `json:"sequence"`
	Digest   string `json:"digest"`
}

// SLAState is the lifecycle of an SLA record.
type SLAState string

const (
	SLARegistered SLAState = "registered"
	SLACompleted  SLAState = "completed"
	SLABreached   SLAState = "breached"
)

// SlaRecord tracks the deadline and bonds of a matched job.
type SlaRecord struct {
	JobID        string          `json:"job_id"`
	Lane         string          `json:"lane"`
	Provider     string          `json:"provider"`
	Consumer     string          `json:"consumer"`
	ProviderBond decimal.Decimal `json:"provider_bond"`
	ConsumerBond decimal.Decimal `json:"consumer_bond"`
	Deadline     time.Time       `json:"deadline"`
	RegisteredAt time.Time       `json:"registered_at"`
	Attempts     int             `json:"attempts,omitempty"` // failed sweep attempts
}

// Overdue reports whether the deadline has passed at now.
func (r *SlaRecord) Overdue(now time.Time) bool {
	return now.After(r.Deadline)
}
