package model

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"
)

// ReceiptVersion is the current receipt schema version.
const ReceiptVersion uint32 = 1

// Receipt is the immutable record of a match. Once created, receipts are
// never modified or deleted.
type Receipt struct {
	Version        uint32          `json:"version"`
	JobID          string          `json:"job_id"`
	Buyer          string          `json:"buyer"`
	Provider       string          `json:"provider"`
	Lane           string          `json:"lane"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Units          int64           `json:"units"`
	IssuedAt       time.Time       `json:"issued_at"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// NewReceipt builds a receipt and derives its idempotency key.
func NewReceipt(jobID, buyer, provider, lane string, unitPrice decimal.Decimal, units int64, issuedAt time.Time) Receipt {
	r := Receipt{
		Version:   ReceiptVersion,
		JobID:     jobID,
		Buyer:     buyer,
		Provider:  provider,
		Lane:      lane,
		UnitPrice: unitPrice,
		Units:     units,
		IssuedAt:  issuedAt.UTC(),
	}
	r.IdempotencyKey = IdempotencyKey(r.JobID, r.Buyer, r.Provider, r.UnitPrice, r.Units, r.Version, r.Lane)
	return r
}

// Amount is the total settlement value: unit price × units.
func (r Receipt) Amount() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(r.Units))
}

// KeyValid reports whether the carried idempotency key matches the fields.
func (r Receipt) KeyValid() bool {
	return r.IdempotencyKey == IdempotencyKey(r.JobID, r.Buyer, r.Provider, r.UnitPrice, r.Units, r.Version, r.Lane)
}

// IdempotencyKey hashes the identifying fields of a settlement action.
// Every field is length-prefixed so adjacent strings cannot collide; IssuedAt
// is deliberately excluded so a re-issued match maps to the same key.
func IdempotencyKey(jobID, buyer, provider string, unitPrice decimal.Decimal, units int64, version uint32, lane string) string {
	h := blake3.New()
	writeField(h, []byte(jobID))
	writeField(h, []byte(buyer))
	writeField(h, []byte(provider))
	writeField(h, []byte(unitPrice.String()))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(units))
	writeField(h, buf[:])
	binary.BigEndian.PutUint32(buf[:4], version)
	writeField(h, buf[:4])
	writeField(h, []byte(lane))

	return hex.EncodeToString(h.Sum(nil))
}

// FailedApplication is a receipt that could not be applied for lack of funds
// and is kept for replay.
type FailedApplication struct {
	Receipt  Receipt   `json:"receipt"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
	Attempts int       `json:"attempts"`
}

type fieldWriter interface {
	Write(p []byte) (int, error)
}

func writeField(w fieldWriter, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}
