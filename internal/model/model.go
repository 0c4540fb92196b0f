// Package model defines the core domain types shared across the compute
// market engine. All monetary values use shopspring/decimal, never float64
// for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/capability"
)

// Side is the direction of an order.
type Side string

const (
	SideBid Side = "BID" // consumer buying compute
	SideAsk Side = "ASK" // provider selling compute
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Order is a bid or ask resting in a lane book. Orders are never mutated
// once submitted; a partial fill puts a reduced copy back in the book.
type Order struct {
	ID           string          `json:"id"`
	Party        string          `json:"party"`
	Lane         string          `json:"lane"`
	Side         Side            `json:"side"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Quantity     int64           `json:"quantity"`

	// Capabilities are the requirements of a bid or the offering of an ask.
	Capabilities capability.Set `json:"capabilities"`

	// ExecutionTime is the job's declared run time; bids only.
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	// Deferred marks low-priority jobs that do not count toward backlog.
	Deferred bool `json:"deferred,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	Seq         uint64    `json:"seq"` // arrival order within the engine
}

// Notional is price × quantity.
func (o *Order) Notional() decimal.Decimal {
	return o.PricePerUnit.Mul(decimal.NewFromInt(o.Quantity))
}

// WithQuantity returns a copy of the order carrying a different quantity.
// Arrival time and sequence are preserved so the remainder keeps its priority.
func (o *Order) WithQuantity(qty int64) *Order {
	c := *o
	c.Quantity = qty
	return &c
}

// Balance is a party's settlement-token holding.
type Balance struct {
	Party     string          `json:"party"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReputationScore is a provider's decaying score in [-1, 1]; 0 is neutral.
type ReputationScore struct {
	ProviderID  string    `json:"provider_id"`
	Score       float64   `json:"score"`
	LastUpdated time.Time `json:"last_updated"`
}

// ReputationDelta is the outbound notice of a reputation adjustment.
type ReputationDelta struct {
	ProviderID string    `json:"provider_id"`
	Delta      float64   `json:"delta"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// EscrowRelease instructs the external escrow collaborator to return funds.
type EscrowRelease struct {
	Party     string          `json:"party"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Reason    string          `json:"reason"`
}

// CompletionSignal reports the outcome of a job from the execution collaborator.
type CompletionSignal struct {
	JobID          string `json:"job_id"`
	Success        bool   `json:"success"`
	ProofReference string `json:"proof_reference"`
}
