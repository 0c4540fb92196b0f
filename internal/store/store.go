// Package store defines the persistence interface for the market engine.
// Implementations include Pebble (embedded, the default durable store),
// PostgreSQL, Redis (a cache for public reads in front of either) and in-memory
// (for testing).
//
// Logical layout: an append-only audit log keyed by sequence, a balance table
// keyed by party, an idempotency index keyed by receipt hash, a failed
// application archive, an SLA table keyed by job id, an activation history
// keyed by version and a reputation table keyed by provider.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyApplied  = errors.New("store: idempotency key already applied")
	ErrVersionConflict = errors.New("store: activation version conflict")
	ErrSequenceGap     = errors.New("store: audit sequence does not follow head")
)

// Entry is one atomic ledger commit. Every populated field is written or
// none is.
type Entry struct {
	// Record is appended to the audit log; its Sequence must be head+1.
	Record *model.AuditRecord

	// Balances are the post-commit balances to upsert.
	Balances []model.Balance

	// IndexKey is inserted into the idempotency index with compare-and-insert
	// semantics: if it is already present the whole entry fails with
	// ErrAlreadyApplied.
	IndexKey string
	Receipt  *model.Receipt // stored alongside IndexKey when set

	// Archive upserts a failed application; Unarchive removes one by key.
	Archive   *model.FailedApplication
	Unarchive string
}

// Store is the persistence interface consumed by the engine.
type Store interface {
	LedgerStore
	SLAStore
	ActivationStore
	ReputationStore
}

// LedgerStore persists settlement state.
type LedgerStore interface {
	// Head returns the last committed sequence and digest (zero when empty).
	Head(ctx context.Context) (model.JournalHead, error)

	// GetBalance returns a party's balance, zero if the party is unknown.
	GetBalance(ctx context.Context, party string) (decimal.Decimal, error)

	// ListBalances returns every known balance.
	ListBalances(ctx context.Context) ([]model.Balance, error)

	// IsApplied reports whether key is in the idempotency index.
	IsApplied(ctx context.Context, key string) (bool, error)

	// GetReceipt returns an applied receipt by idempotency key.
	GetReceipt(ctx context.Context, key string) (*model.Receipt, error)

	// CommitEntry applies an Entry atomically.
	CommitEntry(ctx context.Context, e *Entry) error

	// GetFailed returns an archived failed application.
	GetFailed(ctx context.Context, key string) (*model.FailedApplication, error)

	// ListFailed returns the failed application archive, oldest first.
	ListFailed(ctx context.Context) ([]model.FailedApplication, error)

	// AuditRange returns up to limit records with Sequence >= from, ascending.
	AuditRange(ctx context.Context, from uint64, limit int) ([]model.AuditRecord, error)

	// RecentDigests returns the last limit digests, newest first.
	RecentDigests(ctx context.Context, limit int) ([]model.Digest, error)
}

// SLAStore persists outstanding SLA records.
type SLAStore interface {
	PutSLA(ctx context.Context, r *model.SlaRecord) error
	GetSLA(ctx context.Context, jobID string) (*model.SlaRecord, error)
	// DeleteSLA returns ErrNotFound when the record is already gone.
	DeleteSLA(ctx context.Context, jobID string) error
	ListSLA(ctx context.Context) ([]model.SlaRecord, error)
}

// ActivationStore persists the versioned activation history.
type ActivationStore interface {
	// AppendTransition requires t.Version to be exactly latest+1.
	AppendTransition(ctx context.Context, t model.ActivationTransition) error

	// ActivationHistory returns every transition in version order.
	ActivationHistory(ctx context.Context) ([]model.ActivationTransition, error)
}

// ReputationStore persists provider reputation.
type ReputationStore interface {
	PutReputation(ctx context.Context, s model.ReputationScore) error
	GetReputation(ctx context.Context, providerID string) (*model.ReputationScore, error)
	ListReputation(ctx context.Context) ([]model.ReputationScore, error)
}
