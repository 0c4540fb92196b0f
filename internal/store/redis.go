package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

// CachedStore wraps a primary Store (Pebble or PostgreSQL) with a Redis
// cache for read-only balance and reputation lookups.
//
// The LedgerStore methods, GetBalance included, always answer from the
// primary: settlement arithmetic must never start from a cached value.
// Public reads go through CachedBalance, which may lag a commit by at most
// the TTL. Commits and reputation writes invalidate the affected keys.
type CachedStore struct {
	Store
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:  primary,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// --- Writes: primary first, then invalidate ---

func (s *CachedStore) CommitEntry(ctx context.Context, e *Entry) error {
	if err := s.Store.CommitEntry(ctx, e); err != nil {
		return err
	}
	if len(e.Balances) > 0 {
		keys := make([]string, 0, len(e.Balances))
		for _, b := range e.Balances {
			keys = append(keys, balanceKey(b.Party))
		}
		// The commit is durable; a failed invalidation only delays public
		// reads until the TTL expires.
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			s.logger.Warn("balance cache invalidation failed", "keys", keys, "ttl", s.ttl, "err", err)
		}
	}
	return nil
}

func (s *CachedStore) PutReputation(ctx context.Context, r model.ReputationScore) error {
	if err := s.Store.PutReputation(ctx, r); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, reputationKey(r.ProviderID)).Err(); err != nil {
		s.logger.Warn("reputation cache invalidation failed", "provider", r.ProviderID, "err", err)
	}
	return nil
}

// --- Reads ---

// GetBalance reads the primary store directly.
func (s *CachedStore) GetBalance(ctx context.Context, party string) (decimal.Decimal, error) {
	return s.Store.GetBalance(ctx, party)
}

// CachedBalance is the read-through balance lookup for public queries.
func (s *CachedStore) CachedBalance(ctx context.Context, party string) (decimal.Decimal, error) {
	if str, err := s.rdb.Get(ctx, balanceKey(party)).Result(); err == nil {
		if amount, err := decimal.NewFromString(str); err == nil {
			return amount, nil
		}
	}

	amount, err := s.Store.GetBalance(ctx, party)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(party), amount.String(), s.ttl)
	return amount, nil
}

func (s *CachedStore) GetReputation(ctx context.Context, providerID string) (*model.ReputationScore, error) {
	data, err := s.rdb.Get(ctx, reputationKey(providerID)).Bytes()
	if err == nil {
		var r model.ReputationScore
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.Store.GetReputation(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, reputationKey(providerID), data, s.ttl)
	}
	return r, nil
}

func balanceKey(party string) string       { return fmt.Sprintf("balance:%s", party) }
func reputationKey(provider string) string { return fmt.Sprintf("reputation:%s", provider) }
