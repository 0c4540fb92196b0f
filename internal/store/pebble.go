package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/computex/market-engine/internal/model"
)

// Key layout. Sequence and version keys are zero-padded so lexical order is
// numeric order.
const (
	prefixAudit      = "audit/"
	prefixBalance    = "bal/"
	prefixApplied    = "applied/"
	prefixFailed     = "failed/"
	prefixSLA        = "sla/"
	prefixActivation = "act/"
	prefixReputation = "rep/"
	keyHead          = "meta/head"
)

// PebbleStore implements Store on an embedded Pebble database. Every write
// is committed with pebble.Sync so an acknowledged commit survives a crash.
type PebbleStore struct {
	db *pebble.DB

	// mu serializes read-check-write sequences (idempotency index, head
	// sequence, activation version); Pebble has no conditional put.
	mu sync.Mutex
}

// OpenPebble opens (or creates) a Pebble store in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) Head(_ context.Context) (model.JournalHead, error) {
	var h model.JournalHead
	err := s.getJSON(keyHead, &h)
	if errors.Is(err, ErrNotFound) {
		return model.JournalHead{}, nil
	}
	return h, err
}

func (s *PebbleStore) GetBalance(_ context.Context, party string) (decimal.Decimal, error) {
	var b model.Balance
	err := s.getJSON(prefixBalance+party, &b)
	if errors.Is(err, ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return b.Amount, nil
}

func (s *PebbleStore) ListBalances(_ context.Context) ([]model.Balance, error) {
	var out []model.Balance
	err := s.scan(prefixBalance, func(_, val []byte) error {
		var b model.Balance
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

func (s *PebbleStore) IsApplied(_ context.Context, key string) (bool, error) {
	return s.has(prefixApplied + key)
}

func (s *PebbleStore) GetReceipt(_ context.Context, key string) (*model.Receipt, error) {
	val, closer, err := s.db.Get([]byte(prefixApplied + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("receipt %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Penalty keys are indexed without a receipt body.
	if len(val) == 0 {
		return nil, fmt.Errorf("receipt %s: %w", key, ErrNotFound)
	}
	var r model.Receipt
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PebbleStore) CommitEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IndexKey != "" {
		ok, err := s.has(prefixApplied + e.IndexKey)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyApplied
		}
	}

	b := s.db.NewBatch()
	defer b.Close()

	if e.Record != nil {
		head, err := s.Head(context.Background())
		if err != nil {
			return err
		}
		if e.Record.Sequence != head.Sequence+1 {
			return fmt.Errorf("append %d after %d: %w", e.Record.Sequence, head.Sequence, ErrSequenceGap)
		}
		if err := setJSON(b, string(auditKey(e.Record.Sequence)), e.Record); err != nil {
			return err
		}
		next := model.JournalHead{Sequence: e.Record.Sequence, Digest: e.Record.Digest}
		if err := setJSON(b, keyHead, next); err != nil {
			return err
		}
	}
	for _, bal := range e.Balances {
		if err := setJSON(b, prefixBalance+bal.Party, bal); err != nil {
			return err
		}
	}
	if e.IndexKey != "" {
		var val []byte
		if e.Receipt != nil {
			data, err := json.Marshal(e.Receipt)
			if err != nil {
				return err
			}
			val = data
		}
		if err := b.Set([]byte(prefixApplied+e.IndexKey), val, nil); err != nil {
			return err
		}
	}
	if e.Archive != nil {
		if err := setJSON(b, prefixFailed+e.Archive.Receipt.IdempotencyKey, e.Archive); err != nil {
			return err
		}
	}
	if e.Unarchive != "" {
		if err := b.Delete([]byte(prefixFailed+e.Unarchive), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetFailed(_ context.Context, key string) (*model.FailedApplication, error) {
	var f model.FailedApplication
	if err := s.getJSON(prefixFailed+key, &f); err != nil {
		return nil, fmt.Errorf("failed application %s: %w", key, err)
	}
	return &f, nil
}

func (s *PebbleStore) ListFailed(_ context.Context) ([]model.FailedApplication, error) {
	var out []model.FailedApplication
	err := s.scan(prefixFailed, func(_, val []byte) error {
		var f model.FailedApplication
		if err := json.Unmarshal(val, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, err
}

func (s *PebbleStore) AuditRange(_ context.Context, from uint64, limit int) ([]model.AuditRecord, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: auditKey(from),
		UpperBound: upperBound(prefixAudit),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.AuditRecord
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		var r model.AuditRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

func (s *PebbleStore) RecentDigests(_ context.Context, limit int) ([]model.Digest, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixAudit),
		UpperBound: upperBound(prefixAudit),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []model.Digest
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var r model.AuditRecord
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		out = append(out, model.Digest{Sequence: r.Sequence, Value: r.Digest})
	}
	return out, iter.Error()
}

func (s *PebbleStore) PutSLA(_ context.Context, r *model.SlaRecord) error {
	return s.putJSON(prefixSLA+r.JobID, r)
}

func (s *PebbleStore) GetSLA(_ context.Context, jobID string) (*model.SlaRecord, error) {
	var r model.SlaRecord
	if err := s.getJSON(prefixSLA+jobID, &r); err != nil {
		return nil, fmt.Errorf("sla %s: %w", jobID, err)
	}
	return &r, nil
}

func (s *PebbleStore) DeleteSLA(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.has(prefixSLA + jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sla %s: %w", jobID, ErrNotFound)
	}
	return s.db.Delete([]byte(prefixSLA+jobID), pebble.Sync)
}

func (s *PebbleStore) ListSLA(_ context.Context) ([]model.SlaRecord, error) {
	var out []model.SlaRecord
	err := s.scan(prefixSLA, func(_, val []byte) error {
		var r model.SlaRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PebbleStore) AppendTransition(_ context.Context, t model.ActivationTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.latestVersion()
	if err != nil {
		return err
	}
	if t.Version != latest+1 {
		return fmt.Errorf("append version %d after %d: %w", t.Version, latest, ErrVersionConflict)
	}
	return s.putJSON(string(activationKey(t.Version)), t)
}

func (s *PebbleStore) ActivationHistory(_ context.Context) ([]model.ActivationTransition, error) {
	var out []model.ActivationTransition
	err := s.scan(prefixActivation, func(_, val []byte) error {
		var t model.ActivationTransition
		if err := json.Unmarshal(val, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *PebbleStore) PutReputation(_ context.Context, r model.ReputationScore) error {
	return s.putJSON(prefixReputation+r.ProviderID, r)
}

func (s *PebbleStore) GetReputation(_ context.Context, providerID string) (*model.ReputationScore, error) {
	var r model.ReputationScore
	if err := s.getJSON(prefixReputation+providerID, &r); err != nil {
		return nil, fmt.Errorf("reputation %s: %w", providerID, err)
	}
	return &r, nil
}

func (s *PebbleStore) ListReputation(_ context.Context) ([]model.ReputationScore, error) {
	var out []model.ReputationScore
	err := s.scan(prefixReputation, func(_, val []byte) error {
		var r model.ReputationScore
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// -------------------- Helpers --------------------

func (s *PebbleStore) latestVersion() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixActivation),
		UpperBound: upperBound(prefixActivation),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	var t model.ActivationTransition
	if err := json.Unmarshal(iter.Value(), &t); err != nil {
		return 0, err
	}
	return t.Version, nil
}

func (s *PebbleStore) has(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) getJSON(key string, v any) error {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (s *PebbleStore) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

func (s *PebbleStore) scan(prefix string, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAudit, seq))
}

func activationKey(version uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixActivation, version))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}
